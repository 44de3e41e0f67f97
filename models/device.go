// models/device.go
package models

import "time"

const DeviceTable = "checkout_devices"

type DeviceStatus string

const (
	DeviceAvailable   DeviceStatus = "available"
	DeviceLoaned      DeviceStatus = "loaned"
	DeviceMaintenance DeviceStatus = "maintenance"
)

func (s DeviceStatus) Valid() bool {
	switch s {
	case DeviceAvailable, DeviceLoaned, DeviceMaintenance:
		return true
	}
	return false
}

// Device 一台实体笔电，AssetTag 形如 ICH-20111
type Device struct {
	AssetTag      string       `gorm:"size:20;primaryKey" json:"assetTag"`
	Model         string       `gorm:"size:120;not null" json:"model"`
	SerialNumber  string       `gorm:"size:120;index" json:"serialNumber"`
	Status        DeviceStatus `gorm:"size:20;index;not null;default:'available'" json:"status"`
	AssignedClass string       `gorm:"size:10;index" json:"assignedClass,omitempty"`                // "2-1"
	CurrentUser   string       `gorm:"column:current_holder;size:200" json:"currentUser,omitempty"` // 当前借用人
	CurrentLoanID *string      `gorm:"size:36" json:"currentLoanId,omitempty"`
	Notes         string       `gorm:"size:1000" json:"notes,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

func (Device) TableName() string { return DeviceTable }
