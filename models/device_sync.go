package models

import "time"

// DeviceSync 设备状态同步的 outbox 行：与借用记录同一事务写入，提交后再投递
type DeviceSync struct {
	ID        string       `gorm:"size:26;primaryKey" json:"id"` // ULID，按时间有序
	LoanID    string       `gorm:"size:36;index;not null" json:"loanId"`
	DeviceTag string       `gorm:"size:20;index;not null" json:"deviceTag"`
	Status    DeviceStatus `gorm:"size:20;not null" json:"status"`
	Occupant  string       `gorm:"size:200" json:"occupant,omitempty"` // 空 = 清空当前借用人
	Note      string       `gorm:"size:1000" json:"note,omitempty"`
	Attempts  int          `gorm:"not null;default:0" json:"attempts"`
	LastError string       `gorm:"size:1000" json:"lastError,omitempty"`
	DoneAt    *time.Time   `gorm:"index" json:"doneAt,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

func (DeviceSync) TableName() string { return "checkout_device_syncs" }
