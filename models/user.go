package models

import (
	"time"
)

const (
	RoleAdmin    = "admin"
	RoleHelper   = "helper"
	RoleHomeroom = "homeroom"
	RoleStudent  = "student"
)

// User 用户名 = 邮箱；ID 为 UUID 字符串，WebAuthn userHandle 用其字节
type User struct {
	ID          string `gorm:"primaryKey;size:36" json:"id"`
	Username    string `gorm:"uniqueIndex;size:255;not null" json:"username"`
	DisplayName string `gorm:"size:255;not null" json:"displayName"`

	Role             string `gorm:"size:20;not null;default:'student'" json:"role"`
	Grade            int    `gorm:"not null;default:0" json:"grade,omitempty"`
	ClassNo          int    `gorm:"not null;default:0" json:"classNo,omitempty"`
	HomeroomApproved bool   `gorm:"not null;default:false" json:"homeroomApproved"`

	LastLoginAt *time.Time `gorm:"index" json:"lastLoginAt,omitempty"`
	LastSeenAt  *time.Time `gorm:"index" json:"lastSeenAt,omitempty"`
	LoginCount  int64      `gorm:"not null;default:0" json:"loginCount"`
	LastLoginIP string     `gorm:"size:45" json:"-"`
	LastLoginUA string     `gorm:"size:255" json:"-"`

	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	Credentials []Credential `json:"-"`
}

func (User) TableName() string {
	return "checkout_users"
}

// Credential 每个注册的 Passkey 一行；CredentialID/PublicKey/AAGUID 为二进制
type Credential struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	UserID          string    `gorm:"size:36;index" json:"userId"`
	CredentialID    []byte    `gorm:"uniqueIndex;size:255" json:"credentialId"`
	PublicKey       []byte    `json:"publicKey"`
	AttestationType string    `gorm:"size:64" json:"attestationType"`
	AAGUID          []byte    `json:"aaguid"`
	SignCount       uint32    `json:"signCount"`
	CloneWarning    bool      `json:"cloneWarning"`
	BackupEligible  bool      `json:"backupEligible"`
	BackupState     bool      `json:"backupState"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`

	LastUsedAt *time.Time `gorm:"index" json:"lastUsedAt,omitempty"`
}

func (Credential) TableName() string { return "checkout_credentials" }
