package models

import "time"

// Invite 邀请注册；Role/Grade/ClassNo 在注册时写入新用户
type Invite struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	Email     string     `gorm:"index;size:255;not null" json:"email"`
	Token     string     `gorm:"uniqueIndex;size:64;not null" json:"-"`
	Role      string     `gorm:"size:20;not null;default:'student'" json:"role"`
	Grade     int        `gorm:"not null;default:0" json:"grade,omitempty"`
	ClassNo   int        `gorm:"not null;default:0" json:"classNo,omitempty"`
	ExpiresAt time.Time  `gorm:"index;not null" json:"expiresAt"`
	UsedAt    *time.Time `json:"usedAt,omitempty"`
	CreatedBy string     `gorm:"size:255" json:"createdBy"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

func (Invite) TableName() string { return "checkout_invites" }
