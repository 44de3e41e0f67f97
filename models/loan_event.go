package models

import "time"

// LoanEvent 每次状态迁移的审计记录（完整状态历史）
type LoanEvent struct {
	ID         string     `gorm:"size:36;primaryKey" json:"id"`
	LoanID     string     `gorm:"size:36;index;not null" json:"loanId"`
	FromStatus LoanStatus `gorm:"size:20" json:"from,omitempty"`
	ToStatus   LoanStatus `gorm:"size:20;not null" json:"to"`
	ActorID    string     `gorm:"size:36" json:"actorId"`
	ActorName  string     `gorm:"size:200" json:"actorName"`
	ActorRole  string     `gorm:"size:20" json:"actorRole"`
	Note       string     `gorm:"size:1000" json:"note,omitempty"`
	CreatedAt  time.Time  `gorm:"index" json:"createdAt"`
}

func (LoanEvent) TableName() string { return "checkout_loan_events" }
