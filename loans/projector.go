package loans

import (
	"time"

	"Gin_postgres_redis_laptop_checkout/models"
)

const day = 24 * time.Hour

// Project 读取时计算有效状态：已领取且超过 dueDate 为 overdue，其余等于存储状态。
// 纯函数，不写任何东西。
func Project(l *models.Loan, now time.Time) models.LoanStatus {
	if l.Status == models.LoanPickedUp && now.After(l.DueDate) {
		return models.LoanOverdue
	}
	return l.Status
}

// OverdueDays is floor((now - dueDate) / 1 day) for overdue loans, never below 1,
// so that it is zero exactly when the loan is not overdue.
func OverdueDays(l *models.Loan, now time.Time) int {
	if Project(l, now) != models.LoanOverdue {
		return 0
	}
	d := int(now.Sub(l.DueDate) / day)
	if d < 1 {
		d = 1
	}
	return d
}

// LoanView 列表/详情统一输出
type LoanView struct {
	models.Loan
	EffectiveStatus models.LoanStatus  `json:"effectiveStatus"`
	OverdueDays     int                `json:"overdueDays"`
	Events          []models.LoanEvent `json:"events,omitempty"`
}

func NewView(l models.Loan, now time.Time) LoanView {
	return LoanView{Loan: l, EffectiveStatus: Project(&l, now), OverdueDays: OverdueDays(&l, now)}
}
