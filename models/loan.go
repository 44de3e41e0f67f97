// models/loan.go
package models

import "time"

const LoanTable = "checkout_loans"

type LoanStatus string

const (
	LoanRequested LoanStatus = "requested"
	LoanApproved  LoanStatus = "approved"
	LoanPickedUp  LoanStatus = "picked_up"
	LoanReturned  LoanStatus = "returned"
	LoanRejected  LoanStatus = "rejected"
	LoanCancelled LoanStatus = "cancelled"

	// 只在读取时推导，不落库
	LoanOverdue LoanStatus = "overdue"
)

// ActiveLoanStatuses 占用中的状态：同一学生同时只能有一条
var ActiveLoanStatuses = []LoanStatus{LoanRequested, LoanApproved, LoanPickedUp}

func (s LoanStatus) Valid() bool {
	switch s {
	case LoanRequested, LoanApproved, LoanPickedUp, LoanReturned, LoanRejected, LoanCancelled:
		return true
	}
	return false
}

func (s LoanStatus) Active() bool {
	for _, a := range ActiveLoanStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// CancelledBy 区分学生自行取消与老师驳回
type CancelledBy string

const (
	CancelledByStudent CancelledBy = "student"
	CancelledByStaff   CancelledBy = "staff"
)

type Loan struct {
	ID string `gorm:"size:36;primaryKey" json:"id"`

	StudentName    string `gorm:"size:100;not null" json:"studentName"`
	StudentNo      int    `gorm:"not null" json:"studentNo"`
	ClassName      string `gorm:"size:10;index;not null" json:"className"`
	Email          string `gorm:"size:255;index;not null" json:"email"`
	StudentContact string `gorm:"size:50" json:"studentContact,omitempty"`

	Purpose       string     `gorm:"size:50;not null" json:"purpose"`
	PurposeDetail string     `gorm:"size:500" json:"purposeDetail,omitempty"`
	ReturnDate    *time.Time `json:"returnDate,omitempty"`
	DueDate       time.Time  `gorm:"index;not null" json:"dueDate"`
	Notes         string     `gorm:"size:1000" json:"notes,omitempty"`
	Signature     string     `gorm:"size:255" json:"signature,omitempty"` // blob key

	DeviceTag *string `gorm:"size:20;index" json:"deviceTag,omitempty"`

	Status      LoanStatus   `gorm:"size:20;index;not null" json:"status"`
	CancelledBy *CancelledBy `gorm:"size:10" json:"cancelledBy,omitempty"`

	CreatedAt      time.Time  `gorm:"index" json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	ApprovedAt     *time.Time `json:"approvedAt,omitempty"`
	ApprovedBy     string     `gorm:"size:200" json:"approvedBy,omitempty"`
	ApprovedByID   string     `gorm:"size:36" json:"approvedById,omitempty"`
	ApprovedByRole string     `gorm:"size:20" json:"approvedByRole,omitempty"`

	PickedUpAt      *time.Time `json:"pickedUpAt,omitempty"`
	PickedUpByID    string     `gorm:"size:36" json:"pickedUpById,omitempty"`
	PickupSignature string     `gorm:"size:255" json:"pickupSignature,omitempty"`

	ReturnedAt      *time.Time `gorm:"index" json:"returnedAt,omitempty"`
	ReturnedByID    string     `gorm:"size:36" json:"returnedById,omitempty"`
	ReturnSignature string     `gorm:"size:255" json:"returnSignature,omitempty"`
	ReturnCondition string     `gorm:"size:1000" json:"returnCondition,omitempty"`
	Damaged         bool       `gorm:"not null;default:false" json:"damaged"`

	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
}

func (Loan) TableName() string { return LoanTable }

// Tag 返回 DeviceTag 的值（未分配时为空串）
func (l *Loan) Tag() string {
	if l.DeviceTag == nil {
		return ""
	}
	return *l.DeviceTag
}
