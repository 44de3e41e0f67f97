package loans

import "Gin_postgres_redis_laptop_checkout/models"

type Event string

const (
	EventApprove Event = "approve"
	EventPickup  Event = "pickup"
	EventReject  Event = "reject"
	EventCancel  Event = "cancel"
	EventReturn  Event = "return"
)

type rule struct {
	from  []models.LoanStatus
	to    models.LoanStatus
	staff bool // true: 需要老师/助手且在班级范围内；false: 只有借用人本人
}

var rules = map[Event]rule{
	EventApprove: {from: []models.LoanStatus{models.LoanRequested}, to: models.LoanApproved, staff: true},
	EventPickup:  {from: []models.LoanStatus{models.LoanRequested, models.LoanApproved}, to: models.LoanPickedUp, staff: true},
	EventReject:  {from: []models.LoanStatus{models.LoanRequested}, to: models.LoanRejected, staff: true},
	EventCancel:  {from: []models.LoanStatus{models.LoanRequested, models.LoanApproved, models.LoanPickedUp}, to: models.LoanCancelled},
	EventReturn:  {from: []models.LoanStatus{models.LoanPickedUp}, to: models.LoanReturned, staff: true},
}

// EventForStatus 把 PATCH 请求里的目标状态翻译成事件
func EventForStatus(target models.LoanStatus) (Event, error) {
	switch target {
	case models.LoanApproved:
		return EventApprove, nil
	case models.LoanPickedUp:
		return EventPickup, nil
	case models.LoanRejected:
		return EventReject, nil
	case models.LoanCancelled:
		return EventCancel, nil
	case models.LoanReturned:
		return EventReturn, nil
	case models.LoanRequested:
		return "", ErrConflict("a loan cannot be moved back to requested")
	}
	return "", ErrValidation("unknown status %q", target)
}

func (e Event) Target() models.LoanStatus { return rules[e].to }

func (e Event) Valid() bool {
	_, ok := rules[e]
	return ok
}

// Authorize 权限检查，先于状态检查
func Authorize(e Event, a Actor, l *models.Loan) error {
	r, ok := rules[e]
	if !ok {
		return ErrValidation("unknown event %q", e)
	}
	if r.staff {
		if !a.IsStaff() {
			return ErrPermission("only staff may %s a loan", e)
		}
		if !a.CanAccessClass(l.ClassName) {
			return ErrPermission("class %s is outside your scope", l.ClassName)
		}
		return nil
	}
	if !a.Owns(l) {
		return ErrPermission("only the borrower may cancel this loan")
	}
	return nil
}

// AuthorizeTouch 借用人本人或班级范围内的教职工才能对这条借用发起任何变更
func AuthorizeTouch(a Actor, l *models.Loan) error {
	if a.Owns(l) || (a.IsStaff() && a.CanAccessClass(l.ClassName)) {
		return nil
	}
	return ErrPermission("loan %s is outside your scope", l.ID)
}

// Check decides whether the event may fire from the loan's current status.
// replay is true when the loan already sits in the target status because this
// same actor applied the event before; the caller then returns the stored
// record without writing.
func Check(e Event, a Actor, l *models.Loan) (replay bool, err error) {
	r, ok := rules[e]
	if !ok {
		return false, ErrValidation("unknown event %q", e)
	}
	if l.Status == r.to {
		if sameActor(e, a, l) {
			return true, nil
		}
		return false, ErrConflict("loan is already %s", l.Status)
	}
	for _, f := range r.from {
		if l.Status == f {
			return false, nil
		}
	}
	return false, ErrConflict("cannot %s a loan that is %s", e, l.Status)
}

func sameActor(e Event, a Actor, l *models.Loan) bool {
	switch e {
	case EventApprove, EventReject:
		return l.ApprovedByID != "" && l.ApprovedByID == a.ID
	case EventPickup:
		return l.PickedUpByID != "" && l.PickedUpByID == a.ID
	case EventReturn:
		return l.ReturnedByID != "" && l.ReturnedByID == a.ID
	case EventCancel:
		// 只有本人能取消，重复取消总是幂等
		return true
	}
	return false
}
