package loans

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"Gin_postgres_redis_laptop_checkout/logs"
	"Gin_postgres_redis_laptop_checkout/models"
)

const (
	TopicLoans   = "loans"
	TopicDevices = "devices"
)

type Clock interface{ Now() time.Time }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type IDGen interface {
	NewID() string
	NewULID(t time.Time) string
}

type defaultIDs struct{}

func (defaultIDs) NewID() string { return uuid.NewString() }
func (defaultIDs) NewULID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

// SignatureStore 保存签名原文，返回可存入借用记录的 key
type SignatureStore interface {
	SaveSignature(ctx context.Context, loanID, kind, raw string) (string, error)
}

// Notifier 广播变更（SSE / redis pubsub）
type Notifier interface {
	Notify(ctx context.Context, topic, id, status string)
}

type Recorder interface {
	Transition(event, result string)
	SyncFailed()
	SyncPending(n int64)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, string, string) {}

type nopRecorder struct{}

func (nopRecorder) Transition(string, string) {}
func (nopRecorder) SyncFailed()               {}
func (nopRecorder) SyncPending(int64)         {}

type Service struct {
	store      Store
	syncer     DeviceSyncer
	signatures SignatureStore
	notifier   Notifier
	recorder   Recorder
	clock      Clock
	ids        IDGen
	loc        *time.Location
	log        logrus.FieldLogger
}

type Option func(*Service)

func WithSyncer(s DeviceSyncer) Option       { return func(svc *Service) { svc.syncer = s } }
func WithSignatures(s SignatureStore) Option { return func(svc *Service) { svc.signatures = s } }
func WithNotifier(n Notifier) Option         { return func(svc *Service) { svc.notifier = n } }
func WithRecorder(r Recorder) Option         { return func(svc *Service) { svc.recorder = r } }
func WithClock(c Clock) Option               { return func(svc *Service) { svc.clock = c } }
func WithIDGen(g IDGen) Option               { return func(svc *Service) { svc.ids = g } }
func WithLocation(loc *time.Location) Option { return func(svc *Service) { svc.loc = loc } }
func WithLogger(l logrus.FieldLogger) Option { return func(svc *Service) { svc.log = l } }

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		notifier: nopNotifier{},
		recorder: nopRecorder{},
		clock:    systemClock{},
		ids:      defaultIDs{},
		loc:      time.Local,
		log:      logs.Logger,
	}
	for _, o := range opts {
		o(s)
	}
	if s.syncer == nil {
		s.syncer = NewRegistrySyncer(store, DefaultDeviceModel)
	}
	return s
}

func (s *Service) Store() Store { return s.store }

// ---------- create ----------

type CreateInput struct {
	StudentName    string
	StudentNo      int
	ClassName      string
	Email          string
	StudentContact string
	Purpose        string
	PurposeDetail  string
	DueDate        string // "2006-01-02" 或 RFC3339
	ReturnDate     string
	DeviceTag      string
	Notes          string
	Signature      string
}

func (s *Service) Create(ctx context.Context, actor Actor, in CreateInput) (LoanView, error) {
	now := s.clock.Now()
	l, err := s.buildLoan(actor, in, now)
	if err != nil {
		s.recorder.Transition("create", string(KindOf(err)))
		return LoanView{}, err
	}

	if in.Signature != "" && s.signatures != nil {
		key, err := s.signatures.SaveSignature(ctx, l.ID, "request", in.Signature)
		if err != nil {
			return LoanView{}, ErrInternal("store signature", err)
		}
		l.Signature = key
	}

	err = s.store.WithTx(ctx, func(tx Tx) error {
		dup, err := tx.ActiveLoanByEmail(l.Email)
		if err != nil {
			return err
		}
		if dup != nil {
			return ErrConflict("%s already has an active loan (%s)", l.Email, dup.ID)
		}
		if err := tx.InsertLoan(l); err != nil {
			return err
		}
		return tx.AppendEvent(s.event(l, "", actor, in.Notes, now))
	})
	if err != nil {
		err = s.translate(err, l.Email)
		s.recorder.Transition("create", string(KindOf(err)))
		return LoanView{}, err
	}

	s.recorder.Transition("create", "ok")
	s.notifier.Notify(ctx, TopicLoans, l.ID, string(l.Status))
	s.log.WithFields(logrus.Fields{
		"loan_id": l.ID, "event": "create", "actor": actor.Email, "class": l.ClassName,
	}).Info("loan requested")
	return NewView(*l, now), nil
}

func (s *Service) buildLoan(actor Actor, in CreateInput, now time.Time) (*models.Loan, error) {
	name := strings.TrimSpace(in.StudentName)
	if name == "" || len([]rune(name)) > 100 {
		return nil, ErrValidation("studentName is required (max 100 characters)")
	}
	class, err := CanonicalClassName(in.ClassName)
	if err != nil {
		return nil, ErrValidation("className %q must look like <grade>-<class>", in.ClassName)
	}
	if in.StudentNo < 1 || in.StudentNo > 99 {
		return nil, ErrValidation("studentNo must be between 1 and 99")
	}
	purpose := strings.TrimSpace(in.Purpose)
	if purpose == "" {
		return nil, ErrValidation("purpose is required")
	}
	due, err := s.parseDate(in.DueDate, now)
	if err != nil {
		return nil, err
	}

	email := strings.ToLower(strings.TrimSpace(in.Email))
	if actor.IsStaff() {
		if !actor.CanAccessClass(class) {
			return nil, ErrPermission("class %s is outside your scope", class)
		}
	} else {
		mine := strings.ToLower(strings.TrimSpace(actor.Email))
		if mine == "" {
			return nil, ErrPermission("sign in to request a laptop")
		}
		if email != "" && email != mine {
			return nil, ErrPermission("students may only request laptops for themselves")
		}
		email = mine
	}
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return nil, ErrValidation("email %q is not valid", in.Email)
	}

	l := &models.Loan{
		ID:             s.ids.NewID(),
		StudentName:    name,
		StudentNo:      in.StudentNo,
		ClassName:      class,
		Email:          email,
		StudentContact: strings.TrimSpace(in.StudentContact),
		Purpose:        purpose,
		PurposeDetail:  strings.TrimSpace(in.PurposeDetail),
		DueDate:        due,
		Notes:          strings.TrimSpace(in.Notes),
		Status:         models.LoanRequested,
		CreatedAt:      now,
	}
	if in.ReturnDate != "" {
		rd, err := s.parseDate(in.ReturnDate, now)
		if err != nil {
			return nil, err
		}
		l.ReturnDate = &rd
	}
	if in.DeviceTag != "" {
		tag, err := NormalizeTag(in.DeviceTag)
		if err != nil {
			return nil, err
		}
		l.DeviceTag = &tag
	}
	return l, nil
}

// parseDate 纯日期按当天结束计；不能早于今天
func (s *Service) parseDate(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, ErrValidation("dueDate is required")
	}
	var t time.Time
	if d, err := time.ParseInLocation("2006-01-02", raw, s.loc); err == nil {
		t = d.AddDate(0, 0, 1).Add(-time.Second)
	} else if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		t = ts
	} else {
		return time.Time{}, ErrValidation("date %q must be YYYY-MM-DD or RFC3339", raw)
	}
	y, m, d := now.In(s.loc).Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, s.loc)
	if t.Before(today) {
		return time.Time{}, ErrValidation("date %s is in the past", raw)
	}
	return t, nil
}

// ---------- read ----------

func (s *Service) Get(ctx context.Context, actor Actor, id string) (LoanView, error) {
	l, err := s.store.GetLoan(ctx, id)
	if err != nil {
		return LoanView{}, s.translate(err, id)
	}
	if !actor.CanView(l) {
		return LoanView{}, ErrPermission("you cannot view this loan")
	}
	events, err := s.store.ListEvents(ctx, id)
	if err != nil {
		return LoanView{}, ErrInternal("list loan events", err)
	}
	v := NewView(*l, s.clock.Now())
	v.Events = events
	return v, nil
}

// Visible 推送事件前判断 actor 能否看到这条借用；管理员不查库
func (s *Service) Visible(ctx context.Context, actor Actor, id string) bool {
	if actor.IsStaff() && !actor.Scoped() {
		return true
	}
	l, err := s.store.GetLoan(ctx, id)
	if err != nil {
		return false
	}
	return actor.CanView(l)
}

type ListQuery struct {
	ClassName string
	Status    string // 含派生的 "overdue"
	Email     string
	DeviceTag string
	Page      Page
}

type ListResult struct {
	Items      []LoanView `json:"items"`
	Total      int64      `json:"total"`
	Limit      int        `json:"limit"`
	Offset     int        `json:"offset"`
	NextOffset *int       `json:"nextOffset,omitempty"`
}

// List applies visibility first: students only ever see their own loans and
// class-scoped staff only their class.
func (s *Service) List(ctx context.Context, actor Actor, q ListQuery) (ListResult, error) {
	now := s.clock.Now()
	f := LoanFilter{Email: strings.ToLower(strings.TrimSpace(q.Email))}

	if q.ClassName != "" {
		class, err := CanonicalClassName(q.ClassName)
		if err != nil {
			return ListResult{}, err
		}
		f.ClassName = class
	}
	if q.DeviceTag != "" {
		tag, err := NormalizeTag(q.DeviceTag)
		if err != nil {
			return ListResult{}, err
		}
		f.DeviceTag = tag
	}

	switch {
	case !actor.IsStaff():
		if actor.Email == "" {
			return ListResult{}, ErrPermission("sign in to list loans")
		}
		f.Email = strings.ToLower(actor.Email)
	case actor.Scoped():
		if f.ClassName != "" && !actor.CanAccessClass(f.ClassName) {
			return ListResult{}, ErrPermission("class %s is outside your scope", f.ClassName)
		}
		if actor.ClassName() == "" {
			return ListResult{}, ErrPermission("no class assigned")
		}
		f.ClassName = actor.ClassName()
	}

	switch st := models.LoanStatus(strings.ToLower(strings.TrimSpace(q.Status))); {
	case st == "":
	case st == models.LoanOverdue:
		f.OverdueAt = now
	case st.Valid():
		f.Statuses = []models.LoanStatus{st}
	default:
		return ListResult{}, ErrValidation("unknown status %q", q.Status)
	}

	p := q.Page.Normalize()
	rows, total, err := s.store.ListLoans(ctx, f, p)
	if err != nil {
		return ListResult{}, ErrInternal("list loans", err)
	}
	out := ListResult{Items: make([]LoanView, 0, len(rows)), Total: total, Limit: p.Limit, Offset: p.Offset, NextOffset: p.NextOffset(total)}
	for _, l := range rows {
		out.Items = append(out.Items, NewView(l, now))
	}
	return out, nil
}

// Overdue 已领取且过期的借用，按可见范围过滤
func (s *Service) Overdue(ctx context.Context, actor Actor, className string, p Page) (ListResult, error) {
	return s.List(ctx, actor, ListQuery{ClassName: className, Status: string(models.LoanOverdue), Page: p})
}

// ---------- transition ----------

type TransitionInput struct {
	ID         string
	Status     models.LoanStatus
	DeviceTag  string
	ApprovedBy string // 仅作显示名
	Notes      string
	Signature  string
	Condition  string
	Damaged    bool
}

type Result struct {
	Loan     LoanView `json:"loan"`
	Warnings []string `json:"warnings,omitempty"`
	Replayed bool     `json:"replayed,omitempty"`
}

func (s *Service) Transition(ctx context.Context, actor Actor, in TransitionInput) (Result, error) {
	ev, err := EventForStatus(in.Status)
	// 状态冲突要等权限检查之后再报
	stateErr := err
	if err != nil && KindOf(err) != KindStateConflict {
		return Result{}, err
	}

	var (
		loan    models.Loan
		from    models.LoanStatus
		replay  bool
		pending []models.DeviceSync
	)
	err = s.store.WithTx(ctx, func(tx Tx) error {
		l, err := tx.LoanForUpdate(in.ID)
		if err != nil {
			return err
		}
		if stateErr != nil {
			if err := AuthorizeTouch(actor, l); err != nil {
				return err
			}
			return stateErr
		}
		if err := Authorize(ev, actor, l); err != nil {
			return err
		}
		if replay, err = Check(ev, actor, l); err != nil || replay {
			loan = *l
			return err
		}

		from = l.Status
		now := s.clock.Now()
		a := &applier{svc: s, ctx: ctx, tx: tx, actor: actor, in: in, loan: l, from: from, now: now}
		if err := a.apply(ev); err != nil {
			return err
		}
		// 申请时学生写的备注保留，处理意见只进历史
		if err := tx.SaveLoan(l); err != nil {
			return err
		}
		note := strings.TrimSpace(in.Notes)
		if ev == EventReturn && in.Condition != "" {
			note = strings.TrimSpace(note + " " + in.Condition)
		}
		if err := tx.AppendEvent(s.event(l, from, actor, note, now)); err != nil {
			return err
		}
		for i := range a.syncs {
			if err := tx.EnqueueSync(&a.syncs[i]); err != nil {
				return err
			}
		}
		pending = a.syncs
		loan = *l
		return nil
	})
	if err != nil {
		err = s.translate(err, in.ID)
		label := string(ev)
		if label == "" {
			label = string(in.Status)
		}
		s.recorder.Transition(label, string(KindOf(err)))
		return Result{}, err
	}

	now := s.clock.Now()
	if replay {
		s.recorder.Transition(string(ev), "replay")
		return Result{Loan: NewView(loan, now), Replayed: true}, nil
	}

	res := Result{Loan: NewView(loan, now)}
	for _, row := range pending {
		if w := s.dispatch(ctx, row); w != "" {
			res.Warnings = append(res.Warnings, w)
		}
	}

	s.recorder.Transition(string(ev), "ok")
	s.notifier.Notify(ctx, TopicLoans, loan.ID, string(loan.Status))
	s.log.WithFields(logrus.Fields{
		"loan_id": loan.ID, "event": ev, "actor": actor.Email, "from": from, "to": loan.Status,
	}).Info("loan transition")
	return res, nil
}

// dispatch 提交后立即投递；失败只记录，由 Reconciler 重试
func (s *Service) dispatch(ctx context.Context, row models.DeviceSync) string {
	if err := s.syncer.Apply(ctx, row); err != nil {
		serr := ErrSync(row.DeviceTag, err)
		s.recorder.SyncFailed()
		s.log.WithFields(logrus.Fields{"loan_id": row.LoanID, "device": row.DeviceTag, "status": row.Status}).
			WithError(err).Warn("device sync failed, queued for retry")
		if ferr := s.store.FailSync(ctx, row.ID, err.Error()); ferr != nil {
			s.log.WithError(ferr).Error("record device sync failure")
		}
		return serr.Error()
	}
	if err := s.store.CompleteSync(ctx, row.ID); err != nil {
		s.log.WithError(err).Error("complete device sync")
	}
	s.notifier.Notify(ctx, TopicDevices, row.DeviceTag, string(row.Status))
	return ""
}

func (s *Service) event(l *models.Loan, from models.LoanStatus, actor Actor, note string, now time.Time) *models.LoanEvent {
	return &models.LoanEvent{
		ID:         s.ids.NewID(),
		LoanID:     l.ID,
		FromStatus: from,
		ToStatus:   l.Status,
		ActorID:    actor.ID,
		ActorName:  actor.label(),
		ActorRole:  string(actor.EffectiveRole()),
		Note:       note,
		CreatedAt:  now,
	}
}

// translate 存储层错误 → 领域错误
func (s *Service) translate(err error, ref string) error {
	var de *Error
	switch {
	case errors.As(err, &de):
		return de
	case errors.Is(err, ErrNoRecord):
		return ErrNotFound("loan %s not found", ref)
	case errors.Is(err, ErrDuplicateActive):
		return ErrConflict("%s already has an active loan", ref)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrInternal("request aborted", err)
	}
	return ErrInternal("loan store", err)
}

// applier 在事务内对单条借用执行一次事件
type applier struct {
	svc   *Service
	ctx   context.Context
	tx    Tx
	actor Actor
	in    TransitionInput
	loan  *models.Loan
	from  models.LoanStatus
	now   time.Time
	syncs []models.DeviceSync
}

func (a *applier) apply(ev Event) error {
	switch ev {
	case EventApprove:
		return a.approve()
	case EventPickup:
		return a.pickup()
	case EventReject:
		return a.reject()
	case EventCancel:
		return a.cancel()
	case EventReturn:
		return a.ret()
	}
	return ErrValidation("unknown event %q", ev)
}

func (a *applier) setApprover() {
	l := a.loan
	t := a.now
	l.ApprovedAt = &t
	l.ApprovedByID = a.actor.ID
	l.ApprovedByRole = string(a.actor.EffectiveRole())
	l.ApprovedBy = a.actor.label()
	if by := strings.TrimSpace(a.in.ApprovedBy); by != "" {
		l.ApprovedBy = by
	}
}

func (a *applier) approve() error {
	a.setApprover()
	a.loan.Status = models.LoanApproved
	tag, err := a.device(false)
	if err != nil || tag == "" {
		return err
	}
	err = a.claim(tag)
	// 按班级座号推算的设备不可用时先批准，领取时再指定
	if err != nil && a.derived() && KindOf(err) == KindStateConflict {
		a.svc.log.WithFields(logrus.Fields{"loan_id": a.loan.ID, "device": tag}).
			Info("derived device unavailable, approving without device")
		return nil
	}
	return err
}

// derived 设备号既不是请求给的，也不是借用上已记录的
func (a *applier) derived() bool {
	return strings.TrimSpace(a.in.DeviceTag) == "" && a.loan.Tag() == ""
}

func (a *applier) pickup() error {
	l := a.loan
	if l.ApprovedAt == nil {
		a.setApprover()
	}
	at := a.now
	if l.ApprovedAt != nil && at.Before(*l.ApprovedAt) {
		at = *l.ApprovedAt
	}
	l.PickedUpAt = &at
	l.PickedUpByID = a.actor.ID

	prev := l.Tag()
	tag, err := a.device(true)
	if err != nil {
		return err
	}
	if a.from == models.LoanApproved && prev != "" && prev != tag {
		a.release(prev, "")
	}
	l.Status = models.LoanPickedUp
	if err := a.claim(tag); err != nil {
		return err
	}
	key, err := a.signature("pickup")
	if err != nil {
		return err
	}
	if key != "" {
		l.PickupSignature = key
	}
	return nil
}

func (a *applier) reject() error {
	a.setApprover()
	by := models.CancelledByStaff
	t := a.now
	a.loan.CancelledBy = &by
	a.loan.CancelledAt = &t
	a.loan.Status = models.LoanRejected
	return nil
}

func (a *applier) cancel() error {
	l := a.loan
	by := models.CancelledByStudent
	t := a.now
	l.CancelledBy = &by
	l.CancelledAt = &t
	if tag := l.Tag(); tag != "" && (a.from == models.LoanApproved || a.from == models.LoanPickedUp) {
		a.release(tag, "")
	}
	l.Status = models.LoanCancelled
	return nil
}

func (a *applier) ret() error {
	l := a.loan
	t := a.now
	l.ReturnedAt = &t
	l.ReturnedByID = a.actor.ID
	l.ReturnCondition = strings.TrimSpace(a.in.Condition)
	l.Damaged = a.in.Damaged
	key, err := a.signature("return")
	if err != nil {
		return err
	}
	if key != "" {
		l.ReturnSignature = key
	}
	if tag := l.Tag(); tag != "" {
		note := ""
		if l.Damaged {
			note = fmt.Sprintf("%s damaged on return (loan %s)", t.Format("2006-01-02"), l.ID)
			if l.ReturnCondition != "" {
				note += ": " + l.ReturnCondition
			}
		}
		a.release(tag, note)
	}
	l.Status = models.LoanReturned
	return nil
}

// device 依次取请求里的 device_tag、已记录的、按班级座号推算的
func (a *applier) device(required bool) (string, error) {
	if raw := strings.TrimSpace(a.in.DeviceTag); raw != "" {
		return NormalizeTag(raw)
	}
	if tag := a.loan.Tag(); tag != "" {
		return tag, nil
	}
	tag, err := Resolve(a.loan.ClassName, a.loan.StudentNo)
	if err != nil {
		if required {
			return "", err
		}
		return "", nil
	}
	return tag, nil
}

func (a *applier) claim(tag string) error {
	d, err := a.tx.DeviceForUpdate(tag)
	if err != nil {
		return err
	}
	if d != nil && d.Status == models.DeviceMaintenance {
		return ErrConflict("device %s is under maintenance", tag)
	}
	other, err := a.tx.ActiveLoanByDevice(tag, a.loan.ID)
	if err != nil {
		return err
	}
	if other != nil {
		return ErrConflict("device %s is already assigned to loan %s", tag, other.ID)
	}
	a.loan.DeviceTag = &tag
	a.syncs = append(a.syncs, a.row(tag, models.DeviceLoaned, a.occupant(), ""))
	return nil
}

func (a *applier) release(tag, note string) {
	a.syncs = append(a.syncs, a.row(tag, models.DeviceAvailable, "", note))
}

func (a *applier) occupant() string {
	return fmt.Sprintf("%s (%s #%d)", a.loan.StudentName, a.loan.ClassName, a.loan.StudentNo)
}

func (a *applier) row(tag string, st models.DeviceStatus, occupant, note string) models.DeviceSync {
	return models.DeviceSync{
		ID:        a.svc.ids.NewULID(a.now),
		LoanID:    a.loan.ID,
		DeviceTag: tag,
		Status:    st,
		Occupant:  occupant,
		Note:      note,
	}
}

func (a *applier) signature(kind string) (string, error) {
	if a.in.Signature == "" || a.svc.signatures == nil {
		return "", nil
	}
	key, err := a.svc.signatures.SaveSignature(a.ctx, a.loan.ID, kind, a.in.Signature)
	if err != nil {
		return "", ErrInternal("store signature", err)
	}
	return key, nil
}
