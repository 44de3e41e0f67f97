package loans

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"Gin_postgres_redis_laptop_checkout/logs"
	"Gin_postgres_redis_laptop_checkout/models"
)

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// flakySyncer 在 fail 为 true 时拒绝投递
type flakySyncer struct {
	inner DeviceSyncer
	mu    sync.Mutex
	fail  bool
	calls int
}

func (f *flakySyncer) Apply(ctx context.Context, s models.DeviceSync) error {
	f.mu.Lock()
	f.calls++
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("registry unreachable")
	}
	return f.inner.Apply(ctx, s)
}

func (f *flakySyncer) set(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

type countingRecorder struct {
	mu          sync.Mutex
	transitions map[string]int
	syncFailed  int
	pending     int64
}

func (r *countingRecorder) Transition(event, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transitions == nil {
		r.transitions = map[string]int{}
	}
	r.transitions[event+"/"+result]++
}
func (r *countingRecorder) SyncFailed()         { r.mu.Lock(); r.syncFailed++; r.mu.Unlock() }
func (r *countingRecorder) SyncPending(n int64) { r.mu.Lock(); r.pending = n; r.mu.Unlock() }

type memSignatures struct{ saved map[string]string }

func (m *memSignatures) SaveSignature(_ context.Context, loanID, kind, raw string) (string, error) {
	key := "signatures/" + loanID + "/" + kind + ".png"
	m.saved[key] = raw
	return key, nil
}

type fixture struct {
	svc    *Service
	store  *MemoryStore
	clock  *fixedClock
	syncer *flakySyncer
	rec    *countingRecorder
	sigs   *memSignatures
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewMemoryStore()
	clock := &fixedClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	store.now = clock.Now
	f := &fixture{
		store:  store,
		clock:  clock,
		syncer: &flakySyncer{inner: NewRegistrySyncer(store, "")},
		rec:    &countingRecorder{},
		sigs:   &memSignatures{saved: map[string]string{}},
	}
	f.svc = NewService(store,
		WithClock(clock),
		WithSyncer(f.syncer),
		WithRecorder(f.rec),
		WithSignatures(f.sigs),
		WithLocation(time.UTC),
		WithLogger(logs.Discard()),
	)
	return f
}

var (
	student    = Actor{ID: "stu-1", Email: "kid@school.test", Name: "Kid", Role: RoleStudent}
	student2   = Actor{ID: "stu-2", Email: "other@school.test", Name: "Other", Role: RoleStudent}
	homeroom   = Actor{ID: "hr-21", Email: "hr21@school.test", Name: "Ms Lin", Role: RoleHomeroom, HomeroomApproved: true, Grade: 2, ClassNo: 1}
	homeroom22 = Actor{ID: "hr-22", Email: "hr22@school.test", Name: "Mr Wu", Role: RoleHomeroom, HomeroomApproved: true, Grade: 2, ClassNo: 2}
	helper     = Actor{ID: "help-1", Email: "helper@school.test", Name: "Helper", Role: RoleHelper}
	admin      = Actor{ID: "adm-1", Email: "admin@school.test", Name: "Admin", Role: RoleAdmin}
)

func request(f *fixture, t *testing.T, who Actor, slot int) LoanView {
	t.Helper()
	v, err := f.svc.Create(context.Background(), who, CreateInput{
		StudentName: who.Name,
		StudentNo:   slot,
		ClassName:   "2-1",
		Purpose:     "homework",
		DueDate:     "2026-03-05",
		Signature:   "data:image/png;base64,AAAA",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return v
}

func move(f *fixture, t *testing.T, who Actor, id string, st models.LoanStatus, mod ...func(*TransitionInput)) Result {
	t.Helper()
	in := TransitionInput{ID: id, Status: st}
	for _, m := range mod {
		m(&in)
	}
	res, err := f.svc.Transition(context.Background(), who, in)
	if err != nil {
		t.Fatalf("%s -> %s: %v", id, st, err)
	}
	return res
}

func device(f *fixture, t *testing.T, tag string) *models.Device {
	t.Helper()
	d, err := f.store.GetDevice(context.Background(), tag)
	if err != nil {
		t.Fatalf("get device %s: %v", tag, err)
	}
	return d
}

func TestCreateLoan(t *testing.T) {
	f := newFixture(t)
	v := request(f, t, student, 5)
	if v.Status != models.LoanRequested || v.Email != "kid@school.test" {
		t.Fatalf("unexpected loan %+v", v.Loan)
	}
	want := time.Date(2026, 3, 5, 23, 59, 59, 0, time.UTC)
	if !v.DueDate.Equal(want) {
		t.Fatalf("due=%s want %s", v.DueDate, want)
	}
	if !strings.HasPrefix(v.Signature, "signatures/"+v.ID) {
		t.Fatalf("signature key=%q", v.Signature)
	}
	got, err := f.svc.Get(context.Background(), student, v.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Events) != 1 || got.Events[0].ToStatus != models.LoanRequested {
		t.Fatalf("events=%+v", got.Events)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := CreateInput{StudentName: "Kid", StudentNo: 5, ClassName: "2-1", Purpose: "exam", DueDate: "2026-03-05"}

	cases := []struct {
		name  string
		actor Actor
		mod   func(*CreateInput)
		kind  Kind
	}{
		{"bad class", student, func(in *CreateInput) { in.ClassName = "second" }, KindValidation},
		{"no name", student, func(in *CreateInput) { in.StudentName = " " }, KindValidation},
		{"bad slot", student, func(in *CreateInput) { in.StudentNo = 0 }, KindValidation},
		{"past due", student, func(in *CreateInput) { in.DueDate = "2026-03-01" }, KindValidation},
		{"garbage due", student, func(in *CreateInput) { in.DueDate = "next week" }, KindValidation},
		{"bad device", student, func(in *CreateInput) { in.DeviceTag = "LAP-1" }, KindValidation},
		{"for someone else", student, func(in *CreateInput) { in.Email = "other@school.test" }, KindPermission},
		{"anonymous", Actor{}, func(in *CreateInput) {}, KindPermission},
		{"other class homeroom", homeroom22, func(in *CreateInput) { in.Email = "kid@school.test" }, KindPermission},
	}
	for _, c := range cases {
		in := base
		c.mod(&in)
		_, err := f.svc.Create(ctx, c.actor, in)
		if KindOf(err) != c.kind {
			t.Fatalf("%s: want %s, got %v", c.name, c.kind, err)
		}
	}

	// 当天截止是允许的
	in := base
	in.DueDate = "2026-03-02"
	if _, err := f.svc.Create(ctx, student, in); err != nil {
		t.Fatalf("due today: %v", err)
	}
}

func TestCreateDuplicateActive(t *testing.T) {
	f := newFixture(t)
	first := request(f, t, student, 5)
	_, err := f.svc.Create(context.Background(), student, CreateInput{
		StudentName: "Kid", StudentNo: 5, ClassName: "2-1", Purpose: "again", DueDate: "2026-03-06",
	})
	if KindOf(err) != KindStateConflict {
		t.Fatalf("want conflict, got %v", err)
	}

	// 结束后可以再借
	move(f, t, student, first.ID, models.LoanCancelled)
	request(f, t, student, 5)
}

func TestHappyPathFlipsDevice(t *testing.T) {
	f := newFixture(t)
	v := request(f, t, student, 5)

	res := move(f, t, homeroom, v.ID, models.LoanApproved)
	if res.Loan.Tag() != "ICH-20105" {
		t.Fatalf("approve did not resolve device: %q", res.Loan.Tag())
	}
	if res.Loan.ApprovedByID != homeroom.ID || res.Loan.ApprovedBy != "Ms Lin" || res.Loan.ApprovedByRole != "homeroom" {
		t.Fatalf("approver fields %+v", res.Loan.Loan)
	}
	d := device(f, t, "ICH-20105")
	if d.Status != models.DeviceLoaned || d.CurrentLoanID == nil || *d.CurrentLoanID != v.ID {
		t.Fatalf("device after approve %+v", d)
	}
	if d.AssignedClass != "2-1" || d.Model != DefaultDeviceModel {
		t.Fatalf("self-healed device defaults %+v", d)
	}

	f.clock.Advance(time.Hour)
	res = move(f, t, helper, v.ID, models.LoanPickedUp, func(in *TransitionInput) { in.Signature = "data:image/png;base64,BBBB" })
	if res.Loan.Status != models.LoanPickedUp || res.Loan.PickedUpByID != helper.ID {
		t.Fatalf("pickup %+v", res.Loan.Loan)
	}
	if res.Loan.PickupSignature == "" {
		t.Fatal("pickup signature not stored")
	}

	f.clock.Advance(time.Hour)
	res = move(f, t, helper, v.ID, models.LoanReturned, func(in *TransitionInput) {
		in.Condition = "screen cracked"
		in.Damaged = true
	})
	if res.Loan.Status != models.LoanReturned || !res.Loan.Damaged {
		t.Fatalf("return %+v", res.Loan.Loan)
	}
	d = device(f, t, "ICH-20105")
	if d.Status != models.DeviceAvailable || d.CurrentLoanID != nil || d.CurrentUser != "" {
		t.Fatalf("device after return %+v", d)
	}
	if !strings.Contains(d.Notes, "screen cracked") {
		t.Fatalf("damage note missing: %q", d.Notes)
	}

	got, _ := f.svc.Get(context.Background(), student, v.ID)
	if len(got.Events) != 4 {
		t.Fatalf("want 4 events, got %d", len(got.Events))
	}
	if n, _ := f.store.CountPendingSyncs(context.Background()); n != 0 {
		t.Fatalf("pending syncs=%d", n)
	}
}

func TestPickupWithoutApproval(t *testing.T) {
	f := newFixture(t)
	v := request(f, t, student, 7)
	res := move(f, t, admin, v.ID, models.LoanPickedUp, func(in *TransitionInput) { in.DeviceTag = "2-1-9" })
	l := res.Loan
	if l.ApprovedAt == nil || l.PickedUpAt == nil || l.PickedUpAt.Before(*l.ApprovedAt) {
		t.Fatalf("timestamps approved=%v picked=%v", l.ApprovedAt, l.PickedUpAt)
	}
	if l.Tag() != "ICH-20109" {
		t.Fatalf("device override ignored: %s", l.Tag())
	}
}

func TestPickupRequiresDevice(t *testing.T) {
	f := newFixture(t)
	v := request(f, t, student, 5)
	// 座号超出时无法推算设备
	f.store.mu.Lock()
	l := f.store.loans[v.ID]
	l.StudentNo = 0
	f.store.loans[v.ID] = l
	f.store.mu.Unlock()

	_, err := f.svc.Transition(context.Background(), admin, TransitionInput{ID: v.ID, Status: models.LoanPickedUp})
	if KindOf(err) != KindValidation || !strings.Contains(err.Error(), "cannot resolve device") {
		t.Fatalf("want validation, got %v", err)
	}
	// approve 只是尽力推算
	res := move(f, t, admin, v.ID, models.LoanApproved)
	if res.Loan.DeviceTag != nil {
		t.Fatalf("unexpected device %s", res.Loan.Tag())
	}
}

func TestPermissionBeforeState(t *testing.T) {
	f := newFixture(t)
	v := request(f, t, student, 5)
	move(f, t, homeroom, v.ID, models.LoanRejected)

	// 已驳回：其他班老师仍然先得到权限错误
	_, err := f.svc.Transition(context.Background(), homeroom22, TransitionInput{ID: v.ID, Status: models.LoanApproved})
	if KindOf(err) != KindPermission {
		t.Fatalf("want permission, got %v", err)
	}
	_, err = f.svc.Transition(context.Background(), homeroom, TransitionInput{ID: v.ID, Status: models.LoanApproved})
	if KindOf(err) != KindStateConflict {
		t.Fatalf("want conflict, got %v", err)
	}
	_, err = f.svc.Transition(context.Background(), student2, TransitionInput{ID: v.ID, Status: models.LoanCancelled})
	if KindOf(err) != KindPermission {
		t.Fatalf("stranger cancel: want permission, got %v", err)
	}
	_, err = f.svc.Transition(context.Background(), admin, TransitionInput{ID: "nope", Status: models.LoanApproved})
	if KindOf(err) != KindNotFound {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestOutOfScopeActorsGetPermission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, err := f.svc.Create(ctx, student, CreateInput{
		StudentName: "Kid", StudentNo: 5, ClassName: "2-3", Purpose: "exam", DueDate: "2026-03-05",
	})
	if err != nil {
		t.Fatal(err)
	}
	out, err := f.svc.Create(ctx, admin, CreateInput{
		StudentName: "Other", StudentNo: 6, ClassName: "2-3", Email: student2.Email, Purpose: "exam", DueDate: "2026-03-05",
	})
	if err != nil {
		t.Fatal(err)
	}
	move(f, t, admin, out.ID, models.LoanPickedUp)

	cases := []struct {
		name   string
		actor  Actor
		id     string
		status models.LoanStatus
	}{
		{"approve", homeroom, v.ID, models.LoanApproved},
		{"pickup", homeroom, v.ID, models.LoanPickedUp},
		{"reject", homeroom, v.ID, models.LoanRejected},
		{"return", homeroom, out.ID, models.LoanReturned},
		{"helper approve", Actor{ID: "help-21", Email: "h21@school.test", Role: RoleHelper, Grade: 2, ClassNo: 1}, v.ID, models.LoanApproved},
		{"cancel by classmate", student2, v.ID, models.LoanCancelled},
		{"cancel by homeroom", homeroom, v.ID, models.LoanCancelled},
		{"reopen by classmate", student2, v.ID, models.LoanRequested},
		{"reopen by other homeroom", homeroom22, out.ID, models.LoanRequested},
	}
	for _, c := range cases {
		_, err := f.svc.Transition(ctx, c.actor, TransitionInput{ID: c.id, Status: c.status})
		if KindOf(err) != KindPermission {
			t.Fatalf("%s: want permission, got %v", c.name, err)
		}
	}
	if got, _ := f.store.GetLoan(ctx, v.ID); got.Status != models.LoanRequested {
		t.Fatalf("loan changed: %s", got.Status)
	}

	// 有权限的人才看到状态冲突
	for _, who := range []Actor{student, admin} {
		_, err := f.svc.Transition(ctx, who, TransitionInput{ID: v.ID, Status: models.LoanRequested})
		if KindOf(err) != KindStateConflict {
			t.Fatalf("%s reopen: want conflict, got %v", who.ID, err)
		}
	}
}

func TestStaffNotesStayInHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, err := f.svc.Create(ctx, student, CreateInput{
		StudentName: "Kid", StudentNo: 5, ClassName: "2-1", Purpose: "exam", DueDate: "2026-03-05", Notes: "charger too",
	})
	if err != nil {
		t.Fatal(err)
	}
	res := move(f, t, homeroom, v.ID, models.LoanApproved, func(in *TransitionInput) { in.Notes = "ok, no charger" })
	if res.Loan.Notes != "charger too" {
		t.Fatalf("request notes overwritten: %q", res.Loan.Notes)
	}
	got, err := f.svc.Get(ctx, student, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	last := got.Events[len(got.Events)-1]
	if last.ToStatus != models.LoanApproved || last.Note != "ok, no charger" {
		t.Fatalf("approve event %+v", last)
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	v := request(f, t, student, 5)
	first := move(f, t, homeroom, v.ID, models.LoanApproved)
	calls := f.syncer.calls

	again := move(f, t, homeroom, v.ID, models.LoanApproved)
	if !again.Replayed || again.Loan.UpdatedAt != first.Loan.UpdatedAt {
		t.Fatalf("second approve should replay: %+v", again)
	}
	if f.syncer.calls != calls {
		t.Fatal("replay dispatched a device sync")
	}
	got, _ := f.svc.Get(context.Background(), admin, v.ID)
	if len(got.Events) != 2 {
		t.Fatalf("replay appended an event: %d", len(got.Events))
	}

	_, err := f.svc.Transition(context.Background(), helper, TransitionInput{ID: v.ID, Status: models.LoanApproved})
	if KindOf(err) != KindStateConflict {
		t.Fatalf("approve by another actor: want conflict, got %v", err)
	}
}

func TestCancelReleasesDevice(t *testing.T) {
	f := newFixture(t)
	v := request(f, t, student, 5)
	move(f, t, homeroom, v.ID, models.LoanApproved)
	res := move(f, t, student, v.ID, models.LoanCancelled)
	if res.Loan.CancelledBy == nil || *res.Loan.CancelledBy != models.CancelledByStudent {
		t.Fatalf("cancelledBy %+v", res.Loan.CancelledBy)
	}
	if d := device(f, t, "ICH-20105"); d.Status != models.DeviceAvailable {
		t.Fatalf("device not released: %+v", d)
	}
}

func TestDeviceConflicts(t *testing.T) {
	f := newFixture(t)
	a := request(f, t, student, 5)
	b := request(f, t, student2, 6)
	move(f, t, admin, a.ID, models.LoanApproved)

	_, err := f.svc.Transition(context.Background(), admin, TransitionInput{ID: b.ID, Status: models.LoanApproved, DeviceTag: "ICH-20105"})
	if KindOf(err) != KindStateConflict {
		t.Fatalf("device already held: want conflict, got %v", err)
	}

	st := models.DeviceMaintenance
	if _, err := f.svc.UpdateDevice(context.Background(), admin, DeviceUpdate{Tag: "ICH-20109", Status: &st}); err != nil {
		t.Fatalf("update device: %v", err)
	}
	_, err = f.svc.Transition(context.Background(), admin, TransitionInput{ID: b.ID, Status: models.LoanApproved, DeviceTag: "ICH-20109"})
	if KindOf(err) != KindStateConflict {
		t.Fatalf("maintenance: want conflict, got %v", err)
	}
	if got, _ := f.store.GetLoan(context.Background(), b.ID); got.Status != models.LoanRequested {
		t.Fatalf("failed approve leaked state: %s", got.Status)
	}
}

func TestApproveSkipsUnavailableSeatDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := models.DeviceMaintenance
	if _, err := f.svc.UpdateDevice(ctx, admin, DeviceUpdate{Tag: "ICH-20105", Status: &st}); err != nil {
		t.Fatalf("update device: %v", err)
	}
	a := request(f, t, student, 5)
	res := move(f, t, homeroom, a.ID, models.LoanApproved)
	if res.Loan.Status != models.LoanApproved || res.Loan.DeviceTag != nil {
		t.Fatalf("approve with device in maintenance: %+v", res.Loan.Loan)
	}
	if d := device(f, t, "ICH-20105"); d.Status != models.DeviceMaintenance || d.CurrentLoanID != nil {
		t.Fatalf("maintenance device touched: %+v", d)
	}

	// 座号对应的设备已被别人领走
	b := request(f, t, student2, 6)
	move(f, t, admin, b.ID, models.LoanPickedUp, func(in *TransitionInput) { in.DeviceTag = "ICH-20107" })
	c, err := f.svc.Create(ctx, admin, CreateInput{
		StudentName: "Third", StudentNo: 7, ClassName: "2-1", Email: "third@school.test", Purpose: "exam", DueDate: "2026-03-05",
	})
	if err != nil {
		t.Fatal(err)
	}
	res = move(f, t, homeroom, c.ID, models.LoanApproved)
	if res.Loan.DeviceTag != nil {
		t.Fatalf("approve claimed a held device: %s", res.Loan.Tag())
	}
	if d := device(f, t, "ICH-20107"); d.CurrentLoanID == nil || *d.CurrentLoanID != b.ID {
		t.Fatalf("holder changed: %+v", d)
	}
	// 领取时换一台
	res = move(f, t, helper, c.ID, models.LoanPickedUp, func(in *TransitionInput) { in.DeviceTag = "ICH-20110" })
	if res.Loan.Tag() != "ICH-20110" {
		t.Fatalf("pickup device %q", res.Loan.Tag())
	}
}

func TestSyncFailureIsWarningAndReconciled(t *testing.T) {
	f := newFixture(t)
	v := request(f, t, student, 5)
	f.syncer.set(true)

	res := move(f, t, homeroom, v.ID, models.LoanApproved)
	if res.Loan.Status != models.LoanApproved {
		t.Fatalf("transition rolled back on sync failure: %s", res.Loan.Status)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "ICH-20105") {
		t.Fatalf("warnings=%v", res.Warnings)
	}
	if f.rec.syncFailed != 1 {
		t.Fatalf("sync failure not recorded")
	}
	if _, err := f.store.GetDevice(context.Background(), "ICH-20105"); !errors.Is(err, ErrNoRecord) {
		t.Fatalf("device should not exist yet: %v", err)
	}

	r := NewReconciler(f.store, f.syncer, f.rec, time.Second)
	r.log = logs.Discard()
	if done, failed, err := r.RunOnce(context.Background()); err != nil || done != 0 || failed != 1 {
		t.Fatalf("reconcile while down: done=%d failed=%d err=%v", done, failed, err)
	}
	f.syncer.set(false)
	if done, failed, err := r.RunOnce(context.Background()); err != nil || done != 1 || failed != 0 {
		t.Fatalf("reconcile: done=%d failed=%d err=%v", done, failed, err)
	}
	if d := device(f, t, "ICH-20105"); d.Status != models.DeviceLoaned {
		t.Fatalf("device after reconcile %+v", d)
	}
	if f.rec.pending != 0 {
		t.Fatalf("pending gauge=%d", f.rec.pending)
	}
}

func TestStaleReleaseDoesNotClobber(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := request(f, t, student, 5)
	move(f, t, homeroom, v.ID, models.LoanApproved)

	rs := NewRegistrySyncer(f.store, "")
	if err := rs.Apply(ctx, models.DeviceSync{LoanID: "old", DeviceTag: "ICH-20105", Status: models.DeviceAvailable}); err != nil {
		t.Fatal(err)
	}
	d := device(f, t, "ICH-20105")
	if d.Status != models.DeviceLoaned || d.CurrentLoanID == nil || *d.CurrentLoanID != v.ID {
		t.Fatalf("stale release applied: %+v", d)
	}

	// 不存在或已结束的借用不能占用设备
	if err := rs.Apply(ctx, models.DeviceSync{LoanID: "ghost", DeviceTag: "ICH-20106", Status: models.DeviceLoaned, Occupant: "B"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.GetDevice(ctx, "ICH-20106"); !errors.Is(err, ErrNoRecord) {
		t.Fatalf("unknown loan created device: %v", err)
	}
}

func TestCancelAfterFailedSyncStaysReleased(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := request(f, t, student, 5)

	f.syncer.set(true)
	res := move(f, t, homeroom, v.ID, models.LoanApproved)
	if len(res.Warnings) != 1 {
		t.Fatalf("warnings=%v", res.Warnings)
	}
	f.syncer.set(false)
	res = move(f, t, student, v.ID, models.LoanCancelled)
	if len(res.Warnings) != 0 {
		t.Fatalf("cancel warnings=%v", res.Warnings)
	}

	r := NewReconciler(f.store, f.syncer, f.rec, time.Second)
	r.log = logs.Discard()
	if _, failed, err := r.RunOnce(ctx); err != nil || failed != 0 {
		t.Fatalf("reconcile failed=%d err=%v", failed, err)
	}
	d := device(f, t, "ICH-20105")
	if d.Status != models.DeviceAvailable || d.CurrentLoanID != nil || d.CurrentUser != "" {
		t.Fatalf("cancelled loan still holds device: %+v", d)
	}
	if n, _ := f.store.CountPendingSyncs(ctx); n != 0 {
		t.Fatalf("pending syncs=%d", n)
	}

	// 直接重放旧的 loaned 行也不生效
	f.store.mu.Lock()
	var stale models.DeviceSync
	for _, row := range f.store.syncs {
		if row.Status == models.DeviceLoaned {
			stale = row
		}
	}
	f.store.mu.Unlock()
	if stale.LastError != SupersededNote {
		t.Fatalf("old loaned row not superseded: %+v", stale)
	}
	if err := NewRegistrySyncer(f.store, "").Apply(ctx, stale); err != nil {
		t.Fatal(err)
	}
	if d := device(f, t, "ICH-20105"); d.Status != models.DeviceAvailable || d.CurrentLoanID != nil {
		t.Fatalf("stale loaned row applied: %+v", d)
	}
}

func TestSupersededReleaseKeepsDamageNote(t *testing.T) {
	f := newFixture(t)
	v := request(f, t, student, 5)
	move(f, t, admin, v.ID, models.LoanPickedUp)

	f.syncer.set(true)
	move(f, t, admin, v.ID, models.LoanReturned, func(in *TransitionInput) {
		in.Damaged = true
		in.Condition = "hinge loose"
	})
	f.syncer.set(false)
	// 同一台设备马上借给下一位
	w, err := f.svc.Create(context.Background(), admin, CreateInput{
		StudentName: "Next", StudentNo: 5, ClassName: "2-1", Email: "next@school.test", Purpose: "exam", DueDate: "2026-03-05",
	})
	if err != nil {
		t.Fatal(err)
	}
	move(f, t, admin, w.ID, models.LoanApproved)

	d := device(f, t, "ICH-20105")
	if d.Status != models.DeviceLoaned || d.CurrentLoanID == nil || *d.CurrentLoanID != w.ID {
		t.Fatalf("device %+v", d)
	}
	if !strings.Contains(d.Notes, "hinge loose") {
		t.Fatalf("damage note lost: %q", d.Notes)
	}
	if n, _ := f.store.CountPendingSyncs(context.Background()); n != 0 {
		t.Fatalf("pending syncs=%d", n)
	}
}

func TestListVisibilityAndOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := request(f, t, student, 5)
	request(f, t, student2, 6)
	v, err := f.svc.Create(ctx, admin, CreateInput{
		StudentName: "Third", StudentNo: 3, ClassName: "2-2", Email: "third@school.test", Purpose: "exam", DueDate: "2026-03-03",
	})
	if err != nil {
		t.Fatal(err)
	}

	mine, err := f.svc.List(ctx, student, ListQuery{})
	if err != nil || mine.Total != 1 || mine.Items[0].ID != a.ID {
		t.Fatalf("student list total=%d err=%v", mine.Total, err)
	}
	class, _ := f.svc.List(ctx, homeroom, ListQuery{})
	if class.Total != 2 {
		t.Fatalf("homeroom list total=%d", class.Total)
	}
	if _, err := f.svc.List(ctx, homeroom, ListQuery{ClassName: "2-2"}); KindOf(err) != KindPermission {
		t.Fatalf("foreign class list: %v", err)
	}
	all, _ := f.svc.List(ctx, admin, ListQuery{Page: Page{Limit: 2}})
	if all.Total != 3 || len(all.Items) != 2 || all.NextOffset == nil || *all.NextOffset != 2 {
		t.Fatalf("admin page %+v", all)
	}
	if _, err := f.svc.Get(ctx, student, v.ID); KindOf(err) != KindPermission {
		t.Fatalf("student viewing another loan: %v", err)
	}

	move(f, t, admin, v.ID, models.LoanPickedUp)
	f.clock.Advance(72 * time.Hour)
	od, err := f.svc.Overdue(ctx, admin, "", Page{})
	if err != nil || od.Total != 1 {
		t.Fatalf("overdue total=%d err=%v", od.Total, err)
	}
	if od.Items[0].EffectiveStatus != models.LoanOverdue || od.Items[0].OverdueDays != 1 {
		t.Fatalf("overdue view %+v", od.Items[0])
	}
	if od.Items[0].Status != models.LoanPickedUp {
		t.Fatal("stored status changed")
	}
	none, _ := f.svc.Overdue(ctx, homeroom, "", Page{})
	if none.Total != 0 {
		t.Fatalf("homeroom 2-1 sees %d overdue", none.Total)
	}
}

func TestSeedDevices(t *testing.T) {
	f := newFixture(t)
	layout := Layout{Grades: []GradeLayout{{Grade: 1, Classes: 2, Slots: 3}}}
	if _, err := f.svc.Seed(context.Background(), helper, layout); KindOf(err) != KindPermission {
		t.Fatalf("helper seed: %v", err)
	}
	n, err := f.svc.Seed(context.Background(), admin, layout)
	if err != nil || n != 6 {
		t.Fatalf("seed n=%d err=%v", n, err)
	}
	n, _ = f.svc.Seed(context.Background(), admin, layout)
	if n != 0 {
		t.Fatalf("reseed created %d", n)
	}
	list, err := f.svc.ListDevices(context.Background(), DeviceQuery{Class: "1-2"})
	if err != nil || list.Total != 3 || list.Items[0].AssetTag != "ICH-10201" {
		t.Fatalf("list devices %+v err=%v", list, err)
	}
	if _, err := f.svc.GetDevice(context.Background(), "9-9-9"); KindOf(err) != KindNotFound {
		t.Fatalf("missing device: %v", err)
	}
}

func TestUpdateDeviceScope(t *testing.T) {
	f := newFixture(t)
	st := models.DeviceMaintenance
	if _, err := f.svc.UpdateDevice(context.Background(), homeroom, DeviceUpdate{Tag: "ICH-20201", Status: &st}); KindOf(err) != KindPermission {
		t.Fatalf("out-of-class edit: %v", err)
	}
	if _, err := f.svc.UpdateDevice(context.Background(), student, DeviceUpdate{Tag: "ICH-20101", Status: &st}); KindOf(err) != KindPermission {
		t.Fatalf("student edit: %v", err)
	}
	d, err := f.svc.UpdateDevice(context.Background(), homeroom, DeviceUpdate{Tag: "2-1-1", Status: &st})
	if err != nil || d.AssetTag != "ICH-20101" || d.Status != models.DeviceMaintenance {
		t.Fatalf("own class edit %+v err=%v", d, err)
	}
}
