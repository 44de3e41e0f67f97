package loans

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"Gin_postgres_redis_laptop_checkout/models"
)

// MemoryStore 进程内实现，测试和 DB_DRIVER=memory 时使用。
// 事务持有全局锁，写入先暂存，fn 返回 nil 才合并。
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	loans   map[string]models.Loan
	devices map[string]models.Device
	events  []models.LoanEvent
	syncs   map[string]models.DeviceSync
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:     time.Now,
		loans:   map[string]models.Loan{},
		devices: map[string]models.Device{},
		syncs:   map[string]models.DeviceSync{},
	}
}

type memTx struct {
	s       *MemoryStore
	loans   map[string]models.Loan
	devices map[string]models.Device
	events  []models.LoanEvent
	syncs   []models.DeviceSync
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s, loans: map[string]models.Loan{}, devices: map[string]models.Device{}}
	if err := fn(tx); err != nil {
		return err
	}
	for id, l := range tx.loans {
		s.loans[id] = l
	}
	for tag, d := range tx.devices {
		s.devices[tag] = d
	}
	s.events = append(s.events, tx.events...)
	for _, sy := range tx.syncs {
		if sy.DoneAt == nil {
			sy = s.supersede(sy)
		}
		s.syncs[sy.ID] = sy
	}
	return nil
}

// 同一设备只保留最新一条待同步
func (s *MemoryStore) supersede(latest models.DeviceSync) models.DeviceSync {
	var older []models.DeviceSync
	for _, old := range s.syncs {
		if old.DoneAt == nil && old.DeviceTag == latest.DeviceTag && old.ID < latest.ID {
			older = append(older, old)
		}
	}
	sort.Slice(older, func(i, j int) bool { return older[i].ID < older[j].ID })
	for i := len(older) - 1; i >= 0; i-- {
		old := older[i]
		latest.Note = CarryNote(old.Note, latest.Note)
		done := latest.CreatedAt
		old.DoneAt = &done
		old.LastError = SupersededNote
		s.syncs[old.ID] = old
	}
	return latest
}

func (t *memTx) loan(id string) (models.Loan, bool) {
	if l, ok := t.loans[id]; ok {
		return l, true
	}
	l, ok := t.s.loans[id]
	return l, ok
}

// 合并视图：暂存覆盖已提交
func (t *memTx) allLoans() []models.Loan {
	out := make([]models.Loan, 0, len(t.s.loans)+len(t.loans))
	for id, l := range t.s.loans {
		if staged, ok := t.loans[id]; ok {
			l = staged
		}
		out = append(out, l)
	}
	for id, l := range t.loans {
		if _, ok := t.s.loans[id]; !ok {
			out = append(out, l)
		}
	}
	return out
}

func (t *memTx) LoanForUpdate(id string) (*models.Loan, error) {
	l, ok := t.loan(id)
	if !ok {
		return nil, ErrNoRecord
	}
	return &l, nil
}

func (t *memTx) ActiveLoanByEmail(email string) (*models.Loan, error) {
	for _, l := range t.allLoans() {
		if l.Status.Active() && strings.EqualFold(l.Email, email) {
			return &l, nil
		}
	}
	return nil, nil
}

func (t *memTx) ActiveLoanByDevice(tag, excludeID string) (*models.Loan, error) {
	for _, l := range t.allLoans() {
		if l.ID == excludeID || l.Tag() != tag {
			continue
		}
		if l.Status == models.LoanApproved || l.Status == models.LoanPickedUp {
			return &l, nil
		}
	}
	return nil, nil
}

func (t *memTx) InsertLoan(l *models.Loan) error {
	if dup, _ := t.ActiveLoanByEmail(l.Email); dup != nil && l.Status.Active() {
		return ErrDuplicateActive
	}
	now := t.s.now()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	t.loans[l.ID] = *l
	return nil
}

func (t *memTx) SaveLoan(l *models.Loan) error {
	if _, ok := t.loan(l.ID); !ok {
		return ErrNoRecord
	}
	l.UpdatedAt = t.s.now()
	t.loans[l.ID] = *l
	return nil
}

func (t *memTx) DeviceForUpdate(tag string) (*models.Device, error) {
	if d, ok := t.devices[tag]; ok {
		return &d, nil
	}
	if d, ok := t.s.devices[tag]; ok {
		return &d, nil
	}
	return nil, nil
}

func (t *memTx) AppendEvent(e *models.LoanEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.s.now()
	}
	t.events = append(t.events, *e)
	return nil
}

func (t *memTx) EnqueueSync(sy *models.DeviceSync) error {
	now := t.s.now()
	sy.CreatedAt, sy.UpdatedAt = now, now
	for i := len(t.syncs) - 1; i >= 0; i-- {
		if t.syncs[i].DeviceTag == sy.DeviceTag && t.syncs[i].DoneAt == nil {
			sy.Note = CarryNote(t.syncs[i].Note, sy.Note)
			done := now
			t.syncs[i].DoneAt = &done
			t.syncs[i].LastError = SupersededNote
		}
	}
	t.syncs = append(t.syncs, *sy)
	return nil
}

func (s *MemoryStore) GetLoan(ctx context.Context, id string) (*models.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loans[id]
	if !ok {
		return nil, ErrNoRecord
	}
	return &l, nil
}

func (s *MemoryStore) ListLoans(ctx context.Context, f LoanFilter, p Page) ([]models.Loan, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p = p.Normalize()

	var hits []models.Loan
	for _, l := range s.loans {
		if matchLoan(f, &l) {
			hits = append(hits, l)
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if !hits[i].CreatedAt.Equal(hits[j].CreatedAt) {
			return hits[i].CreatedAt.After(hits[j].CreatedAt)
		}
		return hits[i].ID > hits[j].ID
	})
	return window(hits, p), int64(len(hits)), nil
}

func matchLoan(f LoanFilter, l *models.Loan) bool {
	if f.Email != "" && !strings.EqualFold(l.Email, f.Email) {
		return false
	}
	if f.ClassName != "" && l.ClassName != f.ClassName {
		return false
	}
	if f.DeviceTag != "" && l.Tag() != f.DeviceTag {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, st := range f.Statuses {
			if l.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.OverdueAt.IsZero() && (l.Status != models.LoanPickedUp || !l.DueDate.Before(f.OverdueAt)) {
		return false
	}
	return true
}

func window[T any](items []T, p Page) []T {
	if p.Offset >= len(items) {
		return []T{}
	}
	end := p.Offset + p.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[p.Offset:end]
}

func (s *MemoryStore) ListEvents(ctx context.Context, loanID string) ([]models.LoanEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.LoanEvent{}
	for _, e := range s.events {
		if e.LoanID == loanID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetDevice(ctx context.Context, tag string) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[tag]
	if !ok {
		return nil, ErrNoRecord
	}
	return &d, nil
}

func (s *MemoryStore) ListDevices(ctx context.Context, f DeviceFilter, p Page) ([]models.Device, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p = p.Normalize()
	q := strings.ToLower(strings.TrimSpace(f.Query))

	var hits []models.Device
	for _, d := range s.devices {
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.AssignedClass != "" && d.AssignedClass != f.AssignedClass {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(d.AssetTag), q) && !strings.Contains(strings.ToLower(d.CurrentUser), q) {
			continue
		}
		hits = append(hits, d)
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].AssetTag < hits[j].AssetTag })
	return window(hits, p), int64(len(hits)), nil
}

func (s *MemoryStore) UpsertDevice(ctx context.Context, tag string, fn func(d *models.Device, created bool) error) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[tag]
	if !ok {
		d = models.Device{AssetTag: tag, CreatedAt: s.now()}
	}
	if err := fn(&d, !ok); err != nil {
		return nil, err
	}
	d.AssetTag = tag
	d.UpdatedAt = s.now()
	s.devices[tag] = d
	return &d, nil
}

func (s *MemoryStore) CreateDevices(ctx context.Context, devices []models.Device) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range devices {
		if _, ok := s.devices[d.AssetTag]; ok {
			continue
		}
		now := s.now()
		d.CreatedAt, d.UpdatedAt = now, now
		s.devices[d.AssetTag] = d
		n++
	}
	return n, nil
}

func (s *MemoryStore) pending() []models.DeviceSync {
	var out []models.DeviceSync
	for _, sy := range s.syncs {
		if sy.DoneAt == nil {
			out = append(out, sy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) PendingSyncs(ctx context.Context, limit int) ([]models.DeviceSync, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending()
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountPendingSyncs(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.pending())), nil
}

func (s *MemoryStore) CompleteSync(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sy, ok := s.syncs[id]
	if !ok {
		return ErrNoRecord
	}
	now := s.now()
	sy.DoneAt = &now
	sy.Attempts++
	sy.LastError = ""
	sy.UpdatedAt = now
	s.syncs[id] = sy
	return nil
}

func (s *MemoryStore) FailSync(ctx context.Context, id string, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sy, ok := s.syncs[id]
	if !ok {
		return ErrNoRecord
	}
	sy.Attempts++
	sy.LastError = cause
	sy.UpdatedAt = s.now()
	s.syncs[id] = sy
	return nil
}
