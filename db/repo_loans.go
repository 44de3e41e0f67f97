package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"Gin_postgres_redis_laptop_checkout/loans"
	"Gin_postgres_redis_laptop_checkout/models"
)

var _ loans.Store = (*Repo)(nil)

// WithTx 行锁用 SELECT ... FOR UPDATE
func (r *Repo) WithTx(ctx context.Context, fn func(tx loans.Tx) error) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(gormTx{tx: tx})
	})
}

type gormTx struct{ tx *gorm.DB }

func (t gormTx) locked() *gorm.DB {
	return t.tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// first 找不到返回 nil, nil
func first[T any](q *gorm.DB) (*T, error) {
	var rows []T
	if err := q.Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (t gormTx) LoanForUpdate(id string) (*models.Loan, error) {
	l, err := first[models.Loan](t.locked().Where("id = ?", id))
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, loans.ErrNoRecord
	}
	return l, nil
}

func (t gormTx) ActiveLoanByEmail(email string) (*models.Loan, error) {
	return first[models.Loan](t.locked().
		Where("LOWER(email) = ? AND status IN ?", strings.ToLower(email), models.ActiveLoanStatuses))
}

func (t gormTx) ActiveLoanByDevice(tag, excludeID string) (*models.Loan, error) {
	return first[models.Loan](t.locked().
		Where("device_tag = ? AND id <> ? AND status IN ?", tag, excludeID,
			[]models.LoanStatus{models.LoanApproved, models.LoanPickedUp}))
}

func (t gormTx) InsertLoan(l *models.Loan) error {
	err := t.tx.Create(l).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return loans.ErrDuplicateActive
	}
	return err
}

func (t gormTx) SaveLoan(l *models.Loan) error {
	err := t.tx.Save(l).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return loans.ErrConflict("device %s is already assigned to another loan", l.Tag())
	}
	return err
}

func (t gormTx) DeviceForUpdate(tag string) (*models.Device, error) {
	return first[models.Device](t.locked().Where("asset_tag = ?", tag))
}

func (t gormTx) AppendEvent(e *models.LoanEvent) error {
	return t.tx.Create(e).Error
}

// EnqueueSync 同一设备较早的待同步记录作废，只重放最新状态
func (t gormTx) EnqueueSync(s *models.DeviceSync) error {
	var older []models.DeviceSync
	err := t.locked().
		Where("device_tag = ? AND done_at IS NULL AND id < ?", s.DeviceTag, s.ID).
		Order("id DESC").Find(&older).Error
	if err != nil {
		return err
	}
	if len(older) > 0 {
		ids := make([]string, 0, len(older))
		for _, o := range older {
			s.Note = loans.CarryNote(o.Note, s.Note)
			ids = append(ids, o.ID)
		}
		err = t.tx.Model(&models.DeviceSync{}).Where("id IN ?", ids).
			Updates(map[string]any{"done_at": time.Now(), "last_error": loans.SupersededNote}).Error
		if err != nil {
			return err
		}
	}
	return t.tx.Create(s).Error
}

// Loans

func (r *Repo) GetLoan(ctx context.Context, id string) (*models.Loan, error) {
	var l models.Loan
	if err := r.DB.WithContext(ctx).First(&l, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &l, nil
}

func (r *Repo) ListLoans(ctx context.Context, f loans.LoanFilter, p loans.Page) ([]models.Loan, int64, error) {
	p = p.Normalize()
	q := r.DB.WithContext(ctx).Model(&models.Loan{})
	if f.Email != "" {
		q = q.Where("LOWER(email) = ?", strings.ToLower(f.Email))
	}
	if f.ClassName != "" {
		q = q.Where("class_name = ?", f.ClassName)
	}
	if f.DeviceTag != "" {
		q = q.Where("device_tag = ?", f.DeviceTag)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if !f.OverdueAt.IsZero() {
		// 与 loans.Project 一致：已领取且截止时间已过
		q = q.Where("status = ? AND due_date < ?", models.LoanPickedUp, f.OverdueAt)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	rows := []models.Loan{}
	if err := q.Order("created_at DESC").Order("id DESC").Offset(p.Offset).Limit(p.Limit).Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

func (r *Repo) ListEvents(ctx context.Context, loanID string) ([]models.LoanEvent, error) {
	rows := []models.LoanEvent{}
	err := r.DB.WithContext(ctx).
		Where("loan_id = ?", loanID).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}
