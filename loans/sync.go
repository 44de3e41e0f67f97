package loans

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"Gin_postgres_redis_laptop_checkout/logs"
	"Gin_postgres_redis_laptop_checkout/models"
)

// DeviceSyncer 把一条 outbox 记录写到设备登记簿
type DeviceSyncer interface {
	Apply(ctx context.Context, s models.DeviceSync) error
}

// RegistrySyncer writes device status into the registry held by the store.
// A tag that was never registered is created on the fly.
type RegistrySyncer struct {
	store Store
	model string
}

func NewRegistrySyncer(store Store, defaultModel string) *RegistrySyncer {
	if defaultModel == "" {
		defaultModel = DefaultDeviceModel
	}
	return &RegistrySyncer{store: store, model: defaultModel}
}

// SupersededNote 标记被同一设备更新的记录取代的 outbox 行
const SupersededNote = "superseded"

func (r *RegistrySyncer) Apply(ctx context.Context, s models.DeviceSync) error {
	if s.Status == models.DeviceLoaned {
		holds, err := r.holds(ctx, s)
		if err != nil || !holds {
			return err
		}
	}
	_, err := r.store.UpsertDevice(ctx, s.DeviceTag, func(d *models.Device, created bool) error {
		if created {
			r.fillDefaults(d)
		}
		// 已被别的借用占用时，旧借用的释放不能覆盖
		if s.Status != models.DeviceLoaned && d.CurrentLoanID != nil && *d.CurrentLoanID != s.LoanID {
			return nil
		}
		// 维修中的设备归还后仍保持维修状态
		if !(s.Status == models.DeviceAvailable && d.Status == models.DeviceMaintenance) {
			d.Status = s.Status
		}
		d.CurrentUser = s.Occupant
		if s.Status == models.DeviceLoaned {
			id := s.LoanID
			d.CurrentLoanID = &id
		} else {
			d.CurrentLoanID = nil
		}
		if s.Note != "" {
			d.Notes = appendNote(d.Notes, s.Note)
		}
		return nil
	})
	return err
}

// holds 借用仍然有效且仍指向这台设备时，loaned 行才可写入
func (r *RegistrySyncer) holds(ctx context.Context, s models.DeviceSync) (bool, error) {
	l, err := r.store.GetLoan(ctx, s.LoanID)
	if errors.Is(err, ErrNoRecord) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if l.Status != models.LoanApproved && l.Status != models.LoanPickedUp {
		return false, nil
	}
	return l.Tag() == s.DeviceTag, nil
}

func (r *RegistrySyncer) fillDefaults(d *models.Device) {
	d.Model = r.model
	d.Status = models.DeviceAvailable
	if class, err := ClassOfTag(d.AssetTag); err == nil {
		d.AssignedClass = class
	}
}

// CarryNote 把被取代记录上的备注并到新记录上
func CarryNote(prev, next string) string {
	if strings.TrimSpace(prev) == "" {
		return next
	}
	if next == "" {
		return strings.TrimSpace(prev)
	}
	return appendNote(prev, next)
}

func appendNote(notes, add string) string {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return add
	}
	return notes + "\n" + add
}

// Reconciler 定时重放失败或未投递的 outbox 行
type Reconciler struct {
	store    Store
	syncer   DeviceSyncer
	recorder Recorder
	interval time.Duration
	batch    int
	log      logrus.FieldLogger
}

func NewReconciler(store Store, syncer DeviceSyncer, recorder Recorder, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Reconciler{
		store:    store,
		syncer:   syncer,
		recorder: recorder,
		interval: interval,
		batch:    100,
		log:      logs.Logger.WithField("component", "reconciler"),
	}
}

func (r *Reconciler) Run(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		if _, _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.WithError(err).Error("reconcile pass failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// RunOnce 按 ULID 顺序投递一批，返回成功与失败条数
func (r *Reconciler) RunOnce(ctx context.Context) (done, failed int, err error) {
	rows, err := r.store.PendingSyncs(ctx, r.batch)
	if err != nil {
		return 0, 0, err
	}
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		if aerr := r.syncer.Apply(ctx, row); aerr != nil {
			failed++
			r.recorder.SyncFailed()
			r.log.WithFields(logrus.Fields{"sync_id": row.ID, "device": row.DeviceTag, "attempts": row.Attempts + 1}).
				WithError(aerr).Warn("device sync retry failed")
			if ferr := r.store.FailSync(ctx, row.ID, aerr.Error()); ferr != nil {
				return done, failed, ferr
			}
			continue
		}
		if cerr := r.store.CompleteSync(ctx, row.ID); cerr != nil {
			return done, failed, cerr
		}
		done++
	}
	if n, cerr := r.store.CountPendingSyncs(ctx); cerr == nil {
		r.recorder.SyncPending(n)
	}
	if done > 0 || failed > 0 {
		r.log.WithFields(logrus.Fields{"done": done, "failed": failed}).Info("reconcile pass")
	}
	return done, failed, nil
}
