package db

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"Gin_postgres_redis_laptop_checkout/loans"
	"Gin_postgres_redis_laptop_checkout/models"
)

func (r *Repo) GetDevice(ctx context.Context, tag string) (*models.Device, error) {
	var d models.Device
	if err := r.DB.WithContext(ctx).First(&d, "asset_tag = ?", tag).Error; err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (r *Repo) ListDevices(ctx context.Context, f loans.DeviceFilter, p loans.Page) ([]models.Device, int64, error) {
	p = p.Normalize()
	q := r.DB.WithContext(ctx).Model(&models.Device{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.AssignedClass != "" {
		q = q.Where("assigned_class = ?", f.AssignedClass)
	}
	if s := strings.TrimSpace(f.Query); s != "" {
		pat := "%" + strings.ToLower(s) + "%"
		q = q.Where("LOWER(asset_tag) LIKE ? OR LOWER(current_holder) LIKE ?", pat, pat)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	rows := []models.Device{}
	if err := q.Order("asset_tag ASC").Offset(p.Offset).Limit(p.Limit).Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// UpsertDevice 锁行；不存在时给 fn 一条零值记录再插入
func (r *Repo) UpsertDevice(ctx context.Context, tag string, fn func(d *models.Device, created bool) error) (*models.Device, error) {
	var out *models.Device
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d, err := first[models.Device](tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("asset_tag = ?", tag))
		if err != nil {
			return err
		}
		created := d == nil
		if created {
			d = &models.Device{AssetTag: tag}
		}
		if err := fn(d, created); err != nil {
			return err
		}
		d.AssetTag = tag
		if created {
			// 并发建档时后到的一方覆盖
			err = tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(d).Error
		} else {
			d.UpdatedAt = time.Now()
			err = tx.Save(d).Error
		}
		out = d
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) CreateDevices(ctx context.Context, devices []models.Device) (int, error) {
	if len(devices) == 0 {
		return 0, nil
	}
	res := r.DB.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(devices, 200)
	return int(res.RowsAffected), res.Error
}

// Outbox

func (r *Repo) PendingSyncs(ctx context.Context, limit int) ([]models.DeviceSync, error) {
	rows := []models.DeviceSync{}
	q := r.DB.WithContext(ctx).Where("done_at IS NULL").Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) CountPendingSyncs(ctx context.Context) (int64, error) {
	var n int64
	err := r.DB.WithContext(ctx).Model(&models.DeviceSync{}).Where("done_at IS NULL").Count(&n).Error
	return n, err
}

func (r *Repo) CompleteSync(ctx context.Context, id string) error {
	return r.updateSync(ctx, id, map[string]any{
		"done_at":    time.Now(),
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": "",
	})
}

func (r *Repo) FailSync(ctx context.Context, id, cause string) error {
	return r.updateSync(ctx, id, map[string]any{
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": truncate(cause, 1000),
	})
}

func (r *Repo) updateSync(ctx context.Context, id string, fields map[string]any) error {
	res := r.DB.WithContext(ctx).Model(&models.DeviceSync{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return loans.ErrNoRecord
	}
	return nil
}
