package loans

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"Gin_postgres_redis_laptop_checkout/models"
)

type DeviceQuery struct {
	Status string
	Class  string
	Query  string
	Page   Page
}

type DeviceList struct {
	Items      []models.Device `json:"items"`
	Total      int64           `json:"total"`
	Limit      int             `json:"limit"`
	Offset     int             `json:"offset"`
	NextOffset *int            `json:"nextOffset,omitempty"`
}

// ListDevices 任何已登录用户都能看
func (s *Service) ListDevices(ctx context.Context, q DeviceQuery) (DeviceList, error) {
	f := DeviceFilter{Query: strings.TrimSpace(q.Query)}
	if q.Status != "" {
		st := models.DeviceStatus(strings.ToLower(q.Status))
		if !st.Valid() {
			return DeviceList{}, ErrValidation("unknown device status %q", q.Status)
		}
		f.Status = st
	}
	if q.Class != "" {
		class, err := CanonicalClassName(q.Class)
		if err != nil {
			return DeviceList{}, err
		}
		f.AssignedClass = class
	}
	p := q.Page.Normalize()
	rows, total, err := s.store.ListDevices(ctx, f, p)
	if err != nil {
		return DeviceList{}, ErrInternal("list devices", err)
	}
	return DeviceList{Items: rows, Total: total, Limit: p.Limit, Offset: p.Offset, NextOffset: p.NextOffset(total)}, nil
}

func (s *Service) GetDevice(ctx context.Context, raw string) (*models.Device, error) {
	tag, err := NormalizeTag(raw)
	if err != nil {
		return nil, err
	}
	d, err := s.store.GetDevice(ctx, tag)
	if errors.Is(err, ErrNoRecord) {
		return nil, ErrNotFound("device %s not found", tag)
	}
	if err != nil {
		return nil, ErrInternal("get device", err)
	}
	return d, nil
}

// DeviceUpdate 手工修改登记簿；nil 字段不动
type DeviceUpdate struct {
	Tag         string
	Status      *models.DeviceStatus
	CurrentUser *string
	Notes       *string
}

// UpdateDevice is the manual registry edit. Unknown tags are registered on the
// fly with the default model and the class encoded in the tag.
func (s *Service) UpdateDevice(ctx context.Context, actor Actor, in DeviceUpdate) (*models.Device, error) {
	tag, err := NormalizeTag(in.Tag)
	if err != nil {
		return nil, err
	}
	class, _ := ClassOfTag(tag)
	if !actor.IsStaff() || !actor.CanAccessClass(class) {
		return nil, ErrPermission("you cannot edit device %s", tag)
	}
	if in.Status != nil && !in.Status.Valid() {
		return nil, ErrValidation("unknown device status %q", *in.Status)
	}

	model := DefaultDeviceModel
	if rs, ok := s.syncer.(*RegistrySyncer); ok {
		model = rs.model
	}
	d, err := s.store.UpsertDevice(ctx, tag, func(d *models.Device, created bool) error {
		if created {
			d.Model = model
			d.Status = models.DeviceAvailable
			d.AssignedClass = class
		}
		if in.Status != nil {
			d.Status = *in.Status
			if d.Status == models.DeviceAvailable {
				d.CurrentLoanID = nil
			}
		}
		if in.CurrentUser != nil {
			d.CurrentUser = strings.TrimSpace(*in.CurrentUser)
		}
		if in.Notes != nil {
			d.Notes = strings.TrimSpace(*in.Notes)
		}
		return nil
	})
	if err != nil {
		return nil, ErrInternal("update device", err)
	}
	s.notifier.Notify(ctx, TopicDevices, d.AssetTag, string(d.Status))
	s.log.WithFields(logrus.Fields{"device": tag, "status": d.Status, "actor": actor.Email}).Info("device updated")
	return d, nil
}

// Seed 按编排文件批量建档，已有的不动
func (s *Service) Seed(ctx context.Context, actor Actor, layout Layout) (int, error) {
	if actor.EffectiveRole() != RoleAdmin {
		return 0, ErrPermission("only admins may seed the device registry")
	}
	if err := layout.Validate(); err != nil {
		return 0, err
	}
	n, err := s.store.CreateDevices(ctx, layout.Devices())
	if err != nil {
		return 0, ErrInternal("seed devices", err)
	}
	s.log.WithFields(logrus.Fields{"created": n, "actor": actor.Email}).Info("device registry seeded")
	return n, nil
}
