package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"Gin_postgres_redis_laptop_checkout/models"
)

func (r *Repo) CreateInvite(ctx context.Context, inv *models.Invite) error {
	inv.Email = strings.ToLower(strings.TrimSpace(inv.Email))
	if inv.Role == "" {
		inv.Role = models.RoleStudent
	}
	return r.DB.WithContext(ctx).Create(inv).Error
}

func (r *Repo) GetInviteByToken(ctx context.Context, token string) (*models.Invite, error) {
	var inv models.Invite
	if err := r.DB.WithContext(ctx).Where("token = ?", token).First(&inv).Error; err != nil {
		return nil, notFound(err)
	}
	return &inv, nil
}

// ErrInviteUsed 并发完成注册时只有一方成功
var ErrInviteUsed = errors.New("invite already used or not found")

func (r *Repo) MarkInviteUsed(ctx context.Context, token string) error {
	res := r.DB.WithContext(ctx).Model(&models.Invite{}).
		Where("token = ? AND used_at IS NULL", token).
		Update("used_at", time.Now())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInviteUsed
	}
	return nil
}

// CountOpenInvites 未使用且未过期，bootstrap 用来避免重复发邀请
func (r *Repo) CountOpenInvites(ctx context.Context, email string) (int64, error) {
	var n int64
	err := r.DB.WithContext(ctx).Model(&models.Invite{}).
		Where("email = ? AND used_at IS NULL AND expires_at > ?", strings.ToLower(email), time.Now()).
		Count(&n).Error
	return n, err
}
