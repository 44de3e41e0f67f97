package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/sirupsen/logrus"

	"Gin_postgres_redis_laptop_checkout/logs"
	"Gin_postgres_redis_laptop_checkout/models"
)

func NewInviteToken() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// BootstrapFirstAdmin 还没有管理员时给 BOOTSTRAP_EMAIL 发一个管理员邀请
func (a *App) BootstrapFirstAdmin(ctx context.Context) {
	email := a.Config.BootstrapEmail
	if email == "" || a.Repo == nil {
		return
	}
	log := logs.Logger.WithFields(logrus.Fields{"component": "bootstrap", "email": email})
	if n, err := a.Repo.CountAdmins(ctx); err != nil || n > 0 {
		return
	}
	if n, err := a.Repo.CountOpenInvites(ctx, email); err == nil && n > 0 {
		log.Info("admin invite already pending")
		return
	}
	token := NewInviteToken()
	inv := &models.Invite{
		Email:     email,
		Token:     token,
		Role:      models.RoleAdmin,
		ExpiresAt: time.Now().Add(24 * time.Hour),
		CreatedBy: "bootstrap",
	}
	if err := a.Repo.CreateInvite(ctx, inv); err != nil {
		log.WithError(err).Error("bootstrap invite failed")
		return
	}
	log.Warnf("no admin found, register the first admin at %s/login?inviteToken=%s", a.Config.WebOrigin, token)
}

// SeedRegistry SEED_REGISTRY=true 时按编排文件补齐设备登记簿
func (a *App) SeedRegistry(ctx context.Context) {
	if !a.Config.SeedRegistry || len(a.Layout.Grades) == 0 {
		return
	}
	n, err := a.Store.CreateDevices(ctx, a.Layout.Devices())
	if err != nil {
		logs.Logger.WithError(err).Error("seed device registry")
		return
	}
	logs.Logger.WithField("created", n).Info("device registry seeded")
}
