package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"Gin_postgres_redis_laptop_checkout/loans"
	"Gin_postgres_redis_laptop_checkout/models"
)

type Repo struct{ DB *gorm.DB }

func NewRepo(db *gorm.DB) *Repo { return &Repo{DB: db} }

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return loans.ErrNoRecord
	}
	return err
}

// Users

func (r *Repo) TouchUserLogin(ctx context.Context, userID, ip, ua string) error {
	now := time.Now()
	return r.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"last_login_at": now,
			"last_seen_at":  now,
			"login_count":   gorm.Expr("COALESCE(login_count, 0) + 1"),
			"last_login_ip": ip,
			"last_login_ua": truncate(ua, 255),
		}).Error
}

func (r *Repo) TouchUserSeen(ctx context.Context, userID string) error {
	return r.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Update("last_seen_at", time.Now()).Error
}

func (r *Repo) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := r.DB.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (r *Repo) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	if err := r.DB.WithContext(ctx).Where("username = ?", strings.ToLower(username)).First(&u).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// FindOrCreateUser 邀请注册时建号，角色/班级来自邀请；已存在的用户不改
func (r *Repo) FindOrCreateUser(ctx context.Context, inv *models.Invite, newID string) (*models.User, error) {
	email := strings.ToLower(inv.Email)
	var u models.User
	err := r.DB.WithContext(ctx).Where("username = ?", email).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		u = models.User{
			ID:          newID,
			Username:    email,
			DisplayName: email,
			Role:        inv.Role,
			Grade:       inv.Grade,
			ClassNo:     inv.ClassNo,
			// 管理员发出的班主任邀请视为已审批
			HomeroomApproved: inv.Role == models.RoleHomeroom,
		}
		if u.Role == "" {
			u.Role = models.RoleStudent
		}
		if err := r.DB.WithContext(ctx).Create(&u).Error; err != nil {
			return nil, err
		}
		return &u, nil
	}
	return &u, err
}

type ListUsersResult struct {
	Users []models.User `json:"users"`
	Total int64         `json:"total"`
}

// ListUsers 关键词匹配用户名/显示名，可按角色过滤
func (r *Repo) ListUsers(ctx context.Context, q, role string, page loans.Page) (ListUsersResult, error) {
	page = page.Normalize()
	tx := r.DB.WithContext(ctx).Model(&models.User{})
	if q = strings.TrimSpace(q); q != "" {
		like := "%" + strings.ToLower(q) + "%"
		tx = tx.Where("LOWER(username) LIKE ? OR LOWER(display_name) LIKE ?", like, like)
	}
	if role != "" {
		tx = tx.Where("role = ?", role)
	}
	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return ListUsersResult{}, err
	}
	var users []models.User
	if err := tx.Order("created_at DESC").Offset(page.Offset).Limit(page.Limit).Find(&users).Error; err != nil {
		return ListUsersResult{}, err
	}
	return ListUsersResult{Users: users, Total: total}, nil
}

// DeleteUserByID 先删凭据再删用户
func (r *Repo) DeleteUserByID(ctx context.Context, id string) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", id).Delete(&models.Credential{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&models.User{ID: id})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return loans.ErrNoRecord
		}
		return nil
	})
}

// Credentials

func (r *Repo) LoadUserCredentials(ctx context.Context, userID string) ([]models.Credential, error) {
	var cs []models.Credential
	if err := r.DB.WithContext(ctx).Where("user_id = ?", userID).Find(&cs).Error; err != nil {
		return nil, err
	}
	return cs, nil
}

func (r *Repo) CountCredentials(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := r.DB.WithContext(ctx).Model(&models.Credential{}).Where("user_id = ?", userID).Count(&n).Error
	return n, err
}

func (r *Repo) AddCredential(ctx context.Context, c *models.Credential) error {
	return r.DB.WithContext(ctx).Create(c).Error
}

// MarkCredentialUsed 登录成功后更新计数器与最后使用时间
func (r *Repo) MarkCredentialUsed(ctx context.Context, credID []byte, signCount uint32, cloneWarn bool) error {
	return r.DB.WithContext(ctx).Model(&models.Credential{}).
		Where("credential_id = ?", credID).
		Updates(map[string]any{"sign_count": signCount, "clone_warning": cloneWarn, "last_used_at": time.Now()}).Error
}

func (r *Repo) FindUserByCredentialID(ctx context.Context, credID []byte) (*models.User, error) {
	var c models.Credential
	if err := r.DB.WithContext(ctx).Where("credential_id = ?", credID).First(&c).Error; err != nil {
		return nil, notFound(err)
	}
	return r.FindUserByID(ctx, c.UserID)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
