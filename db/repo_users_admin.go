package db

import (
	"context"

	"Gin_postgres_redis_laptop_checkout/loans"
	"Gin_postgres_redis_laptop_checkout/models"
)

// SetUserRole 改角色同时重置班级；班主任需重新审批除非 approved 为 true
func (r *Repo) SetUserRole(ctx context.Context, userID, role string, grade, classNo int, approved bool) error {
	res := r.DB.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"role":              role,
			"grade":             grade,
			"class_no":          classNo,
			"homeroom_approved": role == models.RoleHomeroom && approved,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return loans.ErrNoRecord
	}
	return nil
}

// RequestHomeroom 老师自助申请，等管理员审批
func (r *Repo) RequestHomeroom(ctx context.Context, userID string, grade, classNo int) error {
	return r.SetUserRole(ctx, userID, models.RoleHomeroom, grade, classNo, false)
}

func (r *Repo) ApproveHomeroom(ctx context.Context, userID string) error {
	res := r.DB.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ? AND role = ?", userID, models.RoleHomeroom).
		Update("homeroom_approved", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return loans.ErrNoRecord
	}
	return nil
}

func (r *Repo) CountAdmins(ctx context.Context) (int64, error) {
	var n int64
	err := r.DB.WithContext(ctx).
		Model(&models.User{}).
		Where("role = ?", models.RoleAdmin).
		Count(&n).Error
	return n, err
}
