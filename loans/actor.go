package loans

import (
	"fmt"
	"strings"

	"Gin_postgres_redis_laptop_checkout/models"
)

type Role string

const (
	RoleAdmin    Role = models.RoleAdmin
	RoleHelper   Role = models.RoleHelper
	RoleHomeroom Role = models.RoleHomeroom
	RoleStudent  Role = models.RoleStudent
)

// Actor 当前操作人；认证层给出，核心只读
type Actor struct {
	ID               string
	Email            string
	Name             string
	Role             Role
	Grade            int
	ClassNo          int
	HomeroomApproved bool
}

// EffectiveRole 未审批的班主任按学生处理，未知角色也按学生处理
func (a Actor) EffectiveRole() Role {
	switch a.Role {
	case RoleAdmin, RoleHelper, RoleStudent:
		return a.Role
	case RoleHomeroom:
		if a.HomeroomApproved {
			return RoleHomeroom
		}
	}
	return RoleStudent
}

func (a Actor) IsStaff() bool {
	switch a.EffectiveRole() {
	case RoleAdmin, RoleHelper, RoleHomeroom:
		return true
	}
	return false
}

// ClassName 形如 "2-1"；未分配班级时为空
func (a Actor) ClassName() string {
	if a.Grade <= 0 || a.ClassNo <= 0 {
		return ""
	}
	return fmt.Sprintf("%d-%d", a.Grade, a.ClassNo)
}

// Scoped reports whether the actor is limited to a single class.
// Homeroom teachers always are; helpers only when a class is assigned.
func (a Actor) Scoped() bool {
	switch a.EffectiveRole() {
	case RoleHomeroom:
		return true
	case RoleHelper:
		return a.ClassName() != ""
	}
	return false
}

func (a Actor) CanAccessClass(className string) bool {
	if !a.IsStaff() {
		return false
	}
	if !a.Scoped() {
		return true
	}
	mine := a.ClassName()
	if mine == "" {
		return false
	}
	canon, err := CanonicalClassName(className)
	if err != nil {
		return false
	}
	return canon == mine
}

func (a Actor) Owns(l *models.Loan) bool {
	return a.Email != "" && strings.EqualFold(strings.TrimSpace(a.Email), strings.TrimSpace(l.Email))
}

// CanView 学生只看自己的；班级范围内的老师/助手看本班；管理员看全部
func (a Actor) CanView(l *models.Loan) bool {
	if a.Owns(l) {
		return true
	}
	return a.CanAccessClass(l.ClassName)
}

func (a Actor) label() string {
	if a.Name != "" {
		return a.Name
	}
	return a.Email
}
