package controllers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"Gin_postgres_redis_laptop_checkout/app"
	"Gin_postgres_redis_laptop_checkout/loans"
	"Gin_postgres_redis_laptop_checkout/models"
)

type UserController struct{ *Srv }

func GetUserController(s *Srv) *UserController { return &UserController{Srv: s} }

func (uc *UserController) userID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		app.Fail(c, http.StatusBadRequest, string(loans.KindValidation), "invalid user id")
		return "", false
	}
	return id, true
}

func (uc *UserController) respond(c *gin.Context, err error) {
	if errors.Is(err, loans.ErrNoRecord) {
		app.Fail(c, http.StatusNotFound, string(loans.KindNotFound), "user not found")
		return
	}
	app.RespondError(c, err)
}

// GET /api/users?q=&role=&limit=&offset=
func (uc *UserController) ListUsers(c *gin.Context) {
	p := page(c)
	res, err := uc.Repo.ListUsers(c.Request.Context(), c.Query("q"), c.Query("role"), p)
	if err != nil {
		app.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, app.H{
		"total":      res.Total,
		"users":      res.Users,
		"nextOffset": p.NextOffset(res.Total),
	})
}

// GET /api/users/:id
func (uc *UserController) GetUser(c *gin.Context) {
	id, ok := uc.userID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	user, err := uc.Repo.FindUserByID(ctx, id)
	if err != nil {
		uc.respond(c, err)
		return
	}
	n, _ := uc.Repo.CountCredentials(ctx, id)
	c.JSON(http.StatusOK, app.H{"user": user, "credentials": n})
}

type setRoleReq struct {
	Role             string `json:"role" binding:"required,oneof=admin helper homeroom student"`
	Grade            int    `json:"grade" binding:"min=0,max=9"`
	ClassNo          int    `json:"classNo" binding:"min=0,max=99"`
	HomeroomApproved *bool  `json:"homeroomApproved"`
}

// PATCH /api/users/:id/role
func (uc *UserController) SetRole(c *gin.Context) {
	id, ok := uc.userID(c)
	if !ok {
		return
	}
	var in setRoleReq
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	if in.Role == models.RoleHomeroom && (in.Grade == 0 || in.ClassNo == 0) {
		app.Fail(c, http.StatusBadRequest, string(loans.KindValidation), "homeroom needs grade and classNo")
		return
	}
	// 管理员直接设成班主任默认视为已审批
	approved := true
	if in.HomeroomApproved != nil {
		approved = *in.HomeroomApproved
	}
	if err := uc.Repo.SetUserRole(c.Request.Context(), id, in.Role, in.Grade, in.ClassNo, approved); err != nil {
		uc.respond(c, err)
		return
	}
	c.JSON(http.StatusOK, app.H{"ok": true})
}

// POST /api/users/:id/homeroom/approve
func (uc *UserController) ApproveHomeroom(c *gin.Context) {
	id, ok := uc.userID(c)
	if !ok {
		return
	}
	if err := uc.Repo.ApproveHomeroom(c.Request.Context(), id); err != nil {
		uc.respond(c, err)
		return
	}
	c.JSON(http.StatusOK, app.H{"ok": true})
}

// POST /api/me/homeroom-request  老师自助申请，等管理员审批
func (uc *UserController) RequestHomeroom(c *gin.Context) {
	var in struct {
		ClassName string `json:"className" binding:"required,classname"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	grade, classNo, err := loans.ParseClassName(in.ClassName)
	if err != nil {
		app.RespondError(c, err)
		return
	}
	a := actor(c)
	if a.EffectiveRole() == loans.RoleAdmin {
		app.Fail(c, http.StatusConflict, string(loans.KindStateConflict), "admins do not need homeroom approval")
		return
	}
	if err := uc.Repo.RequestHomeroom(c.Request.Context(), a.ID, grade, classNo); err != nil {
		uc.respond(c, err)
		return
	}
	c.JSON(http.StatusAccepted, app.H{"ok": true, "pending": true})
}

// DELETE /api/users/:id
func (uc *UserController) DeleteUser(c *gin.Context) {
	id, ok := uc.userID(c)
	if !ok {
		return
	}
	// 不允许删除自己，避免锁死
	if actor(c).ID == id {
		app.Fail(c, http.StatusBadRequest, string(loans.KindValidation), "cannot delete yourself")
		return
	}
	ctx := c.Request.Context()
	target, err := uc.Repo.FindUserByID(ctx, id)
	if err != nil {
		uc.respond(c, err)
		return
	}
	email := strings.ToLower(target.Username)
	for _, admin := range uc.App.Config.AdminEmails {
		if email == admin {
			app.Fail(c, http.StatusForbidden, string(loans.KindPermission), "cannot delete an admin")
			return
		}
	}
	if err := uc.Repo.DeleteUserByID(ctx, id); err != nil {
		uc.respond(c, err)
		return
	}
	// 撤销该用户的所有登录会话
	_ = uc.AppSess.RevokeAllForUser(ctx, id)
	c.JSON(http.StatusOK, app.H{"ok": true})
}
