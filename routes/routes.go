package routes

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"Gin_postgres_redis_laptop_checkout/app"
	"Gin_postgres_redis_laptop_checkout/controllers"
	"Gin_postgres_redis_laptop_checkout/loans"
)

func RegisterRoutes(r *gin.Engine, a *app.App) {
	app.RegisterValidators()

	// 控制器与依赖
	s := controllers.GetSrv(a)
	loanCtl := controllers.GetLoanController(s)
	deviceCtl := controllers.GetDeviceController(s)
	eventsCtl := controllers.GetEventsController(s)

	// 复用的中间件
	authMW := a.AuthRequired()
	adminMW := app.RequireRole(loans.RoleAdmin)
	seenMW := a.TouchLastSeen(5 * time.Minute)

	r.GET("/healthz", func(c *app.Ctx) { c.JSON(http.StatusOK, app.H{"ok": true}) })
	r.GET("/metrics", gin.WrapH(a.Metrics.Handler()))

	// ------------------------------
	// 借用
	// ------------------------------
	api := r.Group("/api", authMW, seenMW)
	{
		api.GET("/loans", loanCtl.List) // ?status=&className=&email=&limit=&offset=
		api.GET("/loans/overdue", loanCtl.Overdue)
		api.GET("/loans/:id", loanCtl.Get)
		api.GET("/loans/:id/signatures/:kind", loanCtl.Signature)
		api.POST("/loans", app.RateLimit(a.Limiter, "loans:create"), loanCtl.Create)
		api.PATCH("/loans", loanCtl.Transition)

		// 设备登记簿；写权限在 service 里按角色+班级判断
		api.GET("/devices", deviceCtl.List)
		api.GET("/devices/:tag", deviceCtl.Get)
		api.PATCH("/devices", deviceCtl.Update)
		api.POST("/devices/seed", adminMW, deviceCtl.Seed)

		api.GET("/events", eventsCtl.Stream)
		api.POST("/token", s.IssueToken)
		api.GET("/whoami", s.WhoAmI)
	}

	// 以下依赖数据库 + redis；memory 模式下不挂
	if a.Repo == nil || a.AppSessions() == nil {
		return
	}
	uc := controllers.GetUserController(s)
	inviteCtl := controllers.GetInviteController(s)

	if a.WA != nil {
		wa := r.Group("/webauthn")
		{
			wa.POST("/register/begin", s.BeginRegistration)
			wa.POST("/register/finish", s.FinishRegistration)
			wa.POST("/login/begin", s.BeginLogin)
			wa.POST("/login/finish", s.FinishLogin)
		}
		waAuth := wa.Group("", authMW, seenMW)
		{
			waAuth.GET("/whoami", s.WhoAmI)
			waAuth.POST("/logout", s.Logout)
		}
		// 已登录用户添加新凭据（绑定手机等）
		creds := r.Group("/api/credentials", authMW, seenMW)
		{
			creds.POST("/add/begin", s.BeginAddCredential)
			creds.POST("/add/finish", s.FinishAddCredential)
		}
	}

	api.POST("/me/homeroom-request", uc.RequestHomeroom)

	// 邀请（仅管理员）
	admin := r.Group("/admin", authMW, adminMW)
	{
		admin.POST("/invites", inviteCtl.CreateInvite)
	}

	// 用户管理（仅管理员）
	users := r.Group("/api/users", authMW, adminMW)
	{
		users.GET("", uc.ListUsers) // ?q=&role=&limit=&offset=
		users.GET("/:id", uc.GetUser)
		users.PATCH("/:id/role", uc.SetRole)
		users.POST("/:id/homeroom/approve", uc.ApproveHomeroom)
		users.DELETE("/:id", uc.DeleteUser)
	}
}
