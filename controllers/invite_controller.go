package controllers

import (
	"context"
	"fmt"
	"net/http"
	"net/smtp"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"Gin_postgres_redis_laptop_checkout/app"
	"Gin_postgres_redis_laptop_checkout/loans"
	"Gin_postgres_redis_laptop_checkout/logs"
	"Gin_postgres_redis_laptop_checkout/models"
)

type InviteController struct{ *Srv }

func GetInviteController(s *Srv) *InviteController { return &InviteController{Srv: s} }

type createInviteReq struct {
	Email     string `json:"email" binding:"required,email"`
	Role      string `json:"role" binding:"omitempty,oneof=admin helper homeroom student"`
	ClassName string `json:"className" binding:"omitempty,classname"`
	Expires   int    `json:"expiresDays" binding:"min=0,max=30"` // 默认 1 天
}

// POST /admin/invites
func (ic *InviteController) CreateInvite(c *gin.Context) {
	var in createInviteReq
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	if in.Expires <= 0 {
		in.Expires = 1
	}
	if in.Role == "" {
		in.Role = models.RoleStudent
	}
	inv := &models.Invite{
		Email:     strings.ToLower(in.Email),
		Token:     app.NewInviteToken(),
		Role:      in.Role,
		ExpiresAt: time.Now().AddDate(0, 0, in.Expires),
		CreatedBy: actor(c).Email,
	}
	if in.ClassName != "" {
		g, n, err := loans.ParseClassName(in.ClassName)
		if err != nil {
			app.RespondError(c, err)
			return
		}
		inv.Grade, inv.ClassNo = g, n
	}
	if inv.Role == models.RoleHomeroom && inv.Grade == 0 {
		app.Fail(c, http.StatusBadRequest, string(loans.KindValidation), "homeroom invites need className")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := ic.Repo.CreateInvite(ctx, inv); err != nil {
		app.RespondError(c, err)
		return
	}

	// 前端登录页带 inviteToken
	link := strings.TrimRight(ic.WebOrigin, "/") + "/login?inviteToken=" + inv.Token

	// 未配置 SMTP 时只打日志
	if err := sendInviteMail(loadSMTP(), inv.Email, link, in.Expires); err != nil {
		logs.Logger.WithError(err).WithField("email", inv.Email).Warn("invite email failed")
	}

	c.JSON(http.StatusCreated, app.H{
		"token":  inv.Token,
		"link":   link,
		"invite": inv,
	})
}

// -------------------- 邮件发送 --------------------

type smtpConf struct {
	Host     string // SMTP_HOST
	Port     string // SMTP_PORT
	Username string // SMTP_USERNAME
	Password string // SMTP_PASSWORD
	From     string // SMTP_FROM，为空时回退 Username
	AppName  string // APP_NAME
}

func loadSMTP() smtpConf {
	get := func(k, d string) string {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
		return d
	}
	return smtpConf{
		Host:     get("SMTP_HOST", ""),
		Port:     get("SMTP_PORT", "587"),
		Username: get("SMTP_USERNAME", ""),
		Password: get("SMTP_PASSWORD", ""),
		From:     get("SMTP_FROM", ""),
		AppName:  get("APP_NAME", "Laptop Checkout"),
	}
}

func sendInviteMail(conf smtpConf, toEmail, link string, expiresDays int) error {
	if conf.Host == "" || (conf.Username == "" && conf.From == "") {
		logs.Logger.WithFields(logrus.Fields{"email": toEmail, "link": link, "expires_days": expiresDays}).
			Info("SMTP not configured, invite link logged only")
		return nil
	}
	fromAddr := conf.From
	if fromAddr == "" {
		fromAddr = conf.Username
	}

	subject := fmt.Sprintf("%s Invitation", conf.AppName)
	htmlBody := fmt.Sprintf(`
<div style="font-family:Arial,sans-serif; font-size:14px; color:#222">
  <p>Hello,</p>
  <p>You have been invited to <b>%s</b>. Open the link below to create your passkey and sign in:</p>
  <p><a href="%s">%s</a></p>
  <p>This invitation expires in %d day(s).</p>
</div>
`, conf.AppName, link, link, expiresDays)

	msg := buildMIME(conf.AppName, fromAddr, toEmail, subject, htmlBody)
	auth := smtp.PlainAuth("", conf.Username, conf.Password, conf.Host)
	return smtp.SendMail(conf.Host+":"+conf.Port, auth, fromAddr, []string{toEmail}, []byte(msg))
}

func buildMIME(fromName, fromAddr, to, subject, html string) string {
	headers := []string{
		fmt.Sprintf("From: %s <%s>", fromName, fromAddr),
		fmt.Sprintf("To: %s", to),
		fmt.Sprintf("Subject: %s", subject),
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=UTF-8",
	}
	return strings.Join(headers, "\r\n") + "\r\n\r\n" + html
}
