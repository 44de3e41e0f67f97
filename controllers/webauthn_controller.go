// controllers/webauthn_controller.go
package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"Gin_postgres_redis_laptop_checkout/app"
	"Gin_postgres_redis_laptop_checkout/models"
	"Gin_postgres_redis_laptop_checkout/session"
)

// GET /webauthn/whoami
func (s *Srv) WhoAmI(c *gin.Context) {
	a := actor(c)
	c.JSON(http.StatusOK, app.H{
		"userID":        a.ID,
		"email":         a.Email,
		"name":          a.Name,
		"role":          a.Role,
		"effectiveRole": a.EffectiveRole(),
		"className":     a.ClassName(),
	})
}

// POST /webauthn/logout
func (s *Srv) Logout(c *gin.Context) {
	if ck, err := c.Request.Cookie(app.AppSessionCookie); err == nil && ck.Value != "" && s.AppSess != nil {
		_ = s.AppSess.Delete(c.Request.Context(), ck.Value)
	}
	s.setAppCookie(c.Writer, "", -time.Second)
	c.JSON(http.StatusOK, app.H{"ok": true})
}

// POST /api/token：给 loanctl 之类的客户端换一个 bearer token
func (s *Srv) IssueToken(c *gin.Context) {
	ttl := 12 * time.Hour
	tok, err := s.App.IssueToken(actor(c), ttl)
	if err != nil {
		app.Fail(c, http.StatusServiceUnavailable, "TOKENS_DISABLED", err.Error())
		return
	}
	c.JSON(http.StatusOK, app.H{"token": tok, "expiresIn": int(ttl / time.Second)})
}

func registrationOptions() []webauthn.RegistrationOption {
	return []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			UserVerification: protocol.VerificationRequired,
		}),
	}
}

// openInvite 邀请存在、未使用、未过期
func (s *Srv) openInvite(ctx context.Context, token string) (*models.Invite, bool) {
	inv, err := s.Repo.GetInviteByToken(ctx, token)
	if err != nil || inv.UsedAt != nil || time.Now().After(inv.ExpiresAt) {
		return nil, false
	}
	return inv, true
}

// ===== 注册（邀请制） =====

func (s *Srv) BeginRegistration(c *gin.Context) {
	var in struct {
		InviteToken string `json:"inviteToken" binding:"required"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	inv, ok := s.openInvite(ctx, in.InviteToken)
	if !ok {
		app.Fail(c, http.StatusForbidden, "INVITE_INVALID", "invalid or expired invite")
		return
	}
	// 用户名强制 = 邀请邮箱；角色、班级来自邀请
	u, err := s.Repo.FindOrCreateUser(ctx, inv, app.NewUserID())
	if err != nil {
		app.RespondError(c, err)
		return
	}

	opts, sd, err := s.WA.BeginRegistration(s.waUserFor(ctx, u), registrationOptions()...)
	if err != nil {
		app.RespondError(c, err)
		return
	}
	if err := s.Sess.Save(ctx, session.CeremonyInvite, in.InviteToken, sd); err != nil {
		app.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, app.H{"opts": opts})
}

func (s *Srv) FinishRegistration(c *gin.Context) {
	token := c.Query("inviteToken")
	if token == "" {
		app.Fail(c, http.StatusBadRequest, "VALIDATION", "missing inviteToken")
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	inv, ok := s.openInvite(ctx, token)
	if !ok {
		app.Fail(c, http.StatusForbidden, "INVITE_INVALID", "invalid or expired invite")
		return
	}
	wUser, err := s.loadWAUserByUsername(ctx, inv.Email)
	if err != nil {
		app.Fail(c, http.StatusNotFound, "NOT_FOUND", "user not found")
		return
	}
	sd, err := s.Sess.Take(ctx, session.CeremonyInvite, token)
	if err != nil {
		app.Fail(c, http.StatusBadRequest, "SESSION_EXPIRED", "session expired or invalid")
		return
	}
	cred, err := s.WA.FinishRegistration(wUser, *sd, c.Request)
	if err != nil {
		app.Fail(c, http.StatusBadRequest, "WEBAUTHN", err.Error())
		return
	}
	if err := s.Repo.AddCredential(ctx, fromWaCred(wUser.user.ID, cred)); err != nil {
		app.RespondError(c, err)
		return
	}
	_ = s.Repo.MarkInviteUsed(ctx, token)

	// 注册即登录
	if err := s.issueSession(ctx, c.Writer, wUser.user.ID, c.ClientIP(), c.Request.UserAgent()); err != nil {
		app.Fail(c, http.StatusInternalServerError, "INTERNAL", "create app session failed")
		return
	}
	c.JSON(http.StatusOK, app.H{"ok": true, "username": wUser.user.Username})
}

// ===== 添加新凭据（已登录） =====

func (s *Srv) BeginAddCredential(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	wUser, err := s.loadWAUserByID(ctx, actor(c).ID)
	if err != nil {
		app.Fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	opts, sd, err := s.WA.BeginRegistration(wUser, registrationOptions()...)
	if err != nil {
		app.RespondError(c, err)
		return
	}
	if err := s.Sess.Save(ctx, session.CeremonyAdd, wUser.user.ID, sd); err != nil {
		app.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, app.H{"opts": opts})
}

func (s *Srv) FinishAddCredential(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	wUser, err := s.loadWAUserByID(ctx, actor(c).ID)
	if err != nil {
		app.Fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	sd, err := s.Sess.Take(ctx, session.CeremonyAdd, wUser.user.ID)
	if err != nil {
		app.Fail(c, http.StatusBadRequest, "SESSION_EXPIRED", "session expired or invalid")
		return
	}
	cred, err := s.WA.FinishRegistration(wUser, *sd, c.Request)
	if err != nil {
		app.Fail(c, http.StatusBadRequest, "WEBAUTHN", err.Error())
		return
	}
	if err := s.Repo.AddCredential(ctx, fromWaCred(wUser.user.ID, cred)); err != nil {
		app.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, app.H{"ok": true})
}

// ===== 登录 =====

type loginBeginReq struct {
	Username     string `json:"username"`
	Discoverable bool   `json:"discoverable"`
}
type loginBeginResp struct {
	Options   *protocol.CredentialAssertion `json:"options"`
	SessionID string                        `json:"sessionId"`
}

func (s *Srv) BeginLogin(c *gin.Context) {
	var req loginBeginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	var (
		opts *protocol.CredentialAssertion
		sd   *webauthn.SessionData
		err  error
	)
	if req.Discoverable {
		opts, sd, err = s.WA.BeginDiscoverableLogin(webauthn.WithUserVerification(protocol.VerificationRequired))
	} else {
		wUser, lerr := s.loadWAUserByUsername(ctx, req.Username)
		if lerr != nil {
			app.Fail(c, http.StatusNotFound, "NOT_FOUND", "user not found")
			return
		}
		opts, sd, err = s.WA.BeginLogin(wUser, webauthn.WithUserVerification(protocol.VerificationRequired))
	}
	if err != nil {
		app.RespondError(c, err)
		return
	}

	sid := uuid.NewString()
	if err := s.Sess.Save(ctx, session.CeremonyLogin, sid, sd); err != nil {
		app.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, loginBeginResp{Options: opts, SessionID: sid})
}

func (s *Srv) FinishLogin(c *gin.Context) {
	sid := c.Query("sessionId")
	if sid == "" {
		app.Fail(c, http.StatusBadRequest, "VALIDATION", "missing sessionId")
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	sd, err := s.Sess.Take(ctx, session.CeremonyLogin, sid)
	if err != nil {
		app.Fail(c, http.StatusBadRequest, "SESSION_EXPIRED", "session expired or invalid")
		return
	}

	var (
		userID string
		cred   *webauthn.Credential
	)
	if username := c.Query("username"); username != "" {
		wUser, lerr := s.loadWAUserByUsername(ctx, username)
		if lerr != nil {
			app.Fail(c, http.StatusNotFound, "NOT_FOUND", "user not found")
			return
		}
		cred, err = s.WA.FinishLogin(wUser, *sd, c.Request)
		userID = wUser.user.ID
	} else {
		handler := func(rawID, _ []byte) (webauthn.User, error) {
			u, ferr := s.Repo.FindUserByCredentialID(ctx, rawID)
			if ferr != nil {
				return nil, protocol.ErrBadRequest.WithDetails("credential not found")
			}
			return s.waUserFor(ctx, u), nil
		}
		var user webauthn.User
		user, cred, err = s.WA.FinishPasskeyLogin(handler, *sd, c.Request)
		if err == nil {
			userID = user.(*waUser).user.ID
		}
	}
	if err != nil {
		app.Fail(c, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
		return
	}
	_ = s.Repo.MarkCredentialUsed(ctx, cred.ID, cred.Authenticator.SignCount, cred.Authenticator.CloneWarning)

	if err := s.issueSession(ctx, c.Writer, userID, c.ClientIP(), c.Request.UserAgent()); err != nil {
		app.Fail(c, http.StatusInternalServerError, "INTERNAL", "create app session failed")
		return
	}
	c.JSON(http.StatusOK, app.H{"ok": true, "redirect": "/dashboard"})
}
