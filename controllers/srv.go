// controllers/srv.go
package controllers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"Gin_postgres_redis_laptop_checkout/app"
	"Gin_postgres_redis_laptop_checkout/db"
	"Gin_postgres_redis_laptop_checkout/loans"
	"Gin_postgres_redis_laptop_checkout/models"
	"Gin_postgres_redis_laptop_checkout/session"
)

// Srv 所有 handler 共用的依赖入口
type Srv struct {
	App       *app.App
	WA        *webauthn.WebAuthn
	Repo      *db.Repo
	Sess      *session.Store
	AppSess   *session.AppSessionStore
	Loans     *loans.Service
	WebOrigin string
}

func GetSrv(a *app.App) *Srv {
	return &Srv{
		App:       a,
		WA:        a.WA,
		Repo:      a.Repo,
		Sess:      a.Ceremonies(),
		AppSess:   a.AppSessions(),
		Loans:     a.Loans,
		WebOrigin: a.Config.WebOrigin,
	}
}

// --- helpers ---

// actor 必须在 AuthRequired 之后调用
func actor(c *gin.Context) loans.Actor {
	a, _ := app.ActorFrom(c)
	return a
}

// ?limit=&offset=
func page(c *gin.Context) loans.Page {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	return loans.Page{Limit: limit, Offset: offset}.Normalize()
}

func badRequest(c *gin.Context, err error) {
	app.Fail(c, http.StatusBadRequest, string(loans.KindValidation), err.Error())
}

// 统一设置业务会话 Cookie
func (s *Srv) setAppCookie(w http.ResponseWriter, sessionID string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     app.AppSessionCookie,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   strings.HasPrefix(s.WebOrigin, "https://"),
		MaxAge:   int(maxAge / time.Second),
	})
}

// 登录成功：创建会话 + 记录登录快照
func (s *Srv) issueSession(ctx context.Context, w http.ResponseWriter, userID, ip, ua string) error {
	_ = s.Repo.TouchUserLogin(ctx, userID, ip, ua) // 不阻塞
	id := uuid.NewString()
	if err := s.AppSess.Create(ctx, id, userID); err != nil {
		return err
	}
	s.setAppCookie(w, id, s.AppSess.TTL())
	return nil
}

// WebAuthn: DB user -> waUser
type waUser struct {
	user  models.User
	creds []webauthn.Credential
}

func (u *waUser) WebAuthnID() []byte                         { id, _ := uuid.Parse(u.user.ID); return id[:] }
func (u *waUser) WebAuthnName() string                       { return u.user.Username }
func (u *waUser) WebAuthnDisplayName() string                { return u.user.DisplayName }
func (u *waUser) WebAuthnCredentials() []webauthn.Credential { return u.creds }

func toWaCred(c models.Credential) webauthn.Credential {
	return webauthn.Credential{
		ID:              c.CredentialID,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		Authenticator: webauthn.Authenticator{
			AAGUID:       c.AAGUID,
			SignCount:    c.SignCount,
			CloneWarning: c.CloneWarning,
		},
		Flags: webauthn.CredentialFlags{
			BackupEligible: c.BackupEligible,
			BackupState:    c.BackupState,
		},
	}
}

func fromWaCred(userID string, cred *webauthn.Credential) *models.Credential {
	return &models.Credential{
		UserID:          userID,
		CredentialID:    cred.ID,
		PublicKey:       cred.PublicKey,
		AttestationType: cred.AttestationType,
		AAGUID:          cred.Authenticator.AAGUID,
		SignCount:       cred.Authenticator.SignCount,
		CloneWarning:    cred.Authenticator.CloneWarning,
		BackupEligible:  cred.Flags.BackupEligible,
		BackupState:     cred.Flags.BackupState,
	}
}

func (s *Srv) waUserFor(ctx context.Context, u *models.User) *waUser {
	cs, _ := s.Repo.LoadUserCredentials(ctx, u.ID)
	ws := make([]webauthn.Credential, 0, len(cs))
	for _, c := range cs {
		ws = append(ws, toWaCred(c))
	}
	return &waUser{user: *u, creds: ws}
}

func (s *Srv) loadWAUserByID(ctx context.Context, id string) (*waUser, error) {
	u, err := s.Repo.FindUserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.waUserFor(ctx, u), nil
}

func (s *Srv) loadWAUserByUsername(ctx context.Context, username string) (*waUser, error) {
	u, err := s.Repo.FindUserByUsername(ctx, strings.ToLower(username))
	if err != nil {
		return nil, err
	}
	return s.waUserFor(ctx, u), nil
}
