package app

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"Gin_postgres_redis_laptop_checkout/loans"
	"Gin_postgres_redis_laptop_checkout/models"
)

const (
	AppSessionCookie = "app_session"
	ctxActorKey      = "actor"
	ctxUserIDKey     = "userID"
)

var errUnauthorized = errors.New("unauthorized")

// Claims bearer token 载荷；sub 为用户 ID
type Claims struct {
	Email            string `json:"email"`
	Name             string `json:"name,omitempty"`
	Role             string `json:"role"`
	Grade            int    `json:"grade,omitempty"`
	ClassNo          int    `json:"class,omitempty"`
	HomeroomApproved bool   `json:"homeroom_approved,omitempty"`
	jwt.RegisteredClaims
}

// ActorFrom 取 AuthRequired 放进上下文的操作人
func ActorFrom(c *gin.Context) (loans.Actor, bool) {
	v, ok := c.Get(ctxActorKey)
	if !ok {
		return loans.Actor{}, false
	}
	a, ok := v.(loans.Actor)
	return a, ok
}

// AuthRequired 接受 Authorization: Bearer <jwt> 或 app_session cookie
func (a *App) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := a.authenticate(c)
		if err != nil {
			Fail(c, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
			return
		}
		c.Set(ctxActorKey, actor)
		c.Set(ctxUserIDKey, actor.ID)
		c.Next()
	}
}

func (a *App) authenticate(c *gin.Context) (loans.Actor, error) {
	if h := c.GetHeader("Authorization"); h != "" {
		return a.actorFromBearer(h)
	}
	ck, err := c.Request.Cookie(AppSessionCookie)
	if err != nil || ck.Value == "" || a.appSess == nil || a.Repo == nil {
		return loans.Actor{}, errUnauthorized
	}
	ctx := c.Request.Context()
	as, err := a.appSess.Get(ctx, ck.Value)
	if err != nil {
		return loans.Actor{}, errors.New("invalid session")
	}
	// 用户被删除后会话一并作废
	u, err := a.Repo.FindUserByID(ctx, as.UserID)
	if err != nil {
		_ = a.appSess.Delete(ctx, ck.Value)
		return loans.Actor{}, errUnauthorized
	}
	return a.ActorForUser(u), nil
}

func (a *App) actorFromBearer(h string) (loans.Actor, error) {
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return loans.Actor{}, errors.New("invalid Authorization header")
	}
	if len(a.Config.JWTSecret) == 0 {
		return loans.Actor{}, errors.New("bearer tokens are disabled")
	}
	var cl Claims
	tok, err := jwt.ParseWithClaims(strings.TrimSpace(parts[1]), &cl, func(t *jwt.Token) (any, error) {
		return a.Config.JWTSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !tok.Valid || cl.Subject == "" {
		return loans.Actor{}, errors.New("invalid token")
	}
	return a.withAdminEmails(loans.Actor{
		ID:               cl.Subject,
		Email:            strings.ToLower(cl.Email),
		Name:             cl.Name,
		Role:             loans.Role(cl.Role),
		Grade:            cl.Grade,
		ClassNo:          cl.ClassNo,
		HomeroomApproved: cl.HomeroomApproved,
	}), nil
}

// ActorForUser 数据库用户 → 操作人
func (a *App) ActorForUser(u *models.User) loans.Actor {
	return a.withAdminEmails(loans.Actor{
		ID:               u.ID,
		Email:            strings.ToLower(u.Username),
		Name:             u.DisplayName,
		Role:             loans.Role(u.Role),
		Grade:            u.Grade,
		ClassNo:          u.ClassNo,
		HomeroomApproved: u.HomeroomApproved,
	})
}

// ADMIN_EMAILS 里的账号总是管理员
func (a *App) withAdminEmails(act loans.Actor) loans.Actor {
	for _, e := range a.Config.AdminEmails {
		if act.Email != "" && act.Email == e {
			act.Role = loans.RoleAdmin
		}
	}
	return act
}

// IssueToken 给 CLI / 离线客户端签发短期 token
func (a *App) IssueToken(act loans.Actor, ttl time.Duration) (string, error) {
	if len(a.Config.JWTSecret) == 0 {
		return "", errors.New("JWT_SECRET not configured")
	}
	now := time.Now()
	cl := Claims{
		Email:            act.Email,
		Name:             act.Name,
		Role:             string(act.Role),
		Grade:            act.Grade,
		ClassNo:          act.ClassNo,
		HomeroomApproved: act.HomeroomApproved,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   act.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString(a.Config.JWTSecret)
}

// RequireRole 在 AuthRequired 之后使用，按有效角色放行
func RequireRole(roles ...loans.Role) gin.HandlerFunc {
	allowed := map[loans.Role]bool{}
	for _, r := range roles {
		allowed[r] = true
	}
	return func(c *gin.Context) {
		act, ok := ActorFrom(c)
		if !ok {
			Fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return
		}
		if !allowed[act.EffectiveRole()] {
			Fail(c, http.StatusForbidden, string(loans.KindPermission), "forbidden")
			return
		}
		c.Next()
	}
}
