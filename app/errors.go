package app

import (
	"errors"

	"github.com/gin-gonic/gin"

	"Gin_postgres_redis_laptop_checkout/loans"
	"Gin_postgres_redis_laptop_checkout/logs"
)

// Fail 统一错误体 {"error":{"code","message"}}
func Fail(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, H{"error": H{"code": code, "message": message}})
}

// RespondError 把领域错误映射成 HTTP 状态；内部错误只记日志不外露
func RespondError(c *gin.Context, err error) {
	status := loans.HTTPStatus(err)
	kind := loans.KindOf(err)
	msg := "internal error"
	var de *loans.Error
	if errors.As(err, &de) && kind != loans.KindInternal {
		msg = de.Message
	}
	if kind == loans.KindInternal {
		logs.Logger.WithError(err).WithField("path", c.Request.URL.Path).Error("request failed")
	}
	Fail(c, status, string(kind), msg)
}
