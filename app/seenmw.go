package app

import (
	"time"

	"github.com/gin-gonic/gin"
)

// TouchLastSeen 每个用户每个 throttle 周期最多写一次 last_seen_at；没有 redis/DB 时不做事
func (a *App) TouchLastSeen(throttle time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		act, ok := ActorFrom(c)
		if !ok || act.ID == "" || a.Repo == nil || a.RDB == nil {
			c.Next()
			return
		}
		key := "checkout:lastseen:" + act.ID
		if set, _ := a.RDB.SetNX(c, key, "1", throttle).Result(); set {
			_ = a.Repo.TouchUserSeen(c, act.ID) // 忽略错误，不阻塞请求
		}
		c.Next()
	}
}
