package controllers

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"Gin_postgres_redis_laptop_checkout/app"
	"Gin_postgres_redis_laptop_checkout/loans"
)

const sseHeartbeat = 25 * time.Second

type EventsController struct{ *Srv }

func GetEventsController(s *Srv) *EventsController { return &EventsController{Srv: s} }

// GET /api/events?topic=loans|devices
// 只推 {topic,id,status}，客户端收到后自己重新拉列表
// loans 话题按 actor 可见范围过滤
func (ec *EventsController) Stream(c *gin.Context) {
	topic := c.DefaultQuery("topic", loans.TopicLoans)
	if topic != loans.TopicLoans && topic != loans.TopicDevices {
		app.Fail(c, http.StatusBadRequest, string(loans.KindValidation), "topic must be loans or devices")
		return
	}
	who := actor(c)
	ch, cancel := ec.App.Hub.Subscribe(topic)
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	tick := time.NewTicker(sseHeartbeat)
	defer tick.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			// 学生只收到自己的借用，班级老师只收到本班的
			if topic == loans.TopicLoans && !ec.Loans.Visible(c.Request.Context(), who, ev.ID) {
				return true
			}
			c.SSEvent(topic, ev)
			return true
		case <-tick.C:
			c.SSEvent("ping", time.Now().Unix())
			return true
		}
	})
}
