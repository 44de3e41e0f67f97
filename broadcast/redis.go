package broadcast

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"Gin_postgres_redis_laptop_checkout/logs"
)

const channelPrefix = "checkout:events:"

// RedisHub 通过 redis pub/sub 在多实例间广播，本地再用 MemoryHub 分发
type RedisHub struct {
	rdb   *redis.Client
	local *MemoryHub
	log   logrus.FieldLogger
}

func NewRedisHub(rdb *redis.Client) *RedisHub {
	return &RedisHub{rdb: rdb, local: NewMemoryHub(), log: logs.Logger.WithField("component", "broadcast")}
}

func (h *RedisHub) Notify(ctx context.Context, topic, id, status string) {
	ev := Event{Topic: topic, ID: id, Status: status, At: time.Now().UTC()}
	buf, _ := json.Marshal(ev)
	if err := h.rdb.Publish(ctx, channelPrefix+topic, buf).Err(); err != nil {
		// redis 不可用时至少本实例的订阅者能收到
		h.log.WithError(err).Warn("publish event failed, delivering locally")
		h.local.deliver(ev)
	}
}

func (h *RedisHub) Subscribe(topic string) (<-chan Event, func()) {
	return h.local.Subscribe(topic)
}

// Run 阻塞直到 ctx 结束
func (h *RedisHub) Run(ctx context.Context) {
	ps := h.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer ps.Close()
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				h.log.WithError(err).Warn("bad event payload")
				continue
			}
			if ev.Topic == "" {
				ev.Topic = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			h.local.deliver(ev)
		}
	}
}
