// Package broadcast fans loan and device changes out to live subscribers.
package broadcast

import (
	"context"
	"sync"
	"time"
)

type Event struct {
	Topic  string    `json:"topic"`
	ID     string    `json:"id"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

type Hub interface {
	Notify(ctx context.Context, topic, id, status string)
	Subscribe(topic string) (<-chan Event, func())
}

const bufferSize = 16

// MemoryHub 单进程广播；订阅者读得慢时丢弃，不阻塞写路径
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: map[string]map[chan Event]struct{}{}}
}

func (h *MemoryHub) Notify(_ context.Context, topic, id, status string) {
	h.deliver(Event{Topic: topic, ID: id, Status: status, At: time.Now().UTC()})
}

func (h *MemoryHub) deliver(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[ev.Topic] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *MemoryHub) Subscribe(topic string) (<-chan Event, func()) {
	ch := make(chan Event, bufferSize)
	h.mu.Lock()
	if h.subs[topic] == nil {
		h.subs[topic] = map[chan Event]struct{}{}
	}
	h.subs[topic][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[topic], ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers 当前订阅数
func (h *MemoryHub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}
