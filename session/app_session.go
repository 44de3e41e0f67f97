// Package session keeps browser sessions and WebAuthn ceremonies in redis.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoSession 会话不存在或已过期
var ErrNoSession = errors.New("session not found")

type AppSessionStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

func NewAppSessionStore(rdb *redis.Client, ttl time.Duration) *AppSessionStore {
	return &AppSessionStore{rdb: rdb, ttl: ttl, now: time.Now}
}

type AppSession struct {
	UserID    string `json:"uid"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

func (s *AppSessionStore) TTL() time.Duration { return s.ttl }

func sessKey(id string) string      { return "checkout:sess:" + id }
func userSessKey(uid string) string { return "checkout:user_sessions:" + uid }

// Create 写会话并登记到用户的会话集合，方便整体撤销
func (s *AppSessionStore) Create(ctx context.Context, id, userID string) error {
	now := s.now()
	b, err := json.Marshal(AppSession{UserID: userID, IssuedAt: now.Unix(), ExpiresAt: now.Add(s.ttl).Unix()})
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, sessKey(id), b, s.ttl)
	pipe.SAdd(ctx, userSessKey(userID), id)
	pipe.Expire(ctx, userSessKey(userID), s.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *AppSessionStore) Get(ctx context.Context, id string) (*AppSession, error) {
	var as AppSession
	if err := getJSON(ctx, s.rdb, sessKey(id), &as); err != nil {
		return nil, err
	}
	return &as, nil
}

func (s *AppSessionStore) Delete(ctx context.Context, id string) error {
	as, _ := s.Get(ctx, id)
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, sessKey(id))
	if as != nil {
		pipe.SRem(ctx, userSessKey(as.UserID), id)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// RevokeAllForUser 删除用户或改角色时调用，旧 cookie 立即失效
func (s *AppSessionStore) RevokeAllForUser(ctx context.Context, userID string) error {
	ids, err := s.rdb.SMembers(ctx, userSessKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	pipe := s.rdb.TxPipeline()
	for _, sid := range ids {
		pipe.Del(ctx, sessKey(sid))
	}
	pipe.Del(ctx, userSessKey(userID))
	_, err = pipe.Exec(ctx)
	return err
}

func getJSON(ctx context.Context, rdb *redis.Client, key string, v any) error {
	b, err := rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNoSession
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func setJSON(ctx context.Context, rdb *redis.Client, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, key, b, ttl).Err()
}
