package session

import (
	"context"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/redis/go-redis/v9"
)

// Ceremony 暂存 WebAuthn 注册/登录过程中的 SessionData
type Ceremony string

const (
	CeremonyInvite Ceremony = "reg:inv" // 邀请注册，按 invite token
	CeremonyAdd    Ceremony = "reg:add" // 已登录用户加设备，按用户名
	CeremonyLogin  Ceremony = "auth"    // 登录，按一次性 session id
)

type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store { return &Store{rdb: rdb, ttl: ttl} }

func ceremonyKey(kind Ceremony, id string) string {
	return "checkout:webauthn:" + string(kind) + ":" + id
}

func (s *Store) Save(ctx context.Context, kind Ceremony, id string, sd *webauthn.SessionData) error {
	return setJSON(ctx, s.rdb, ceremonyKey(kind, id), sd, s.ttl)
}

func (s *Store) Load(ctx context.Context, kind Ceremony, id string) (*webauthn.SessionData, error) {
	var sd webauthn.SessionData
	if err := getJSON(ctx, s.rdb, ceremonyKey(kind, id), &sd); err != nil {
		return nil, err
	}
	return &sd, nil
}

// Take 读取后删除；同一 challenge 只能用一次
func (s *Store) Take(ctx context.Context, kind Ceremony, id string) (*webauthn.SessionData, error) {
	sd, err := s.Load(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	_ = s.rdb.Del(ctx, ceremonyKey(kind, id)).Err()
	return sd, nil
}
