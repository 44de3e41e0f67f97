// Package blob stores signature images and other small binary attachments.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

type Driver string

const (
	DriverMemory Driver = "memory"
	DriverS3     Driver = "s3"
)

type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	ContentType  string            `json:"contentType,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"lastModified"`
}

// Store 单桶、key 直接映射对象名
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Head(ctx context.Context, key string) (Info, error)
	Delete(ctx context.Context, key string) (bool, error)
	PresignURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	Driver() Driver
}

var (
	ErrNotFound    = errors.New("blob: not found")
	ErrUnsupported = errors.New("blob: unsupported operation")
)

type Config struct {
	Driver    string
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// Open 按 driver 选择实现；未知 driver 报错
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch Driver(cfg.Driver) {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverS3:
		return NewS3(ctx, S3Config{Bucket: cfg.Bucket, Region: cfg.Region, Endpoint: cfg.Endpoint, PathStyle: cfg.PathStyle})
	}
	return nil, errors.New("blob: unknown driver " + cfg.Driver)
}
