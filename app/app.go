package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"Gin_postgres_redis_laptop_checkout/blob"
	"Gin_postgres_redis_laptop_checkout/broadcast"
	"Gin_postgres_redis_laptop_checkout/config"
	"Gin_postgres_redis_laptop_checkout/db"
	"Gin_postgres_redis_laptop_checkout/loans"
	"Gin_postgres_redis_laptop_checkout/logs"
	"Gin_postgres_redis_laptop_checkout/metrics"
	"Gin_postgres_redis_laptop_checkout/session"
)

// 简化别名，便于 handlers 调用
type Ctx = gin.Context
type H = gin.H

// App 聚合各依赖；DB/RDB/WA 在 memory 模式下为 nil
type App struct {
	Router *gin.Engine
	DB     *gorm.DB
	RDB    *redis.Client
	WA     *webauthn.WebAuthn
	Config config.Config

	Repo       *db.Repo
	Store      loans.Store
	Loans      *loans.Service
	Syncer     *loans.RegistrySyncer
	Reconciler *loans.Reconciler
	Signatures *blob.Signatures
	Hub        broadcast.Hub
	Limiter    Limiter
	Metrics    *metrics.Metrics
	Layout     loans.Layout

	appSess    *session.AppSessionStore
	ceremonies *session.Store
}

func (a *App) AppSessions() *session.AppSessionStore { return a.appSess }
func (a *App) Ceremonies() *session.Store            { return a.ceremonies }

// Deps 外部连接；Store 为空时用 DB 或内存实现
type Deps struct {
	DB    *gorm.DB
	RDB   *redis.Client
	Store loans.Store
	Blob  blob.Store
	Clock loans.Clock
}

// MustNew 按配置建立连接并组装
func MustNew(cfg config.Config) *App {
	var d Deps
	if cfg.DBDriver != "memory" {
		conn, err := db.Open(cfg.DBDriver, cfg.DatabaseURL)
		if err != nil {
			logs.Logger.Fatalf("open db: %v", err)
		}
		if err := db.Migrate(conn); err != nil {
			logs.Logger.Fatalf("migrate: %v", err)
		}
		d.DB = conn
		logs.Logger.WithField("driver", cfg.DBDriver).Info("database connected")
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPwd, DB: 0})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logs.Logger.Fatalf("redis: %v", err)
		}
		d.RDB = rdb
	}

	a, err := Build(cfg, d)
	if err != nil {
		logs.Logger.Fatalf("build app: %v", err)
	}
	return a
}

func Build(cfg config.Config, d Deps) (*App, error) {
	ctx := context.Background()
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	a := &App{DB: d.DB, RDB: d.RDB, Config: cfg, Metrics: metrics.New()}
	if d.DB != nil {
		a.Repo = db.NewRepo(d.DB)
	}
	switch {
	case d.Store != nil:
		a.Store = d.Store
	case a.Repo != nil:
		a.Store = a.Repo
	default:
		a.Store = loans.NewMemoryStore()
	}

	if d.RDB != nil {
		a.Hub = broadcast.NewRedisHub(d.RDB)
		a.Limiter = NewRedisLimiter(d.RDB, cfg.RateLimitRequests, cfg.RateLimitWindow)
		a.appSess = session.NewAppSessionStore(d.RDB, 24*time.Hour)
		a.ceremonies = session.NewStore(d.RDB, cfg.SessionTTL)
	} else {
		a.Hub = broadcast.NewMemoryHub()
		a.Limiter = NewMemoryLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
	}

	bs := d.Blob
	if bs == nil {
		var err error
		bs, err = blob.Open(ctx, blob.Config{
			Driver:    cfg.BlobDriver,
			Bucket:    cfg.BlobS3Bucket,
			Region:    cfg.BlobS3Region,
			Endpoint:  cfg.BlobS3Endpoint,
			PathStyle: cfg.BlobS3PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("blob store: %w", err)
		}
	}
	a.Signatures = blob.NewSignatures(bs)

	a.Syncer = loans.NewRegistrySyncer(a.Store, cfg.DefaultDeviceModel)
	opts := []loans.Option{
		loans.WithSyncer(a.Syncer),
		loans.WithSignatures(a.Signatures),
		loans.WithNotifier(a.Hub),
		loans.WithRecorder(a.Metrics),
		loans.WithLocation(cfg.Location),
		loans.WithLogger(logs.Logger.WithField("component", "loans")),
	}
	if d.Clock != nil {
		opts = append(opts, loans.WithClock(d.Clock))
	}
	a.Loans = loans.NewService(a.Store, opts...)
	a.Reconciler = loans.NewReconciler(a.Store, a.Syncer, a.Metrics, cfg.ReconcileInterval)

	if cfg.RPID != "" {
		wa, err := webauthn.New(&webauthn.Config{
			RPDisplayName: "Laptop Checkout",
			RPID:          cfg.RPID,
			RPOrigins:     cfg.RPOrigins,
		})
		if err != nil {
			return nil, fmt.Errorf("webauthn: %w", err)
		}
		a.WA = wa
	}

	if cfg.RegistryLayoutFile != "" {
		l, err := config.LoadLayout(cfg.RegistryLayoutFile)
		if err != nil {
			logs.Logger.WithError(err).Warn("registry layout not loaded, seeding disabled")
		} else {
			if l.Model == "" {
				l.Model = cfg.DefaultDeviceModel
			}
			a.Layout = l
		}
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), a.Metrics.Middleware())
	useCORS(r, cfg.WebOrigin)
	a.Router = r
	return a, nil
}

// Start 启动后台任务：outbox 重放、redis 广播订阅
func (a *App) Start(ctx context.Context) {
	go a.Reconciler.Run(ctx)
	if h, ok := a.Hub.(*broadcast.RedisHub); ok {
		go h.Run(ctx)
	}
}

func (a *App) Close() {
	if a.RDB != nil {
		_ = a.RDB.Close()
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

// NewUserID 新用户 ID（UUID 字符串，WebAuthn userHandle 用其字节）
func NewUserID() string { return uuid.NewString() }
