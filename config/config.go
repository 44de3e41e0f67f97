package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"Gin_postgres_redis_laptop_checkout/loans"
)

// Config 从环境变量（以及可选的 .env）读取
type Config struct {
	Port string

	DBDriver    string // postgres | mysql | memory
	DatabaseURL string

	RedisAddr string
	RedisPwd  string

	WebOrigin      string
	RPID           string
	RPOrigins      []string
	SessionTTL     time.Duration
	AdminEmails    []string
	BootstrapEmail string
	JWTSecret      []byte // 为空时 bearer token 不可用，只能走 passkey 会话

	LogLevel  string
	LogFormat string
	LogFile   string

	RateLimitRequests int
	RateLimitWindow   time.Duration

	DefaultDeviceModel string
	RegistryLayoutFile string
	SeedRegistry       bool
	ReconcileInterval  time.Duration

	BlobDriver      string // memory | s3
	BlobS3Bucket    string
	BlobS3Region    string
	BlobS3Endpoint  string
	BlobS3PathStyle bool

	Location *time.Location
}

// LoadEnv 读取 .env，不存在时忽略
func LoadEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
}

func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "3001")
	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("DB_HOST", "127.0.0.1")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_NAME", "laptop_checkout")
	v.SetDefault("REDIS_ADDR", "127.0.0.1:6379")
	v.SetDefault("WEB_ORIGIN", "http://localhost:3000")
	v.SetDefault("RP_ID", "localhost")
	v.SetDefault("SESSION_TTL_SECONDS", 600)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("RATE_LIMIT_REQUESTS", 10)
	v.SetDefault("RATE_LIMIT_WINDOW_SECONDS", 60)
	v.SetDefault("DEFAULT_DEVICE_MODEL", loans.DefaultDeviceModel)
	v.SetDefault("REGISTRY_LAYOUT_FILE", "config/registry.yaml")
	v.SetDefault("SEED_REGISTRY", false)
	v.SetDefault("RECONCILE_INTERVAL_SECONDS", 30)
	v.SetDefault("BLOB_DRIVER", "memory")
	v.SetDefault("BLOB_S3_REGION", "us-east-1")
	v.SetDefault("TIMEZONE", "Local")

	cfg := Config{
		Port:               v.GetString("PORT"),
		DBDriver:           strings.ToLower(v.GetString("DB_DRIVER")),
		DatabaseURL:        v.GetString("DATABASE_URL"),
		RedisAddr:          v.GetString("REDIS_ADDR"),
		RedisPwd:           v.GetString("REDIS_PASSWORD"),
		WebOrigin:          v.GetString("WEB_ORIGIN"),
		RPID:               v.GetString("RP_ID"),
		RPOrigins:          splitCSV(v.GetString("RP_ORIGINS"), false),
		SessionTTL:         time.Duration(v.GetInt("SESSION_TTL_SECONDS")) * time.Second,
		AdminEmails:        splitCSV(v.GetString("ADMIN_EMAILS"), true),
		BootstrapEmail:     strings.ToLower(strings.TrimSpace(v.GetString("BOOTSTRAP_EMAIL"))),
		JWTSecret:          []byte(v.GetString("JWT_SECRET")),
		LogLevel:           v.GetString("LOG_LEVEL"),
		LogFormat:          v.GetString("LOG_FORMAT"),
		LogFile:            v.GetString("LOG_FILE"),
		RateLimitRequests:  v.GetInt("RATE_LIMIT_REQUESTS"),
		RateLimitWindow:    time.Duration(v.GetInt("RATE_LIMIT_WINDOW_SECONDS")) * time.Second,
		DefaultDeviceModel: v.GetString("DEFAULT_DEVICE_MODEL"),
		RegistryLayoutFile: v.GetString("REGISTRY_LAYOUT_FILE"),
		SeedRegistry:       v.GetBool("SEED_REGISTRY"),
		ReconcileInterval:  time.Duration(v.GetInt("RECONCILE_INTERVAL_SECONDS")) * time.Second,
		BlobDriver:         strings.ToLower(v.GetString("BLOB_DRIVER")),
		BlobS3Bucket:       v.GetString("BLOB_S3_BUCKET"),
		BlobS3Region:       v.GetString("BLOB_S3_REGION"),
		BlobS3Endpoint:     v.GetString("BLOB_S3_ENDPOINT"),
		BlobS3PathStyle:    v.GetBool("BLOB_S3_PATH_STYLE"),
	}
	if len(cfg.RPOrigins) == 0 {
		cfg.RPOrigins = []string{cfg.WebOrigin}
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = buildDSN(cfg.DBDriver, v)
	}

	loc, err := time.LoadLocation(v.GetString("TIMEZONE"))
	if err != nil {
		return Config{}, fmt.Errorf("TIMEZONE: %w", err)
	}
	cfg.Location = loc

	if cfg.RateLimitRequests <= 0 || cfg.RateLimitWindow <= 0 {
		return Config{}, fmt.Errorf("rate limit must be positive (got %d per %s)", cfg.RateLimitRequests, cfg.RateLimitWindow)
	}
	return cfg, nil
}

func buildDSN(driver string, v *viper.Viper) string {
	switch driver {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
			v.GetString("DB_USER"), v.GetString("DB_PASSWORD"), v.GetString("DB_HOST"), v.GetString("DB_PORT"), v.GetString("DB_NAME"))
	case "postgres":
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
			v.GetString("DB_HOST"), v.GetString("DB_USER"), v.GetString("DB_PASSWORD"), v.GetString("DB_NAME"), v.GetString("DB_PORT"))
	}
	return ""
}

func splitCSV(s string, lower bool) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if lower {
			p = strings.ToLower(p)
		}
		out = append(out, p)
	}
	return out
}

// LoadLayout 读取设备编排文件（年级 × 班级 × 座号）
func LoadLayout(path string) (loans.Layout, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return loans.Layout{}, fmt.Errorf("read registry layout: %w", err)
	}
	var l loans.Layout
	if err := yaml.Unmarshal(buf, &l); err != nil {
		return loans.Layout{}, fmt.Errorf("parse registry layout: %w", err)
	}
	if err := l.Validate(); err != nil {
		return loans.Layout{}, err
	}
	return l, nil
}
