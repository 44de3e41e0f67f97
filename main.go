package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"Gin_postgres_redis_laptop_checkout/app"
	"Gin_postgres_redis_laptop_checkout/config"
	"Gin_postgres_redis_laptop_checkout/logs"
	"Gin_postgres_redis_laptop_checkout/routes"
)

func main() {
	config.LoadEnv()
	cfg, err := config.Load()
	if err != nil {
		logs.Logger.Fatalf("config: %v", err)
	}
	logs.Init(logs.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	gin.SetMode(gin.ReleaseMode)

	application := app.MustNew(cfg)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application.BootstrapFirstAdmin(ctx)
	application.SeedRegistry(ctx)
	application.Start(ctx)

	routes.RegisterRoutes(application.Router, application)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           application.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logs.Logger.WithField("addr", srv.Addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logs.Logger.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	logs.Logger.Info("shutting down")
	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		logs.Logger.WithError(err).Error("graceful shutdown failed")
	}
}
