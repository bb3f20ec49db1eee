package types

import (
	"context"
	"net/http"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/canopy-network/statex/pkg/codes"
	"github.com/canopy-network/statex/pkg/db"
	"github.com/canopy-network/statex/pkg/engine"
	"github.com/canopy-network/statex/pkg/redis"
)

// User is an admin account. Hash is a bcrypt hash.
type User struct {
	Username string `json:"username"`
	Hash     []byte `json:"hash"`
	Role     string `json:"role"`
}

type App struct {
	Store    db.Store
	Engine   *engine.Engine
	Entities *codes.EntityCache
	// Pool runs prefetch fan-out for every request.
	Pool pond.Pool
	// RedisClient feeds the live notification hub. Nil disables it.
	RedisClient *redis.Client

	// Cron refreshes the latest block on CronSpec.
	Cron     *cron.Cron
	CronSpec string

	Logger *zap.Logger
	Server *http.Server

	// Background runs alongside the server until shutdown.
	Background []func(ctx context.Context)
}

// Start serves until ctx is canceled, then shuts everything down.
func (a *App) Start(ctx context.Context) {
	if a.Cron != nil {
		a.Cron.Start()
		a.Logger.Info("Cron started", zap.String("cronSpec", a.CronSpec))
	}
	for _, run := range a.Background {
		go run(ctx)
	}
	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.Error("Server stopped", zap.Error(err))
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = a.Server.Shutdown(shutdownCtx)
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
	if a.Pool != nil {
		a.Pool.StopAndWait()
	}
	if a.RedisClient != nil {
		_ = a.RedisClient.Close()
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Error("Failed to close store", zap.Error(err))
	}
	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("Query server stopped")
}
