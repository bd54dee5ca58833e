package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/broven/claude-code-fallback-sub000/internal/admin"
	"github.com/broven/claude-code-fallback-sub000/internal/breaker"
	"github.com/broven/claude-code-fallback-sub000/internal/logger"
	"github.com/broven/claude-code-fallback-sub000/internal/metrics"
	"github.com/broven/claude-code-fallback-sub000/internal/proxy"
	"github.com/broven/claude-code-fallback-sub000/internal/settings"
	"github.com/broven/claude-code-fallback-sub000/internal/store"
)

// initStore establishes the KV backend holding runtime configuration and
// breaker state. Redis is only required when STORE_MODE=redis.
func (a *App) initStore(ctx context.Context) error {
	switch a.cfg.Store.Mode {
	case "redis":
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Store.RedisURL)))

		rs, err := store.NewRedisStoreFromURL(ctx, a.cfg.Store.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.redisStore = rs
		a.st = rs
		a.log.Info("store backend: redis")

	case "memory":
		// In-process store — breaker state and admin config are lost on
		// restart and not shared across replicas.
		a.memStore = store.NewMemoryStore(a.baseCtx)
		a.st = a.memStore
		a.log.Info("store backend: memory (in-process)")

	default:
		return fmt.Errorf("unknown store mode: %s", a.cfg.Store.Mode)
	}

	return nil
}

// initServices creates the settings loader, circuit breaker, Prometheus
// registry and the async request logger.
func (a *App) initServices(_ context.Context) error {
	a.loader = settings.NewLoader(a.st, a.log, a.cfg.Debug, a.cfg.CooldownSec)
	a.br = breaker.New(a.st, a.log, a.cfg.Debug)
	a.prom = metrics.New()

	l, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = l

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	a.gw = proxy.New(proxy.Options{
		Loader:      a.loader,
		Breaker:     a.br,
		Metrics:     a.prom,
		Log:         a.log,
		Reqlog:      a.reqLogger,
		PrimaryURL:  a.cfg.PrimaryURL,
		CORSOrigins: a.cfg.CORSOrigins,
	})

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	// Admin API — mounted only when ADMIN_TOKEN is set. The routes are still
	// registered otherwise so callers get a descriptive 403 rather than a 404.
	adminSrv := admin.New(a.st, a.br, a.log, a.cfg.AdminToken, nil)
	a.mgmt.RegisterAdmin = adminSrv.Register

	a.srv = a.gw.Server(a.mgmt)

	return nil
}
