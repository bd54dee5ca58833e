// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStore    — KV backend (Redis when configured, in-process otherwise)
//  2. initServices — settings loader, circuit breaker, metrics, request logger
//  3. initGateway  — proxy gateway + admin and management routes
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/broven/claude-code-fallback-sub000/internal/breaker"
	"github.com/broven/claude-code-fallback-sub000/internal/config"
	"github.com/broven/claude-code-fallback-sub000/internal/logger"
	"github.com/broven/claude-code-fallback-sub000/internal/metrics"
	"github.com/broven/claude-code-fallback-sub000/internal/proxy"
	"github.com/broven/claude-code-fallback-sub000/internal/settings"
	"github.com/broven/claude-code-fallback-sub000/internal/store"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Exactly one of these is non-nil depending on STORE_MODE.
	redisStore *store.RedisStore
	memStore   *store.MemoryStore
	st         store.Store

	loader    *settings.Loader
	br        *breaker.Breaker
	prom      *metrics.Registry
	reqLogger *logger.Logger

	gw   *proxy.Gateway
	mgmt *proxy.ManagementRoutes
	srv  *fasthttp.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", a.initStore},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting proxy",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("store_mode", a.cfg.Store.Mode),
		slog.Bool("admin_enabled", a.cfg.AdminToken != ""),
		slog.Bool("debug", a.cfg.Debug),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := a.srv.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.memStore != nil {
		a.memStore.Close()
		a.memStore = nil
	}
	if a.redisStore != nil {
		if err := a.redisStore.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.redisStore = nil
	}
	a.st = nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
