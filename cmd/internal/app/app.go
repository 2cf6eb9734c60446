// Package app wires the parley server runtime: config, logging, storage,
// HTTP routes, the websocket gateway, the cross-node relay and background jobs.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"parley/cmd/identity"
	"parley/cmd/internal/auth"
	"parley/cmd/internal/jobs"
	"parley/cmd/internal/messaging"
	msgapi "parley/cmd/internal/messaging/api"
	"parley/cmd/internal/metrics"
	"parley/cmd/internal/realtime"

	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
)

// App is the parley server runtime: it owns the HTTP server and every
// long-lived dependency behind it.
type App struct {
	cfg Config
	log Logger

	backend *Backend
	rdb     redis.UniversalClient
	promReg *prometheus.Registry

	svc   *messaging.Service
	ws    *realtime.WSGateway
	api   *msgapi.Handler
	relay *realtime.Relay

	queue  *jobs.QueueNotifier
	worker *jobs.Worker
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	authCfg, err := auth.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("token config (PARLEY_JWT_SECRET must be >= %d bytes unless PARLEY_DEV_MODE): %w", auth.MinSecretBytes, err)
	}
	tokens, err := auth.NewManager(authCfg)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, promReg: newPrometheusRegistry()}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	a.backend, err = OpenBackend(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if a.backend.Kind == "sqlite" || cfg.DBAutoMigrate {
		if err := a.backend.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	if err := a.seedUsers(ctx); err != nil {
		return nil, err
	}

	var users identity.Directory = a.backend.Users
	if cfg.RedisURL != "" {
		a.rdb, err = openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		users = identity.NewCachedDirectory(log, users, identity.NewRedisSummaryCache(a.rdb), cfg.UserCacheTTL)
		log.Info("redis.enabled", "node_id", cfg.NodeID)
	}

	m := metrics.New(a.promReg)
	registry := realtime.NewRegistry(log, m)
	hub := realtime.NewHub(log)

	var pusher messaging.Pusher = realtime.NewFanout(registry, hub)
	if a.rdb != nil {
		a.relay, err = realtime.NewRelay(log, a.rdb, pusher, cfg.NodeID)
		if err != nil {
			return nil, err
		}
		pusher = a.relay
	}

	notifier, err := a.newNotifier(pusher)
	if err != nil {
		return nil, err
	}

	a.svc, err = messaging.NewService(log, a.backend.Store, users,
		messaging.WithPusher(pusher),
		messaging.WithNotifier(notifier),
		messaging.WithMetrics(m),
		messaging.WithPushTimeout(cfg.PushTimeout),
	)
	if err != nil {
		return nil, err
	}

	a.ws, err = realtime.NewWSGateway(log, registry, hub, a.svc, tokens)
	if err != nil {
		return nil, err
	}

	a.api, err = msgapi.NewHandler(log, a.svc, tokens, msgapi.LoadConfigFromEnv())
	if err != nil {
		return nil, err
	}

	return a, nil
}

// newNotifier returns the badge notifier: direct pushes, or the asynq queue
// whose worker performs the same pushes out of band.
func (a *App) newNotifier(pusher messaging.Pusher) (messaging.Notifier, error) {
	direct, err := messaging.NewPushNotifier(pusher, a.backend.Store)
	if err != nil {
		return nil, err
	}
	if !a.cfg.NotifyQueue {
		return direct, nil
	}

	a.queue, err = jobs.NewQueueNotifier(a.log, a.cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	a.worker, err = jobs.NewWorker(a.log, jobs.WorkerConfig{
		RedisURL:    a.cfg.RedisURL,
		Concurrency: a.cfg.NotifyConcurrency,
	}, direct)
	if err != nil {
		return nil, err
	}
	return a.queue, nil
}

func (a *App) seedUsers(ctx context.Context) error {
	entries, err := identity.ParseSeedUsers(a.cfg.DevUsers)
	if err != nil {
		return fmt.Errorf("PARLEY_DEV_USERS: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}
	n, err := identity.Seed(ctx, a.backend.Users, entries)
	if err != nil {
		return fmt.Errorf("seed users: %w", err)
	}
	a.log.Info("identity.seed", "created", n, "requested", len(entries))
	return nil
}

func openRedis(ctx context.Context, rawURL string) (redis.UniversalClient, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := pingRedis(ctx, rdb); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// Handler returns the fully wrapped root handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerHTTP(mux)
	return WithRequestLogging(WithSecurityHeaders(mux), a.log)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}
	srv.RegisterOnShutdown(a.ws.Shutdown)

	bgCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	defer stopBackground()
	var bg sync.WaitGroup

	if a.relay != nil {
		bg.Add(1)
		go func() {
			defer bg.Done()
			if err := a.relay.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("relay.fail", "err", err)
			}
		}()
	}
	if a.worker != nil {
		if err := a.worker.Start(); err != nil {
			a.closeResources()
			return fmt.Errorf("start notify worker: %w", err)
		}
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"store", a.backend.Kind,
		"redis", a.rdb != nil,
		"notify_queue", a.queue != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	// Stops new requests and closes live sessions via RegisterOnShutdown.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		runErr = errors.Join(runErr, err)
	}

	// Persisted messages may still have pushes in flight.
	if err := a.svc.Drain(shutdownCtx); err != nil {
		a.log.Warn("delivery.drain.timeout", "err", err)
	}

	stopBackground()
	bg.Wait()
	a.closeResources()

	a.log.Info("server.stopped")
	return runErr
}

// closeResources releases everything New opened. Safe on a partial App.
func (a *App) closeResources() {
	if a.worker != nil {
		a.worker.Shutdown()
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.log.Warn("jobs.queue.close.fail", "err", err)
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Warn("redis.close.fail", "err", err)
		}
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
