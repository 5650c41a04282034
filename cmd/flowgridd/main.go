// Command flowgridd runs a flowgrid worker with the debug API attached.
// Configuration comes from a YAML file (-config), FLOWGRID_* environment
// variables, and an optional .env file in the working directory.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	flowgrid "github.com/taulu/flowgrid"
	"github.com/taulu/flowgrid/internal/breaker"
	"github.com/taulu/flowgrid/internal/cache"
	"github.com/taulu/flowgrid/internal/config"
	"github.com/taulu/flowgrid/internal/debugctl"
	"github.com/taulu/flowgrid/internal/governor"
	"github.com/taulu/flowgrid/internal/persistence"
	"github.com/taulu/flowgrid/internal/taskqueue"
	"github.com/taulu/flowgrid/pkg/debugapi"
	"github.com/taulu/flowgrid/pkg/worker"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("flowgridd exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClients := map[string]*redis.Client{}
	redisFor := func(addr string) *redis.Client {
		if c, ok := redisClients[addr]; ok {
			return c
		}
		c := redis.NewClient(&redis.Options{Addr: addr})
		redisClients[addr] = c
		return c
	}
	defer func() {
		for _, c := range redisClients {
			_ = c.Close()
		}
	}()

	backends, cleanup, err := buildBackends(ctx, cfg, redisFor)
	if err != nil {
		return err
	}
	defer cleanup()

	// Node types come from plugins registered by embedders; the daemon on
	// its own ships none. Deployments extend this registry in their own
	// main package.
	registry := flowgrid.NewRegistry()

	client, err := flowgrid.NewClient(registry, backends, flowgrid.Options{
		DefaultTimeout:  cfg.Engine.DefaultTimeout,
		RetryBudget:     cfg.Engine.RetryBudget,
		RetryBackoff:    cfg.Engine.RetryBackoff,
		CacheTTL:        cfg.Cache.TTL,
		MaxPerUser:      cfg.Limits.MaxPerUser,
		MaxPerWorkspace: cfg.Limits.MaxPerWorkspace,
		BlobThreshold:   cfg.Blobs.Threshold,
		Observer:        flowgrid.NewLoggingObserver(logger),
	})
	if err != nil {
		return err
	}

	pool, err := worker.NewPool(worker.Config{
		Engine:     client.Engine(),
		Queue:      backends.Queue,
		Store:      backends.Store,
		Size:       cfg.Worker.PoolSize,
		StuckAfter: cfg.Worker.StuckAfter,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	if err := pool.Start(ctx); err != nil {
		return err
	}

	debugCfg := debugapi.Config{
		Signals: backends.Signals,
		Store:   backends.Store,
		Queue:   backends.Queue,
		Logger:  logger,
	}
	if len(cfg.Server.AllowedOrigins) > 0 {
		debugCfg.CORS = cors.New(cors.Options{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
		})
	}
	debugSrv, err := debugapi.New(debugCfg)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           debugSrv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("debug api listening", "addr", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-httpErr:
		logger.Error("debug api failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	return pool.Stop(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func buildBackends(ctx context.Context, cfg config.Config, redisFor func(string) *redis.Client) (flowgrid.Backends, func(), error) {
	b := flowgrid.NewInMemoryBackends()
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (flowgrid.Backends, func(), error) {
		cleanup()
		return flowgrid.Backends{}, func() {}, err
	}

	switch cfg.Store.Backend {
	case config.BackendSQLite:
		db, err := sql.Open("sqlite", cfg.Store.SQLitePath)
		if err != nil {
			return fail(fmt.Errorf("open sqlite: %w", err))
		}
		closers = append(closers, func() { _ = db.Close() })
		store, err := persistence.NewSQLiteExecutionStore(db)
		if err != nil {
			return fail(err)
		}
		workflows, err := persistence.NewSQLiteWorkflowStore(db)
		if err != nil {
			return fail(err)
		}
		b.Store, b.Workflows = store, workflows
		if cfg.Queue.Backend == config.BackendSQLite {
			queue, err := taskqueue.NewSQLiteQueue(db)
			if err != nil {
				return fail(err)
			}
			b.Queue = queue
		}
	case config.BackendPostgres:
		db, err := sql.Open("pgx", cfg.Store.PostgresDSN)
		if err != nil {
			return fail(fmt.Errorf("open postgres: %w", err))
		}
		closers = append(closers, func() { _ = db.Close() })
		store, err := persistence.NewPostgresExecutionStore(db)
		if err != nil {
			return fail(err)
		}
		workflows, err := persistence.NewPostgresWorkflowStore(db)
		if err != nil {
			return fail(err)
		}
		b.Store, b.Workflows = store, workflows
	}

	if cfg.Queue.Backend == config.BackendRedis {
		b.Queue = taskqueue.NewRedisQueue(redisFor(cfg.Queue.RedisAddr), "")
		b.Signals = debugctl.NewRedisSignals(redisFor(cfg.Queue.RedisAddr), "")
	}
	if cfg.Cache.Backend == config.BackendRedis {
		b.Cache = cache.NewRedisCache(redisFor(cfg.Cache.RedisAddr), "", cfg.Cache.TTL)
	}
	if cfg.Limits.RedisAddr != "" {
		b.Counters = governor.NewRedisCounters(redisFor(cfg.Limits.RedisAddr), "")
		b.Breaker = breaker.NewRedisBreaker(redisFor(cfg.Limits.RedisAddr), "", breaker.Settings{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
			HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
		})
	}
	if !cfg.Breaker.Enabled {
		b.Breaker = nil
	}

	if cfg.Blobs.Dir != "" {
		blobs, err := flowgrid.NewFSBlobStore(cfg.Blobs.Dir)
		if err != nil {
			return fail(err)
		}
		b.Blobs = blobs
	}

	switch cfg.DeadLet.Backend {
	case config.BackendMongo:
		mc, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(cfg.DeadLet.MongoURI))
		if err != nil {
			return fail(fmt.Errorf("connect mongo: %w", err))
		}
		closers = append(closers, func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mc.Disconnect(dctx)
		})
		b.DeadLetters = flowgrid.NewMongoDeadLetters(mc, "flowgrid", "dead_letters")
	case config.BackendFS:
		dead, err := flowgrid.NewFSDeadLetters(cfg.DeadLet.Dir)
		if err != nil {
			return fail(err)
		}
		b.DeadLetters = dead
	}

	return b, cleanup, nil
}
