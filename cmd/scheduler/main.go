package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/post-scheduler/internal/api"
	"github.com/LeventeLantos/post-scheduler/internal/cache"
	"github.com/LeventeLantos/post-scheduler/internal/client"
	"github.com/LeventeLantos/post-scheduler/internal/config"
	"github.com/LeventeLantos/post-scheduler/internal/connectivity"
	"github.com/LeventeLantos/post-scheduler/internal/governor"
	"github.com/LeventeLantos/post-scheduler/internal/offline"
	"github.com/LeventeLantos/post-scheduler/internal/repo"
	"github.com/LeventeLantos/post-scheduler/internal/scheduler"
	"github.com/LeventeLantos/post-scheduler/internal/service"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.LoadAll()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("post scheduler exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	slog.Info("post scheduler starting",
		"addr", cfg.Server.Address,
		"interval", cfg.Scheduler.Interval.String(),
		"batch", cfg.Scheduler.BatchSize,
		"tier", cfg.Rules.RateTier,
		"postgres", cfg.Database.PostgresURL != "",
		"redis", cfg.Redis.Enabled,
		"offline_db", cfg.Offline.DBPath,
	)

	rules := repo.Rules{ContentMax: cfg.Rules.ContentMax, Grace: cfg.Rules.Grace, Now: time.Now}
	posts, closePosts, err := openPosts(ctx, cfg.Database, rules)
	if err != nil {
		return err
	}
	defer closePosts()

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
	}

	tier, err := loadTier(cfg.Rules)
	if err != nil {
		return err
	}
	var budgets governor.BudgetStore = governor.NewMemoryStore()
	if rdb != nil {
		budgets = governor.NewRedisStore(rdb)
	}
	gov := governor.New(budgets, tier)

	actions, closeActions, err := openOfflineStore(ctx, cfg.Offline)
	if err != nil {
		return err
	}
	defer closeActions()

	buffer := offline.New(actions,
		offline.WithMaxAttempts(cfg.Offline.MaxAttempts),
		offline.WithRatePerSec(cfg.Offline.FlushRPS),
	)

	pub := client.NewHTTPPublisher(cfg.Publisher.URL, cfg.Publisher.HealthURL, cfg.Publisher.Token, cfg.Publisher.Timeout)

	disp := service.NewDispatcher(posts, gov, pub).
		WithRetryQueue(buffer).
		WithTimeout(cfg.Publisher.Timeout).
		WithContentMax(cfg.Rules.ContentMax)
	coord := service.NewCoordinator(posts, disp, cfg.Scheduler.BatchSize)
	if rdb != nil {
		rc := cache.NewRedisCache(rdb, cfg.Redis.TTL)
		disp.WithCache(rc)
		lockTTL := max(cfg.Scheduler.Interval, 2*cfg.Publisher.Timeout)
		coord.WithCache(rc).WithTickLock(redislock.New(rdb), lockTTL)
	}
	replayer := service.NewReplayer(posts, disp)

	monitor := connectivity.New(pub, func(ctx context.Context) {
		res, err := buffer.Flush(ctx, replayer)
		if err != nil {
			slog.Error("offline flush failed", "error", err)
			return
		}
		slog.Info("offline flush finished",
			"succeeded", len(res.Succeeded),
			"failed", len(res.Failed),
			"dead_lettered", len(res.DeadLettered),
			"deferred", res.Deferred,
			"interrupted", res.Interrupted,
		)
	}).WithBacklog(func(ctx context.Context) (int, error) {
		pending, err := buffer.Pending(ctx)
		return len(pending), err
	})
	if err := monitor.Start(cfg.Connectivity.ProbeSpec); err != nil {
		return err
	}
	defer monitor.Stop()

	sched, err := scheduler.New(cfg.Scheduler.Interval, coord.RunTick)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	h := api.NewHandler(api.Deps{
		Scheduler:    sched,
		Coordinator:  coord,
		Posts:        posts,
		Governor:     gov,
		Buffer:       buffer,
		Replayer:     replayer,
		Connectivity: monitor,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(h)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openPosts(ctx context.Context, cfg config.DatabaseConfig, rules repo.Rules) (repo.PostRepository, func(), error) {
	if cfg.PostgresURL == "" {
		slog.Warn("POSTGRES_URL not set, queue store is in memory")
		return repo.NewMemoryPostRepo(rules), func() {}, nil
	}

	db, err := repo.OpenPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, nil, err
	}
	pg := repo.NewPostgresPostRepo(db, rules)
	if err := pg.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return pg, func() { _ = db.Close() }, nil
}

func loadTier(cfg config.RulesConfig) (governor.Tier, error) {
	if cfg.RateTierFile != "" {
		return governor.LoadTierFile(cfg.RateTierFile, cfg.RateTier)
	}
	return governor.TierByName(cfg.RateTier)
}

func openOfflineStore(ctx context.Context, cfg config.OfflineConfig) (offline.Store, func(), error) {
	if cfg.DBPath == "" {
		return offline.NewMemoryStore(), func() {}, nil
	}

	s, err := offline.OpenSQLite(ctx, cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { _ = s.Close() }, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
