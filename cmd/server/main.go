package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/queue"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/store"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Str("store_driver", cfg.StoreDriver).
		Dur("snapshot_interval", cfg.Tracker.SnapshotInterval).
		Int("exit_threshold", cfg.Tracker.ExitThreshold).
		Msg("Starting ExStem Proctor")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Snapshot Store ────────────────────────────────────────────────
	snapshots, closeStore, err := openStore(ctx, cfg, pool, rdb, log)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("Failed to open snapshot store")
	}
	defer closeStore.Close()

	// ─── Initialize Services ──────────────────────────────────────────
	broker := queue.NewRedisBroker(rdb)
	authService := service.NewAuthService(cfg)
	sessionService := service.NewExamSessionService(snapshots, broker, cfg.Tracker, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(sessionService, log),
		WS:      handler.NewWSHandler(sessionService, log, cfg.AllowedOrigins),
		Monitor: handler.NewMonitorHandler(broker, sessionService, log),
		System:  handler.NewSystemHandler(broker, sessionService, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	submissionWorker := worker.NewSubmissionWorker(broker, repository.NewSubmissionRepository(pool), log)
	exitEventWorker := worker.NewExitEventWorker(broker, repository.NewExitEventRepository(pool), log)

	workers.Add(2)
	go func() {
		defer workers.Done()
		submissionWorker.Start(workerCtx)
	}()
	go func() {
		defer workers.Done()
		exitEventWorker.Start(workerCtx)
	}()

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(ctx, authService, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout). Hijacked WebSocket
	// connections are not tracked by Shutdown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Save and detach every open attempt so students can resume elsewhere.
	detachCtx, detachCancel := context.WithTimeout(context.Background(), 10*time.Second)
	sessionService.Shutdown(detachCtx)
	detachCancel()

	// 3. Stop background workers and wait for queues to drain.
	workerCancel()
	workers.Wait()

	log.Info().Msg("Shutdown complete")
}

// openStore selects the snapshot backend named by STORE_DRIVER. The returned
// closer releases backend resources the caller does not already own.
func openStore(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) (store.Store, io.Closer, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		return store.NewPostgresStore(pool), nopCloser{}, nil

	case config.StoreDriverSQLite:
		db, err := database.NewSQLiteDB(ctx, cfg, log)
		if err != nil {
			return nil, nil, err
		}
		st, err := store.NewSQLiteStore(ctx, db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return st, db, nil

	case config.StoreDriverMemory:
		log.Warn().Msg("Snapshots are kept in memory and will not survive a restart")
		return store.NewMemoryStore(), nopCloser{}, nil

	default:
		if cfg.StoreDriver != config.StoreDriverRedis {
			log.Warn().Str("driver", cfg.StoreDriver).Msg("Unknown store driver, using redis")
		}
		// Keys outlive the resume window so a stale record can still be
		// reported (and ignored) rather than silently vanishing.
		return store.NewRedisStore(rdb, 2*cfg.Tracker.ResumeWindow), nopCloser{}, nil
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
