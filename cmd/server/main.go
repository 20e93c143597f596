package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/prepline/examcore/internal/config"
	"github.com/prepline/examcore/internal/database"
	"github.com/prepline/examcore/internal/handler"
	"github.com/prepline/examcore/internal/ledger"
	"github.com/prepline/examcore/internal/logger"
	"github.com/prepline/examcore/internal/middleware"
	"github.com/prepline/examcore/internal/reaper"
	"github.com/prepline/examcore/internal/repository"
	"github.com/prepline/examcore/internal/router"
	"github.com/prepline/examcore/internal/scoring"
	"github.com/prepline/examcore/internal/service"
	"github.com/prepline/examcore/internal/session"
	"github.com/prepline/examcore/internal/timer"
	"github.com/prepline/examcore/internal/validator"
	"github.com/prepline/examcore/internal/worker"
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
		Msg("Starting examcore")

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

	// ─── Repositories ──────────────────────────────────────────────────
	attemptRepo := repository.NewAttemptRepository(pool)
	questionRepo := repository.NewQuestionRepository(pool)
	eventRepo := repository.NewEventRepository(pool)
	outboxRepo := repository.NewOutboxRepository(pool)

	// ─── Session engine ────────────────────────────────────────────────
	finalizer := scoring.NewFinalizer(attemptRepo, log)
	registry := session.NewRegistry(attemptRepo, ledger.NewRedisLedger(rdb), finalizer, log)
	scheduler := timer.NewScheduler(cfg.TimerTickInterval, log)
	authService := service.NewAuthService(cfg)
	sessionService := service.NewExamSessionService(
		registry,
		scheduler,
		questionRepo,
		attemptRepo,
		finalizer,
		service.NewActiveSessions(rdb),
		service.SessionConfig{DriftThreshold: cfg.ClockDriftThreshold},
		log,
	)

	sweeper := reaper.New(attemptRepo, finalizer, reaper.Config{
		BatchSize:     cfg.ReaperBatchSize,
		RetentionDays: cfg.RetentionDays,
		Schedule:      cfg.ReaperSchedule,
		PurgeSchedule: cfg.PurgeSchedule,
	}, log)
	sweeper.SetNotifier(sessionService)

	// ─── Handlers ──────────────────────────────────────────────────────
	wsHandler := handler.NewWSHandler(sessionService, authService, cfg.HeartbeatInterval, cfg.AllowedOrigins, log)
	handlers := &router.Handlers{
		WS:      wsHandler,
		Attempt: handler.NewAttemptHandler(attemptRepo, sessionService, log),
		System: handler.NewSystemHandler(pool, rdb, handler.LiveCounts{
			Sessions:    registry.Len,
			Timers:      scheduler.Active,
			Connections: wsHandler.Connections,
		}, log),
	}

	// ─── Background Workers ────────────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(workerCtx)

	ledgerWorker := worker.NewLedgerWorker(rdb, eventRepo, cfg.LedgerBatchSize, cfg.LedgerFlushInterval, log)
	outboxRelay := worker.NewOutboxRelay(outboxRepo, rdb, cfg.OutboxPollInterval, log)
	achievementRelay := worker.NewAchievementRelay(rdb, wsHandler, log)

	g.Go(func() error { ledgerWorker.Start(gctx); return nil })
	g.Go(func() error { outboxRelay.Start(gctx); return nil })
	g.Go(func() error { achievementRelay.Start(gctx, nil); return nil })
	if err := sweeper.Start(gctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule reaper")
	}

	// ─── HTTP Server ───────────────────────────────────────────────────
	limiter := middleware.NewRateLimiter(rdb, cfg.RateLimitRPS, cfg.RateLimitBurst, log)
	r := router.SetupRouter(authService, handlers, limiter, cfg)
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests. Open sockets are hijacked and
	// are not waited on; clients reconnect to another instance.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop countdowns. In-progress attempts stay in the store for the
	// reaper or a reconnect elsewhere.
	scheduler.Shutdown()

	// 3. Stop workers and wait for their final flushes.
	workerCancel()
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker shutdown error")
	}

	log.Info().Int("live_sessions", registry.Len()).Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
