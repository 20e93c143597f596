// Package reaper force-finalizes attempts whose deadline passed without a
// client or timer present, and purges the detail rows of old attempts.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/prepline/examcore/internal/model"
	"github.com/prepline/examcore/internal/scoring"
)

// Store is the persistence port used by the reaper.
type Store interface {
	FindExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	LoadGradingBatch(ctx context.Context, attemptIDs []uuid.UUID) (*model.GradingBatch, error)
	PurgeTerminal(ctx context.Context, cutoff time.Time) (model.PurgeStats, error)
}

// Finalizer grades one attempt of a loaded batch.
type Finalizer interface {
	FinalizeLoaded(ctx context.Context, batch *model.GradingBatch, attemptID uuid.UUID, status model.SessionStatus) (*scoring.Outcome, error)
}

// Notifier is told about every attempt the reaper finalized.
type Notifier interface {
	AttemptFinalized(outcome *scoring.Outcome)
}

// Config controls batch size, retention and schedules.
type Config struct {
	BatchSize     int
	RetentionDays int
	// Schedule and PurgeSchedule use robfig/cron syntax, e.g. "@every 30s".
	Schedule      string
	PurgeSchedule string
}

// SweepStats summarises one sweep.
type SweepStats struct {
	Found     int `json:"found"`
	Finalized int `json:"finalized"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Reaper sweeps expired attempts. Every sweep is idempotent: terminal attempts
// are excluded by the store query, so repeated runs are safe.
type Reaper struct {
	store     Store
	finalizer Finalizer
	notifier  Notifier
	cfg       Config
	now       func() time.Time
	log       zerolog.Logger
}

// New creates a Reaper.
func New(store Store, finalizer Finalizer, cfg Config, log zerolog.Logger) *Reaper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 90
	}
	return &Reaper{
		store:     store,
		finalizer: finalizer,
		cfg:       cfg,
		now:       time.Now,
		log:       log.With().Str("component", "reaper").Logger(),
	}
}

// SetNotifier sets the notifier (called after the session service is created).
func (r *Reaper) SetNotifier(n Notifier) {
	r.notifier = n
}

// WithClock overrides the reaper's time source.
func (r *Reaper) WithClock(now func() time.Time) *Reaper {
	r.now = now
	return r
}

// Sweep finalizes every attempt that is in progress past its attempt or paper
// deadline. A failure on one attempt is logged and never aborts the batch;
// the attempt stays in progress and is retried by the next sweep.
func (r *Reaper) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	now := r.now().UTC()
	attempted := make(map[uuid.UUID]bool)

	for {
		ids, err := r.store.FindExpired(ctx, now, r.cfg.BatchSize)
		if err != nil {
			return stats, fmt.Errorf("find expired attempts: %w", err)
		}

		fresh := ids[:0:0]
		for _, id := range ids {
			if !attempted[id] {
				attempted[id] = true
				fresh = append(fresh, id)
			}
		}
		if len(fresh) == 0 {
			break
		}
		stats.Found += len(fresh)

		batch, err := r.store.LoadGradingBatch(ctx, fresh)
		if err != nil {
			return stats, fmt.Errorf("load grading batch: %w", err)
		}

		for _, id := range fresh {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			outcome, err := r.finalizer.FinalizeLoaded(ctx, batch, id, model.SessionStatusAutoSubmitted)
			if err != nil {
				stats.Failed++
				r.log.Error().Err(err).
					Str("attempt_id", id.String()).
					Bool("retryable", scoring.IsRetryable(err)).
					Msg("Auto-submit failed")
				continue
			}
			if !outcome.Applied {
				stats.Skipped++
				continue
			}
			stats.Finalized++
			if r.notifier != nil {
				r.notifier.AttemptFinalized(outcome)
			}
		}

		if len(ids) < r.cfg.BatchSize {
			break
		}
	}

	if stats.Found > 0 {
		r.log.Info().
			Int("found", stats.Found).
			Int("finalized", stats.Finalized).
			Int("skipped", stats.Skipped).
			Int("failed", stats.Failed).
			Msg("Expired attempts swept")
	}
	return stats, nil
}

// Purge deletes events, responses, snapshots and section rows of terminal
// attempts submitted more than RetentionDays ago. In-progress attempts are
// never touched.
func (r *Reaper) Purge(ctx context.Context) (model.PurgeStats, error) {
	cutoff := r.now().UTC().AddDate(0, 0, -r.cfg.RetentionDays)
	stats, err := r.store.PurgeTerminal(ctx, cutoff)
	if err != nil {
		return stats, fmt.Errorf("purge terminal attempts: %w", err)
	}
	r.log.Info().
		Time("cutoff", cutoff).
		Int("attempts", stats.Attempts).
		Int64("events", stats.Events).
		Int64("responses", stats.Responses).
		Msg("Retention purge finished")
	return stats, nil
}

// Start runs one sweep immediately, to catch attempts that expired while the
// process was down, then schedules sweeps and purges until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) error {
	clog := cronLogger{log: r.log}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)

	if _, err := c.AddFunc(r.cfg.Schedule, func() {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Msg("Sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", r.cfg.Schedule, err)
	}
	if r.cfg.PurgeSchedule != "" {
		if _, err := c.AddFunc(r.cfg.PurgeSchedule, func() {
			if _, err := r.Purge(ctx); err != nil && ctx.Err() == nil {
				r.log.Error().Err(err).Msg("Purge failed")
			}
		}); err != nil {
			return fmt.Errorf("schedule purge %q: %w", r.cfg.PurgeSchedule, err)
		}
	}

	go func() {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Msg("Startup sweep failed")
		}
		c.Start()
		r.log.Info().Str("schedule", r.cfg.Schedule).Str("purge_schedule", r.cfg.PurgeSchedule).Msg("Reaper scheduled")

		<-ctx.Done()
		<-c.Stop().Done()
		r.log.Info().Msg("Reaper stopped")
	}()
	return nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
