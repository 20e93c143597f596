package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/prepline/examcore/internal/reaper"
	"github.com/prepline/examcore/internal/repository"
	"github.com/prepline/examcore/internal/scoring"
	"github.com/prepline/examcore/internal/service"
)

// pointerCleaner clears the active-session pointer of attempts finalized
// outside a server process.
type pointerCleaner struct {
	active *service.ActiveSessions
	a      *app
}

func (p pointerCleaner) AttemptFinalized(outcome *scoring.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.active.Clear(ctx, outcome.Attempt.UserID, outcome.Attempt.ID); err != nil {
		p.a.log.Warn().Err(err).Str("attempt_id", outcome.Attempt.ID.String()).Msg("Failed to clear active session pointer")
	}
}

func newReapCmd(a *app) *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Finalize every in-progress attempt whose deadline has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := a.postgres(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			rdb, err := a.redis(ctx)
			if err != nil {
				return err
			}
			defer rdb.Close()

			attempts := repository.NewAttemptRepository(pool)
			if batch <= 0 {
				batch = a.cfg.ReaperBatchSize
			}
			r := reaper.New(attempts, scoring.NewFinalizer(attempts, a.log), reaper.Config{
				BatchSize:     batch,
				RetentionDays: a.cfg.RetentionDays,
			}, a.log)
			r.SetNotifier(pointerCleaner{active: service.NewActiveSessions(rdb), a: a})

			stats, err := r.Sweep(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 0, "attempts per page (default REAPER_BATCH_SIZE)")
	return cmd
}

func newPurgeCmd(a *app) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete detail rows of terminal attempts older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := a.postgres(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if days <= 0 {
				days = a.cfg.RetentionDays
			}
			attempts := repository.NewAttemptRepository(pool)
			r := reaper.New(attempts, scoring.NewFinalizer(attempts, a.log), reaper.Config{RetentionDays: days}, a.log)
			stats, err := r.Purge(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (default RETENTION_DAYS)")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
