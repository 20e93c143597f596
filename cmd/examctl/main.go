// Command examctl runs one-off operator tasks against the examcore stores.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/prepline/examcore/internal/config"
	"github.com/prepline/examcore/internal/database"
	"github.com/prepline/examcore/internal/logger"
)

// app holds what every subcommand needs. Connections are opened lazily so
// commands like issue-token work without a database.
type app struct {
	cfg *config.Config
	log zerolog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var logLevel string

	cmd := &cobra.Command{
		Use:           "examctl",
		Short:         "Operator tooling for the exam session engine",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.cfg = config.Load()
			if logLevel != "" {
				a.cfg.LogLevel = logLevel
			}
			a.log = logger.Setup(a.cfg.LogLevel, a.cfg.LogFormat)
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL")

	cmd.AddCommand(newReapCmd(a))
	cmd.AddCommand(newPurgeCmd(a))
	cmd.AddCommand(newIssueTokenCmd(a))
	cmd.AddCommand(newAttemptCmd(a))
	return cmd
}

func (a *app) postgres(ctx context.Context) (*pgxpool.Pool, error) {
	return database.NewPostgresPool(ctx, a.cfg, a.log)
}

func (a *app) redis(ctx context.Context) (*redis.Client, error) {
	return database.NewRedisClient(ctx, a.cfg, a.log)
}
