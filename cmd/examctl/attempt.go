package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/prepline/examcore/internal/model"
	"github.com/prepline/examcore/internal/repository"
)

func newAttemptCmd(a *app) *cobra.Command {
	var withEvents bool
	cmd := &cobra.Command{
		Use:   "attempt <id>",
		Short: "Print a persisted attempt with its responses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid attempt id: %w", err)
			}

			ctx := cmd.Context()
			pool, err := a.postgres(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			attempts := repository.NewAttemptRepository(pool)
			at, err := attempts.GetAttempt(ctx, id)
			if err != nil {
				return err
			}
			responses, err := attempts.ListResponses(ctx, id)
			if err != nil {
				return err
			}

			out := struct {
				Attempt   *model.Attempt   `json:"attempt"`
				Accuracy  int              `json:"accuracy"`
				XPEarned  int              `json:"xpEarned"`
				Responses []model.Response `json:"responses"`
				Events    []model.Event    `json:"events,omitempty"`
			}{Attempt: at, Accuracy: at.Accuracy(), XPEarned: at.XPEarned(), Responses: responses}

			if withEvents {
				out.Events, err = repository.NewEventRepository(pool).ListBySession(ctx, id)
				if err != nil {
					return err
				}
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().BoolVar(&withEvents, "events", false, "include the session's event ledger")
	return cmd
}
