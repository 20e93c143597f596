package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/prepline/examcore/internal/service"
)

func newIssueTokenCmd(a *app) *cobra.Command {
	var (
		user string
		role string
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Mint a JWT for a user id (local testing only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := uuid.Parse(user)
			if err != nil {
				return fmt.Errorf("invalid --user: %w", err)
			}
			token, err := service.NewAuthService(a.cfg).GenerateToken(userID, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (uuid)")
	cmd.Flags().StringVar(&role, "role", "candidate", "role claim")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
