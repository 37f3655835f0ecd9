package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/streamgate/streamgate/internal/middleware"
)

func newTokenCmd() *cobra.Command {
	var (
		userID   string
		projects []string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a user token for local development",
		Long:  "Sign a stream token with JWT_SECRET. Production tokens come from the identity provider.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("JWT_SECRET")
			if secret == "" {
				return errors.New("JWT_SECRET must be set")
			}

			token, err := middleware.NewTokenVerifier(secret).Issue(userID, projects, ttl)
			if err != nil {
				return fmt.Errorf("issuing token: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User ID (required)")
	cmd.Flags().StringSliceVar(&projects, "project", []string{"*"}, "Allowed project IDs")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	cmd.MarkFlagRequired("user") //nolint:errcheck // flag is defined above

	return cmd
}
