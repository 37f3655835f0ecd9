package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/streamgate/streamgate/client"
)

func newAuditCmd() *cobra.Command {
	var (
		q     client.AuditQuery
		since time.Duration
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List your connection history in a project",
		Long:  "Query the connection audit trail of the token's user. Requires a server with DATABASE_URL set.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if flagToken == "" {
				return errors.New("a token is required (--token, STREAMGATE_TOKEN or profile)")
			}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			page, err := client.New(flagURL, client.WithToken(flagToken)).Audit(ctx, q)
			if err != nil {
				return fmt.Errorf("audit: %w", err)
			}

			return writeJSON(cmd.OutOrStdout(), page)
		},
	}

	cmd.Flags().StringVar(&q.ProjectID, "project", "", "Project ID (required)")
	cmd.Flags().StringVar(&q.ConnectionID, "connection", "", "Only this connection")
	cmd.Flags().StringVar(&q.Action, "action", "", "Only this action, e.g. connection.evicted")
	cmd.Flags().DurationVar(&since, "since", 0, "Only entries newer than this, e.g. 1h")
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "Page size")
	cmd.Flags().IntVar(&q.Offset, "offset", 0, "Entries to skip")
	cmd.MarkFlagRequired("project") //nolint:errcheck // flag is defined above

	return cmd
}
