package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/streamgate/streamgate/client"
)

func newPublishCmd() *cobra.Command {
	var (
		userID    string
		projectID string
		payload   string
		ephemeral bool
	)

	cmd := &cobra.Command{
		Use:   "publish <type>",
		Short: "Publish an event to a session",
		Long:  "Sign and post an event to the internal publish endpoint. The payload must be a JSON document.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildPublishRequest(userID, projectID, args[0], payload, ephemeral)
			if err != nil {
				return err
			}

			if flagSecret == "" {
				return errors.New("a publish secret is required (--publish-secret, PUBLISH_SECRET or profile)")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			res, err := client.New(flagURL, client.WithPublishSecret(flagSecret)).Publish(ctx, req)
			if err != nil {
				return fmt.Errorf("publish: %w", err)
			}

			return writeJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "Target user ID (required)")
	cmd.Flags().StringVar(&projectID, "project", "", "Target project ID (required)")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "Deliver without a sequence and skip the replay log")
	cmd.MarkFlagRequired("user")    //nolint:errcheck // flag is defined above
	cmd.MarkFlagRequired("project") //nolint:errcheck // flag is defined above

	return cmd
}

func buildPublishRequest(userID, projectID, typ, payload string, ephemeral bool) (*client.PublishRequest, error) {
	req := &client.PublishRequest{
		UserID:    userID,
		ProjectID: projectID,
		Type:      typ,
		Ephemeral: ephemeral,
	}

	if payload != "" {
		if !json.Valid([]byte(payload)) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		req.Payload = json.RawMessage(payload)
	}

	return req, nil
}
