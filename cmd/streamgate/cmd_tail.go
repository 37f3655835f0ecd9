package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/streamgate/streamgate/client"
)

type tailOptions struct {
	userID      string
	projectID   string
	instanceID  string
	lastEventID string
	tabs        int
	lease       bool
	verbose     bool
}

func newTailCmd() *cobra.Command {
	var opts tailOptions

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow a session's event stream",
		Long: "Connect to the event stream and print events as JSON lines. With --tabs N, " +
			"N in-process tabs share one connection through leader election, the way browser tabs do.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagToken == "" {
				return errors.New("a token is required (--token, STREAMGATE_TOKEN or profile)")
			}
			if opts.tabs < 1 {
				return fmt.Errorf("--tabs must be at least 1")
			}
			if opts.instanceID == "" {
				opts.instanceID = uuid.NewString()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log := logrus.New()
			log.SetOutput(cmd.ErrOrStderr())
			log.SetLevel(logrus.WarnLevel)
			if opts.verbose {
				log.SetLevel(logrus.DebugLevel)
			}

			return runTail(ctx, cmd.OutOrStdout(), log, &opts)
		},
	}

	cmd.Flags().StringVar(&opts.userID, "user", "", "User ID the token was issued to (required)")
	cmd.Flags().StringVar(&opts.projectID, "project", "", "Project ID (required)")
	cmd.Flags().StringVar(&opts.instanceID, "instance", "", "Browser instance ID (default: random)")
	cmd.Flags().StringVar(&opts.lastEventID, "last-event-id", "", "Resume after this event ID")
	cmd.Flags().IntVar(&opts.tabs, "tabs", 1, "Number of in-process tabs sharing the connection")
	cmd.Flags().BoolVar(&opts.lease, "lease", false, "Elect through the lease store instead of the lock")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log role changes and reconnects")
	cmd.MarkFlagRequired("user")    //nolint:errcheck // flag is defined above
	cmd.MarkFlagRequired("project") //nolint:errcheck // flag is defined above

	return cmd
}

func runTail(ctx context.Context, out io.Writer, log *logrus.Logger, opts *tailOptions) error {
	var (
		locker client.Locker
		leases client.LeaseStore
		mu     sync.Mutex
	)

	if opts.lease {
		leases = client.NewMemoryLeaseStore()
	} else {
		locker = client.NewMemoryLocker()
	}

	channel := client.NewMemoryChannel()
	g, gctx := errgroup.WithContext(ctx)

	for i := range opts.tabs {
		tabID := fmt.Sprintf("tab-%d", i+1)
		tabLog := log.WithField("tab", tabID)

		tab, err := client.NewTab(client.TabConfig{
			Stream: client.StreamConfig{
				BaseURL:     flagURL,
				Token:       flagToken,
				UserID:      opts.userID,
				ProjectID:   opts.projectID,
				InstanceID:  opts.instanceID,
				LastEventID: opts.lastEventID,
			},
			TabID:   tabID,
			Locker:  locker,
			Leases:  leases,
			Channel: channel,
			OnEvent: func(ev *client.Event) {
				mu.Lock()
				defer mu.Unlock()

				line := &eventLine{Seq: ev.Seq, ID: ev.ID, Type: ev.Type, Payload: ev.Payload}
				if opts.tabs > 1 {
					line.Tab = tabID
				}

				if err := writeEventLine(out, line); err != nil {
					tabLog.WithError(err).Error("writing event")
				}
			},
			OnResync: func() {
				tabLog.Warn("replay window exceeded, local history must be rebuilt")
			},
			OnRoleChange: func(r client.Role) {
				tabLog.WithField("role", r.String()).Debug("role changed")
			},
			Log: tabLog,
		})
		if err != nil {
			return err
		}

		g.Go(func() error { return tab.Run(gctx) })
	}

	return g.Wait()
}
