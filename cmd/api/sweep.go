package main

import (
	"time"

	"github.com/spf13/cobra"

	chatrepo "github.com/ovaphlow/pitchfork/service-identity-link/internal/chat/repo"
	staterepo "github.com/ovaphlow/pitchfork/service-identity-link/internal/conversation/repo"
	"github.com/ovaphlow/pitchfork/service-identity-link/internal/link"
)

func newSweepCommand(a *app) *cobra.Command {
	var eventRetention time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired conversation states and old processed-event records",
		Long: `Delete expired conversation states and old processed-event records.

The service owns no scheduler; run this from cron or a job runner.

Example:
  identity-link sweep --event-retention 72h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			ctx := cmd.Context()

			states, err := staterepo.NewStateRepo(db, link.ConfigFromEnv().StateTTL).Sweep(ctx)
			if err != nil {
				return err
			}
			events, err := chatrepo.NewEventRepo(db).Sweep(ctx, time.Now().UTC().Add(-eventRetention))
			if err != nil {
				return err
			}
			a.sugar.Infow("sweep finished", "conversation_states", states, "processed_events", events)
			return nil
		},
	}
	cmd.Flags().DurationVar(&eventRetention, "event-retention", 7*24*time.Hour, "keep processed-event records this long")
	return cmd
}
