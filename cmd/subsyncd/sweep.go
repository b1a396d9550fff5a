package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/subsync/internal/config"
	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/pkg/sweep"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one reconciliation sweep and exit",
	Long:  `Unlists the charters of captains whose subscription lapsed. Intended for cron driven deployments`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		_, err = a.sweepOnce(cmd.Context())
		return err
	},
}

// sweepOnce runs a single sweep. A run skipped because another instance
// holds the lock is not an error.
func (a *app) sweepOnce(ctx context.Context) (sweep.Result, error) {
	res, err := a.scheduler().RunOnce(ctx)
	if errors.Is(err, subsync.ErrSweepInProgress) {
		a.log.Info().Msg("sweep already running elsewhere, skipping")
		return res, nil
	}
	if err != nil {
		return res, err
	}
	a.log.Info().
		Int("subscriptions", res.Subscriptions).
		Int("captains", res.Captains).
		Int("charters", res.Charters).
		Dur("duration", res.Duration).
		Msg("sweep finished")
	return res, nil
}
