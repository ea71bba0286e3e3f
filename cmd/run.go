package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/equity-ingest/internal/market"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "run <job>",
		Short:     "Runs one job through the orchestrator and exits",
		Long:      "Runs daily-prices, weekly-prices or fundamentals once, honoring the period guard and retry policy.",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{string(market.JobDailyPrices), string(market.JobWeeklyPrices), string(market.JobFundamentals)},
		RunE:      runJobCommand,
	}
}

func runJobCommand(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	// The trigger is manual; there is nothing to schedule.
	cfg.Schedule.Enabled = false

	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(cmd.Context())); cerr != nil {
			a.Logger().Warn("failed to close application", zap.Error(cerr))
		}
	}()

	res, err := a.RunOnce(cmd.Context(), market.JobName(args[0]))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s run=%s attempts=%d\n", res.Job, res.Outcome, res.RunID, res.Attempts)
	return nil
}
