// Package cmd defines the CLI commands for the equity-ingest executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/equity-ingest/internal/app"
	"github.com/JakeFAU/equity-ingest/internal/config"
	"github.com/JakeFAU/equity-ingest/internal/market"
	"github.com/JakeFAU/equity-ingest/internal/orchestrator"
	pgstore "github.com/JakeFAU/equity-ingest/internal/storage/postgres"
)

// configKeyType is the key for storing the loaded Config in the context.
type configKeyType string

const configKey configKeyType = "config"

// App defines the application interface that commands use.
// Tests inject a fake through newApp.
type App interface {
	Run(ctx context.Context) error
	RunOnce(ctx context.Context, name market.JobName) (orchestrator.Result, error)
	Close(ctx context.Context) error
	Logger() *zap.Logger
}

// newApp is the application factory, replaced in tests.
var newApp = func(ctx context.Context, cfg *config.Config) (App, error) {
	return app.Build(ctx, cfg)
}

// migrate applies the embedded schema, replaced in tests.
var migrate = pgstore.Migrate

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var (
		cfgFile string
		envFile string
	)
	cmd := &cobra.Command{
		Use:   "equity-ingest",
		Short: "Scheduled ingestion of listed-company prices and fundamentals.",
		Long: `equity-ingest refreshes a local database of listed companies from an
exchange index API and a fundamentals website. It keeps one current price and a
growing price history per company, and refreshes fundamentals once they are
older than the staleness window.`,
		SilenceUsage: true,

		// Loads the environment file and configuration before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load env file %s: %w", envFile, err)
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, &cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); INGEST_* environment variables override it")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before configuration, if present")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newMigrateCmd())
	return cmd
}

func resolveConfig(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "equity-ingest:", err)
		os.Exit(1)
	}
}
