// Package cmd defines and implements the CLI commands for the moqingest executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coderfong/moq-pools-ingest/internal/app"
	"github.com/coderfong/moq-pools-ingest/internal/config"
	"github.com/coderfong/moq-pools-ingest/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newRootCmd creates the root command. Config is loaded and the App built in
// PersistentPreRunE, after flags are parsed, so run flags can adjust the App.
// Subcommands close the App themselves since cobra skips post-run hooks when
// RunE fails.
func newRootCmd() *cobra.Command {
	var (
		cfgFile string
		resume  string
	)
	cmd := &cobra.Command{
		Use:   "moqingest",
		Short: "Bulk listing ingestion and image normalization for moq-pools.",
		Long: `moqingest walks the category taxonomy, pulls supplier listings from the
B2B marketplaces, filters and dedupes them, and upserts them into the listing
store. Follow-up passes cache listing images and audit the cached copies.
Every pass records its progress in a ledger and resumes where it stopped.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
				cfg.DryRun = true
			}
			if resume != "" {
				cfg.Ledger.Path = resume
			}
			if f := cmd.Flags().Lookup("headless"); f != nil && f.Changed {
				cfg.Headless.Enabled, _ = cmd.Flags().GetBool("headless")
				if cfg.Headless.Enabled && cfg.Headless.MaxParallel <= 0 {
					cfg.Headless.MaxParallel = 1
				}
			}

			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			appInstance, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				_ = logger.Sync()
				return fmt.Errorf("failed to initialize application services: %w", err)
			}

			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); MOQINGEST_* env vars override it")
	cmd.PersistentFlags().StringVar(&resume, "resume", "", "ledger path to resume from (overrides ledger.path)")
	cmd.PersistentFlags().Bool("dry-run", false, "fetch and classify but write nothing")
	cmd.PersistentFlags().Int("limit", 0, "cap on listings per term (ingest) or listings examined (image passes); 0 means no cap")

	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newFixImagesCmd())
	cmd.AddCommand(newAuditImagesCmd())

	return cmd
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the root context; workers
// finish their current unit before returning.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "moqingest:", err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// finishRun renders the summary and folds cancellation into a clean exit.
func finishRun(cmd *cobra.Command, logger *zap.Logger, render func() error, runErr error) error {
	if err := render(); err != nil {
		logger.Warn("render summary failed", zap.Error(err))
	}
	switch {
	case runErr == nil:
		return nil
	case errors.Is(runErr, context.Canceled):
		logger.Warn("interrupted; progress is saved in the ledger", zap.String("command", cmd.Name()))
		return nil
	default:
		return runErr
	}
}
