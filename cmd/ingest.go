package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coderfong/moq-pools-ingest/internal/pipeline"
	"github.com/coderfong/moq-pools-ingest/internal/report"
)

type ingestFlags struct {
	terms            []string
	leaves           []string
	minInformative   int
	allowAccessories bool
	concurrency      int
	target           int
}

func newIngestCmd() *cobra.Command {
	var f ingestFlags
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest marketplace listings for every taxonomy leaf",
		Long: `Walks the taxonomy and, for each leaf that is not yet done, searches every
enabled marketplace with the leaf's terms until the leaf reaches its target
count. Listings are quality-filtered, deduped and upserted by URL.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIngest(cmd, f)
		},
	}
	cmd.Flags().StringSliceVar(&f.terms, "terms", nil, "search terms to use instead of each leaf's configured terms")
	cmd.Flags().StringSliceVar(&f.leaves, "leaves", nil, "leaf or branch keys to process (default all)")
	cmd.Flags().Bool("headless", false, "allow headless fallback for sparse or script-rendered pages")
	cmd.Flags().IntVar(&f.minInformative, "min-informative", 0, "strict informative-token threshold (default from config)")
	cmd.Flags().BoolVar(&f.allowAccessories, "allow-accessories", false, "keep accessory listings")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, fmt.Sprintf("worker count, 1-%d (default from config)", pipeline.MaxConcurrency))
	cmd.Flags().IntVar(&f.target, "target", 0, "listings per leaf unless the leaf overrides it (default from config)")
	return cmd
}

func runIngest(cmd *cobra.Command, f ingestFlags) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.Logger()

	concurrency := a.Config().Ingest.Concurrency
	if cmd.Flags().Changed("concurrency") {
		if f.concurrency < 1 || f.concurrency > pipeline.MaxConcurrency {
			return fmt.Errorf("--concurrency must be between 1 and %d", pipeline.MaxConcurrency)
		}
		concurrency = f.concurrency
	}

	ic := a.IngestConfig()
	ic.Limit, _ = cmd.Flags().GetInt("limit")
	if ic.Limit < 0 {
		return fmt.Errorf("--limit must be >= 0")
	}
	if cmd.Flags().Changed("min-informative") {
		if f.minInformative <= 0 {
			return fmt.Errorf("--min-informative must be > 0")
		}
		ic.MinInformative = f.minInformative
	}
	if cmd.Flags().Changed("allow-accessories") {
		ic.AllowAccessories = f.allowAccessories
	}
	if cmd.Flags().Changed("target") {
		ic.TargetPerLeaf = f.target
	}

	tax, err := a.LoadTaxonomy()
	if err != nil {
		return err
	}
	leaves := tax.Filter(f.leaves)
	if len(leaves) == 0 {
		return fmt.Errorf("no taxonomy leaves match %v", f.leaves)
	}

	summary := report.New("ingest", ic.DryRun)
	in, err := a.NewIngester(ic, summary)
	if err != nil {
		return fmt.Errorf("init ingester: %w", err)
	}

	tasks := pipeline.BuildTasks(leaves, f.terms, a.Ledger())
	logger.Info("ingest planned",
		zap.Int("leaves", len(leaves)),
		zap.Int("pending", len(tasks)),
		zap.Bool("dry_run", ic.DryRun),
		zap.Bool("headless", ic.Headless),
	)
	if len(tasks) == 0 {
		logger.Info("every selected leaf is already done")
	}

	runErr := pipeline.RunIngest(cmd.Context(), in, tasks, concurrency, logger)
	return finishRun(cmd, logger, func() error { return summary.Render(cmd.OutOrStdout()) }, runErr)
}
