package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coderfong/moq-pools-ingest/internal/app"
	"github.com/coderfong/moq-pools-ingest/internal/listing"
	"github.com/coderfong/moq-pools-ingest/internal/pipeline"
	"github.com/coderfong/moq-pools-ingest/internal/report"
)

type passFlags struct {
	platforms []string
	restart   bool
	pageSize  int
}

func (f *passFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.platforms, "platforms", nil, "platforms to process (default all configured)")
	cmd.Flags().BoolVar(&f.restart, "restart", false, "discard a mid-sweep cursor and start from the first listing")
	cmd.Flags().IntVar(&f.pageSize, "page-size", 0, "listings read per store page (default from config)")
}

// passConfig overlays the flags on the configured pass settings.
func (f passFlags) passConfig(cmd *cobra.Command, a *app.App) (pipeline.PassConfig, error) {
	pc := a.PassConfig()
	pc.Limit, _ = cmd.Flags().GetInt("limit")
	pc.Restart = f.restart
	if pc.Limit < 0 {
		return pc, fmt.Errorf("--limit must be >= 0")
	}
	if f.pageSize < 0 {
		return pc, fmt.Errorf("--page-size must be >= 0")
	}
	if f.pageSize > 0 {
		pc.PageSize = f.pageSize
	}
	if len(f.platforms) > 0 {
		pc.Platforms = pc.Platforms[:0:0]
		for _, raw := range f.platforms {
			p := listing.Platform(strings.ToLower(strings.TrimSpace(raw)))
			if !p.Valid() {
				return pc, fmt.Errorf("--platforms: unknown platform %q", raw)
			}
			pc.Platforms = append(pc.Platforms, p)
		}
	}
	return pc, nil
}

type pass interface {
	Run(ctx context.Context) error
}

func newFixImagesCmd() *cobra.Command {
	var f passFlags
	cmd := &cobra.Command{
		Use:   "fix-images",
		Short: "Cache the best image of every stored listing",
		Long: `Pages through stored listings by id, resolves the best product image from
each listing's detail payload, downloads it into the image cache and points the
listing at the cached copy. The cursor is checkpointed after every page; a run
that reaches the end starts the next sweep from the first listing.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPass(cmd, f, "fix-images", func(a *app.App, pc pipeline.PassConfig, s *report.Summary) (pass, error) {
				return a.NewFixer(pc, s)
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newAuditImagesCmd() *cobra.Command {
	var f passFlags
	cmd := &cobra.Command{
		Use:   "audit-images",
		Short: "Re-check cached images and null the bad ones",
		Long: `Reads every cached listing image back from the object store and applies the
bad-image predicate to the bytes. Listings whose image fails are nulled so the
next fix-images pass can pick a better candidate.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPass(cmd, f, "audit-images", func(a *app.App, pc pipeline.PassConfig, s *report.Summary) (pass, error) {
				return a.NewAuditor(pc, s)
			})
		},
	}
	f.register(cmd)
	return cmd
}

func runPass(
	cmd *cobra.Command,
	f passFlags,
	name string,
	build func(*app.App, pipeline.PassConfig, *report.Summary) (pass, error),
) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.Logger()

	pc, err := f.passConfig(cmd, a)
	if err != nil {
		return err
	}
	summary := report.New(name, pc.DryRun)
	p, err := build(a, pc, summary)
	if err != nil {
		return fmt.Errorf("init %s: %w", name, err)
	}

	logger.Info(name+" started",
		zap.Int("platforms", len(pc.Platforms)),
		zap.Int("limit", pc.Limit),
		zap.Bool("restart", pc.Restart),
		zap.Bool("dry_run", pc.DryRun),
	)
	runErr := p.Run(cmd.Context())
	return finishRun(cmd, logger, func() error { return summary.Render(cmd.OutOrStdout()) }, runErr)
}
