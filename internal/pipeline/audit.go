package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/coderfong/moq-pools-ingest/internal/imagecache"
	"github.com/coderfong/moq-pools-ingest/internal/images"
	"github.com/coderfong/moq-pools-ingest/internal/ledger"
	"github.com/coderfong/moq-pools-ingest/internal/listing"
	"github.com/coderfong/moq-pools-ingest/internal/report"
)

// CachedReader returns the bytes behind a cached image URL.
type CachedReader interface {
	ReadCached(ctx context.Context, imageURL string) ([]byte, error)
}

// AuditDeps are the collaborators of an Auditor.
type AuditDeps struct {
	Store      listing.Store
	Reader     CachedReader
	Predicate  images.Predicate
	Ledger     ledger.Ledger
	Summary    *report.Summary
	// CachePrefix is the public base URL of cached images.
	CachePrefix string
}

// Auditor re-checks cached images and nulls the ones the predicate rejects.
type Auditor struct {
	AuditDeps
	cfg    PassConfig
	logger *zap.Logger
}

// NewAuditor validates deps and returns an Auditor.
func NewAuditor(deps AuditDeps, cfg PassConfig, logger *zap.Logger) (*Auditor, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("listing store is required")
	case deps.Reader == nil:
		return nil, fmt.Errorf("cached image reader is required")
	case deps.Ledger == nil:
		return nil, fmt.Errorf("ledger is required")
	case deps.CachePrefix == "":
		return nil, fmt.Errorf("cache prefix is required")
	}
	if deps.Summary == nil {
		deps.Summary = report.New("audit-images", cfg.DryRun)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auditor{AuditDeps: deps, cfg: cfg.withDefaults(), logger: logger.Named("audit-images")}, nil
}

// Run audits every configured platform in turn.
func (a *Auditor) Run(ctx context.Context) error {
	budget := newBudget(a.cfg.Limit)
	for _, p := range a.cfg.Platforms {
		if err := a.runPlatform(ctx, p, budget); err != nil {
			return err
		}
		if budget.spent() || ctx.Err() != nil {
			break
		}
	}
	return nil
}

// runPlatform follows the same sweep and checkpoint rules as the fix pass.
func (a *Auditor) runPlatform(ctx context.Context, p listing.Platform, budget *budget) error {
	log := a.logger.With(zap.String("platform", string(p)))
	key := ledger.AuditKey(string(p))
	entry := resumeSweep(a.Ledger, key, a.cfg.Restart, log)
	work := context.WithoutCancel(ctx)

	for ctx.Err() == nil && !budget.spent() {
		page, err := a.Store.ListForImageFix(work, listing.ImageFixQuery{
			AfterID:     entry.Cursor,
			Limit:       budget.take(a.cfg.PageSize),
			Platform:    p,
			OnlyCached:  true,
			CachePrefix: a.CachePrefix,
		})
		if err != nil {
			return fmt.Errorf("list cached %s listings after %q: %w", p, entry.Cursor, err)
		}
		if len(page) == 0 {
			log.Info("platform sweep finished", zap.String("cursor", entry.Cursor))
			entry.Done = true
			entry.Cursor = ""
			return a.checkpoint(work, key, entry)
		}
		budget.spend(len(page))

		a.auditPage(work, page, log)
		entry.Cursor = page[len(page)-1].ID
		if err := a.checkpoint(work, key, entry); err != nil {
			return err
		}
	}
	return nil
}

func (a *Auditor) checkpoint(ctx context.Context, key string, entry ledger.Entry) error {
	if a.cfg.DryRun {
		return nil
	}
	if err := a.Ledger.Put(ctx, key, entry); err != nil {
		return fmt.Errorf("record %s: %w", key, err)
	}
	return nil
}

func (a *Auditor) auditPage(ctx context.Context, page []listing.Listing, log *zap.Logger) {
	var nulls []listing.ImageUpdate
	for _, l := range page {
		a.Summary.Inc(report.Audited)
		data, err := a.Reader.ReadCached(ctx, l.Image)
		switch {
		case errors.Is(err, imagecache.ErrBadStatus):
			log.Info("cached image missing", zap.String("id", l.ID), zap.String("url", l.Image))
		case err != nil:
			a.Summary.Inc(report.Errors)
			log.Warn("download cached image failed", zap.String("id", l.ID), zap.String("url", l.Image), zap.Error(err))
			continue
		case !a.Predicate.IsBadContent(l.Image, data):
			continue
		default:
			log.Info("cached image rejected", zap.String("id", l.ID), zap.String("url", l.Image), zap.Int("bytes", len(data)))
		}
		a.Summary.Inc(report.Nulled)
		nulls = append(nulls, listing.ImageUpdate{ID: l.ID})
	}

	if len(nulls) == 0 || a.cfg.DryRun {
		return
	}
	if _, err := a.Store.UpdateImages(ctx, nulls); err != nil {
		a.Summary.Add(report.Errors, len(nulls))
		log.Error("batch image null failed", zap.Int("updates", len(nulls)), zap.Error(err))
	}
}
