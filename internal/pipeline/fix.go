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
	"github.com/coderfong/moq-pools-ingest/internal/source"
)

// DefaultPageSize is the number of listings read per store page in the image passes.
const DefaultPageSize = 100

// ImageCacher stores a resolved image and reports where cached images live.
type ImageCacher interface {
	Store(ctx context.Context, sourceURL, referer string) (imagecache.Cached, error)
	PublicBaseURL() string
}

// PassConfig tunes the image fix and audit passes.
type PassConfig struct {
	Platforms []listing.Platform
	PageSize  int
	// Limit caps the listings examined in one invocation. Zero means no cap.
	Limit int
	// Restart ignores the saved ledger cursor.
	Restart bool
	DryRun  bool
	Topic   string
}

func (c PassConfig) withDefaults() PassConfig {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if len(c.Platforms) == 0 {
		c.Platforms = listing.Platforms()
	}
	return c
}

// FixDeps are the collaborators of a Fixer. Sources and Publisher may be nil.
type FixDeps struct {
	Store     listing.Store
	Cache     ImageCacher
	Resolver  images.Resolver
	Ledger    ledger.Ledger
	Publisher listing.Publisher
	Sources   *source.Registry
	Clock     listing.Clock
	Summary   *report.Summary
}

// Fixer rewrites listing images to cached copies.
type Fixer struct {
	FixDeps
	cfg    PassConfig
	logger *zap.Logger
}

// NewFixer validates deps and returns a Fixer.
func NewFixer(deps FixDeps, cfg PassConfig, logger *zap.Logger) (*Fixer, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("listing store is required")
	case deps.Cache == nil:
		return nil, fmt.Errorf("image cache is required")
	case deps.Ledger == nil:
		return nil, fmt.Errorf("ledger is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	}
	if deps.Summary == nil {
		deps.Summary = report.New("fix-images", cfg.DryRun)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fixer{FixDeps: deps, cfg: cfg.withDefaults(), logger: logger.Named("fix-images")}, nil
}

// Run processes every configured platform in turn. Only ledger failures and store
// read failures abort the pass.
func (f *Fixer) Run(ctx context.Context) error {
	budget := newBudget(f.cfg.Limit)
	for _, p := range f.cfg.Platforms {
		if err := f.runPlatform(ctx, p, budget); err != nil {
			return err
		}
		if budget.spent() || ctx.Err() != nil {
			break
		}
	}
	return nil
}

// runPlatform sweeps one platform in id order from the saved cursor. Pages run to
// completion on a context detached from cancellation and the cursor only moves past a
// finished page; cancellation is honored between pages. A finished sweep clears the
// cursor, so the next run starts over and picks up listings added or nulled since.
func (f *Fixer) runPlatform(ctx context.Context, p listing.Platform, budget *budget) error {
	log := f.logger.With(zap.String("platform", string(p)))
	key := ledger.FixImagesKey(string(p))
	entry := resumeSweep(f.Ledger, key, f.cfg.Restart, log)
	work := context.WithoutCancel(ctx)

	for ctx.Err() == nil && !budget.spent() {
		page, err := f.Store.ListForImageFix(work, listing.ImageFixQuery{
			AfterID:     entry.Cursor,
			Limit:       budget.take(f.cfg.PageSize),
			Platform:    p,
			CachePrefix: f.Cache.PublicBaseURL() + "/",
		})
		if err != nil {
			return fmt.Errorf("list %s listings after %q: %w", p, entry.Cursor, err)
		}
		if len(page) == 0 {
			log.Info("platform sweep finished", zap.String("cursor", entry.Cursor))
			entry.Done = true
			entry.Cursor = ""
			return f.checkpoint(work, key, entry)
		}
		budget.spend(len(page))

		f.fixPage(work, p, page, log)
		entry.Cursor = page[len(page)-1].ID
		if err := f.checkpoint(work, key, entry); err != nil {
			return err
		}
	}
	return nil
}

// resumeSweep loads a sweep's ledger entry. A finished sweep starts a new one.
func resumeSweep(l ledger.Ledger, key string, restart bool, log *zap.Logger) ledger.Entry {
	entry, _ := l.Get(key)
	if restart {
		entry.Cursor = ""
	}
	if entry.Done {
		log.Info("previous sweep finished; starting a new one")
		entry.Done = false
		entry.Cursor = ""
	} else if entry.Cursor != "" {
		log.Info("resuming sweep", zap.String("cursor", entry.Cursor))
	}
	entry.Attempts++
	return entry
}

func (f *Fixer) checkpoint(ctx context.Context, key string, entry ledger.Entry) error {
	if f.cfg.DryRun {
		return nil
	}
	if err := f.Ledger.Put(ctx, key, entry); err != nil {
		return fmt.Errorf("record %s: %w", key, err)
	}
	return nil
}

func (f *Fixer) fixPage(ctx context.Context, p listing.Platform, page []listing.Listing, log *zap.Logger) {
	referer := ""
	if f.Sources != nil {
		if src, ok := f.Sources.Get(p); ok {
			referer = src.Referer()
		}
	}

	var (
		updates []listing.ImageUpdate
		events  []ImageCached
	)
	for _, l := range page {
		candidates := f.candidates(l)
		if len(candidates) == 0 {
			f.Summary.Inc(report.NoImage)
			continue
		}
		if f.cfg.DryRun {
			f.Summary.Inc(report.Fixed)
			log.Debug("would cache image", zap.String("id", l.ID), zap.String("url", candidates[0]))
			continue
		}

		cached, ok := f.storeFirst(ctx, candidates, referer, log)
		if !ok {
			f.Summary.Inc(report.Failed)
			if l.Image != "" && f.Resolver.Predicate.IsBad(l.Image) {
				updates = append(updates, listing.ImageUpdate{ID: l.ID})
			}
			continue
		}
		updates = append(updates, listing.ImageUpdate{ID: l.ID, Image: cached.PublicURL})
		events = append(events, ImageCached{
			ListingID: l.ID,
			Platform:  string(p),
			SourceURL: cached.SourceURL,
			PublicURL: cached.PublicURL,
			Key:       cached.Key,
			Size:      cached.Size,
			At:        f.Clock.Now().UTC(),
		})
	}

	if len(updates) == 0 {
		return
	}
	n, err := f.Store.UpdateImages(ctx, updates)
	if err != nil {
		f.Summary.Add(report.Errors, len(updates))
		log.Error("batch image update failed", zap.Int("updates", len(updates)), zap.Error(err))
		return
	}
	f.Summary.Add(report.Fixed, len(events))
	log.Info("page updated", zap.Int("updated", n), zap.Int("cached", len(events)))
	for _, ev := range events {
		f.publish(ctx, ev, log)
	}
}

// candidates prefers the listing's current external image, then the resolver order.
func (f *Fixer) candidates(l listing.Listing) []string {
	out := make([]string, 0, 4)
	current := images.Normalize(l.Image)
	if current != "" && !f.Resolver.Predicate.IsBad(current) {
		out = append(out, current)
	}
	for _, c := range f.Resolver.Candidates(l.Detail) {
		if c != current {
			out = append(out, c)
		}
	}
	return out
}

// storeFirst tries candidates in order until one is cached.
func (f *Fixer) storeFirst(ctx context.Context, candidates []string, referer string, log *zap.Logger) (imagecache.Cached, bool) {
	for _, c := range candidates {
		cached, err := f.Cache.Store(ctx, c, referer)
		if err == nil {
			return cached, true
		}
		level := log.Debug
		if !isCandidateMiss(err) {
			level = log.Warn
		}
		level("candidate failed", zap.String("url", c), zap.Error(err))
	}
	return imagecache.Cached{}, false
}

func isCandidateMiss(err error) bool {
	return errors.Is(err, imagecache.ErrBadStatus) ||
		errors.Is(err, imagecache.ErrTooSmall) ||
		errors.Is(err, imagecache.ErrTooLarge) ||
		errors.Is(err, imagecache.ErrBadImage)
}

func (f *Fixer) publish(ctx context.Context, payload any, log *zap.Logger) {
	if f.Publisher == nil || f.cfg.Topic == "" || f.cfg.DryRun {
		return
	}
	if _, err := f.Publisher.Publish(ctx, f.cfg.Topic, payload); err != nil {
		log.Warn("publish event failed", zap.Error(err))
	}
}

// budget tracks the --limit across platforms. A zero limit never runs out.
type budget struct {
	limit int
	used  int
}

func newBudget(limit int) *budget {
	return &budget{limit: limit}
}

func (b *budget) take(pageSize int) int {
	if b.limit <= 0 {
		return pageSize
	}
	return min(pageSize, b.limit-b.used)
}

func (b *budget) spend(n int) {
	b.used += n
}

func (b *budget) spent() bool {
	return b.limit > 0 && b.used >= b.limit
}
