// Package pipeline runs the ingestion, image fix and image audit passes.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/coderfong/moq-pools-ingest/internal/extract"
	"github.com/coderfong/moq-pools-ingest/internal/fetcher/detector"
	"github.com/coderfong/moq-pools-ingest/internal/images"
	"github.com/coderfong/moq-pools-ingest/internal/ledger"
	"github.com/coderfong/moq-pools-ingest/internal/listing"
	"github.com/coderfong/moq-pools-ingest/internal/metrics"
	"github.com/coderfong/moq-pools-ingest/internal/quality"
	"github.com/coderfong/moq-pools-ingest/internal/report"
	"github.com/coderfong/moq-pools-ingest/internal/source"
)

// Task unit states.
const (
	StatePending         = "pending"
	StatePrefetched      = "prefetched"
	StateEscalated       = "escalated"
	StateQualityFiltered = "quality-filtered"
	StatePersisted       = "persisted"
	StateDone            = "done"
	StateSkipped         = "skipped"
	StateFailed          = "failed"
)

// Detector decides whether a static result should be re-fetched headless.
type Detector interface {
	ShouldEscalate(resp listing.FetchResponse, res extract.Result) (bool, detector.Reason)
}

// IngestConfig tunes the ingest pass.
type IngestConfig struct {
	// TargetPerLeaf is the listing count a leaf aims for unless the leaf overrides it.
	TargetPerLeaf int
	// MinInformative is the strict informative-token threshold; RelaxFloor is the lowest
	// threshold relaxation may reach.
	MinInformative   int
	RelaxFloor       int
	AllowAccessories bool
	RelaxAccessories bool
	// SkipBelow skips a platform batch whose container was found but holds fewer listings.
	SkipBelow    int
	MaxAttempts  int
	PagesPerTerm int
	// Limit caps the listings kept per term. Zero means no cap.
	Limit    int
	Headless bool
	DryRun   bool
	Topic    string
}

func (c IngestConfig) withDefaults() IngestConfig {
	if c.TargetPerLeaf <= 0 {
		c.TargetPerLeaf = 24
	}
	if c.MinInformative <= 0 {
		c.MinInformative = 2
	}
	if c.RelaxFloor <= 0 || c.RelaxFloor > c.MinInformative {
		c.RelaxFloor = c.MinInformative
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.PagesPerTerm <= 0 {
		c.PagesPerTerm = 1
	}
	return c
}

// IngestDeps are the collaborators of an Ingester. Headless, Detector and Publisher
// may be nil.
type IngestDeps struct {
	Sources   []source.Source
	Static    listing.Fetcher
	Headless  listing.Fetcher
	Detector  Detector
	Store     listing.Store
	Ledger    ledger.Ledger
	Publisher listing.Publisher
	Resolver  images.Resolver
	Clock     listing.Clock
	Summary   *report.Summary
}

// Ingester processes one taxonomy leaf per task.
type Ingester struct {
	IngestDeps
	cfg    IngestConfig
	logger *zap.Logger
}

// NewIngester validates deps and returns an Ingester.
func NewIngester(deps IngestDeps, cfg IngestConfig, logger *zap.Logger) (*Ingester, error) {
	switch {
	case len(deps.Sources) == 0:
		return nil, fmt.Errorf("at least one source is required")
	case deps.Static == nil:
		return nil, fmt.Errorf("static fetcher is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("listing store is required")
	case deps.Ledger == nil:
		return nil, fmt.Errorf("ledger is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	}
	if deps.Summary == nil {
		deps.Summary = report.New("ingest", cfg.DryRun)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingester{IngestDeps: deps, cfg: cfg.withDefaults(), logger: logger.Named("ingest")}, nil
}

// Config returns the effective configuration.
func (in *Ingester) Config() IngestConfig {
	return in.cfg
}

type stage struct {
	classifier quality.Classifier
	class      listing.QualityClass
}

// stages lists the relaxation stages, strictest first.
func (in *Ingester) stages() []stage {
	out := []stage{{quality.New(in.cfg.MinInformative, in.cfg.AllowAccessories), listing.QualityStrict}}
	for mi := in.cfg.MinInformative - 1; mi >= in.cfg.RelaxFloor; mi-- {
		out = append(out, stage{quality.New(mi, in.cfg.AllowAccessories), listing.QualityRelaxed})
	}
	if in.cfg.RelaxAccessories && !in.cfg.AllowAccessories {
		out = append(out, stage{quality.New(in.cfg.RelaxFloor, true), listing.QualityAccessory})
	}
	return out
}

type leafRun struct {
	task     listing.Task
	target   int
	existing int
	count    int
	keys     map[string]struct{}
	urls     map[string]struct{}
	recorded map[string]bool
	failed   bool
	log      *zap.Logger
}

func (r *leafRun) seen(key, url string) bool {
	_, dupKey := r.keys[key]
	_, dupURL := r.urls[url]
	return dupKey || dupURL
}

func (r *leafRun) mark(key, url string) {
	r.keys[key] = struct{}{}
	r.urls[url] = struct{}{}
}

type accepted struct {
	listing listing.Listing
	key     string
	class   listing.QualityClass
}

// Handle processes one leaf: it tops the leaf up term by term until the target is met
// or the terms run out, then records the leaf's attempt in the ledger.
func (in *Ingester) Handle(ctx context.Context, task listing.Task) error {
	run := &leafRun{
		task:     task,
		target:   task.Target,
		keys:     make(map[string]struct{}),
		urls:     make(map[string]struct{}),
		recorded: make(map[string]bool),
		log:      in.logger.With(zap.String("leaf", task.LeafKey)),
	}
	if run.target <= 0 {
		run.target = in.cfg.TargetPerLeaf
	}

	existing, err := in.Store.CountByCategory(ctx, task.LeafKey)
	if err != nil {
		in.Summary.Inc(report.Errors)
		run.failed = true
		if ferr := in.finishLeaf(ctx, run); ferr != nil {
			run.log.Error("record leaf failed", zap.Error(ferr))
		}
		return fmt.Errorf("count existing listings for %s: %w", task.LeafKey, err)
	}
	run.existing, run.count = existing, existing

	for _, term := range task.Terms {
		if run.count >= run.target {
			break
		}
		if _, ok := in.Ledger.Get(ledger.TermKey(task.LeafKey, term)); ok {
			run.log.Debug("term already recorded", zap.String("term", term))
			continue
		}
		if err := in.processTerm(ctx, run, term); err != nil {
			return err
		}
	}
	return in.finishLeaf(ctx, run)
}

func (in *Ingester) processTerm(ctx context.Context, run *leafRun, term string) error {
	log := run.log.With(zap.String("term", term))

	var batch []listing.Listing
	fetched := false
	for _, src := range in.Sources {
		listings, ok := in.fetchTerm(ctx, src, term, log)
		fetched = fetched || ok
		batch = append(batch, listings...)
	}
	if !fetched {
		run.failed = true
		log.Warn("term failed on every platform", zap.String("state", StateFailed))
		return nil
	}

	kept := in.filter(run, term, batch)
	log.Debug("term filtered",
		zap.String("state", StateQualityFiltered),
		zap.Int("raw", len(batch)),
		zap.Int("accepted", len(kept)),
	)
	n := in.persist(ctx, run, term, kept)
	run.count += n
	run.recorded[term] = true

	if in.cfg.DryRun {
		return nil
	}
	if err := in.Ledger.Put(ctx, ledger.TermKey(run.task.LeafKey, term), ledger.Entry{Count: n}); err != nil {
		return fmt.Errorf("record term %s|%s: %w", run.task.LeafKey, term, err)
	}
	return nil
}

// fetchTerm walks the search pages of one platform. ok is false when no page could be
// fetched at all.
func (in *Ingester) fetchTerm(ctx context.Context, src source.Source, term string, log *zap.Logger) ([]listing.Listing, bool) {
	log = log.With(zap.String("platform", string(src.Platform)))
	var out []listing.Listing
	ok := false
	for page := 1; page <= in.cfg.PagesPerTerm; page++ {
		res, state, err := in.prefetch(ctx, src, term, page, log)
		if err != nil {
			in.Summary.Inc(report.Errors)
			log.Warn("fetch failed", zap.Int("page", page), zap.String("state", StateFailed), zap.Error(err))
			break
		}
		ok = true
		if state == StateSkipped {
			in.Summary.Inc(report.Skipped)
			log.Info("batch too sparse", zap.Int("page", page), zap.Int("found", len(res.Listings)), zap.String("state", state))
			break
		}
		out = append(out, res.Listings...)
		if len(res.Listings) == 0 {
			break
		}
	}
	return out, ok
}

func (in *Ingester) prefetch(
	ctx context.Context,
	src source.Source,
	term string,
	page int,
	log *zap.Logger,
) (extract.Result, string, error) {
	req := src.SearchRequest(term, page)
	resp, err := in.Static.Fetch(ctx, req)
	if err != nil {
		return extract.Result{}, StateFailed, fmt.Errorf("static fetch %s: %w", req.URL, err)
	}
	in.Summary.Inc(report.Fetched)
	res := extract.Extract(src.Platform, pageURL(resp, req), resp.Body)

	if res.ContainerFound && len(res.Listings) < in.cfg.SkipBelow {
		return res, StateSkipped, nil
	}
	if !in.cfg.Headless || in.Headless == nil || in.Detector == nil {
		return res, StatePrefetched, nil
	}
	escalate, reason := in.Detector.ShouldEscalate(resp, res)
	if !escalate {
		return res, StatePrefetched, nil
	}

	hresp, err := in.Headless.Fetch(ctx, req)
	if err != nil {
		log.Warn("headless escalation failed", zap.String("url", req.URL), zap.String("reason", string(reason)), zap.Error(err))
		return res, StatePrefetched, nil
	}
	in.Summary.Inc(report.Escalated)
	hres := extract.Extract(src.Platform, pageURL(hresp, req), hresp.Body)
	log.Debug("escalated",
		zap.String("url", req.URL),
		zap.String("reason", string(reason)),
		zap.Int("static", len(res.Listings)),
		zap.Int("headless", len(hres.Listings)),
		zap.String("state", StateEscalated),
	)
	if len(hres.Listings) > len(res.Listings) {
		res = hres
	}
	return res, StateEscalated, nil
}

// filter runs the relaxation stages over the same batch, strictest first, stopping as
// soon as the leaf target (or the per-term limit) is reached.
func (in *Ingester) filter(run *leafRun, term string, batch []listing.Listing) []accepted {
	need := run.target - run.count
	if in.cfg.Limit > 0 && in.cfg.Limit < need {
		need = in.cfg.Limit
	}
	const (
		undecided = iota
		taken
		duplicate
	)
	status := make([]int, len(batch))
	var out []accepted
	stages := in.stages()

	for _, st := range stages {
		if len(out) >= need {
			break
		}
		for i, l := range batch {
			if len(out) >= need {
				break
			}
			if status[i] != undecided {
				continue
			}
			res := st.classifier.Classify(l.Title, term)
			if !res.Pass {
				continue
			}
			if run.seen(res.Key, l.URL) {
				status[i] = duplicate
				continue
			}
			run.mark(res.Key, l.URL)
			status[i] = taken
			class := st.class
			if res.Accessory {
				class = listing.QualityAccessory
			}
			out = append(out, accepted{listing: l, key: res.Key, class: class})
		}
	}

	for i, s := range status {
		switch s {
		case duplicate:
			in.Summary.Inc(report.Duplicates)
			metrics.ObserveListing(string(batch[i].Platform), "duplicate")
		case undecided:
			if passesAny(stages, batch[i].Title, term) {
				in.Summary.Inc(report.Surplus)
				metrics.ObserveListing(string(batch[i].Platform), "surplus")
				continue
			}
			in.Summary.Inc(report.Rejected)
			metrics.ObserveListing(string(batch[i].Platform), "rejected")
		}
	}
	return out
}

// passesAny reports whether some stage would accept title. Such listings were left
// over after the target was met, not rejected on quality.
func passesAny(stages []stage, title, term string) bool {
	for _, st := range stages {
		if st.classifier.Classify(title, term).Pass {
			return true
		}
	}
	return false
}

func (in *Ingester) persist(ctx context.Context, run *leafRun, term string, kept []accepted) int {
	n := 0
	for _, a := range kept {
		l := a.listing
		l.CategoryKeys = []string{run.task.LeafKey}
		l.SearchTerms = []string{strings.ToLower(strings.TrimSpace(term))}
		l.QualityClass = a.class
		l.DedupeKey = a.key
		if img := in.Resolver.Resolve(l.Detail); img != "" {
			l.Image = img
		} else {
			l.Image = images.Normalize(l.Image)
		}
		in.Summary.Inc(report.Kept)
		metrics.ObserveListing(string(l.Platform), "kept")

		if in.cfg.DryRun {
			n++
			continue
		}
		if _, err := in.Store.UpsertByURL(ctx, l); err != nil {
			in.Summary.Inc(report.Errors)
			metrics.ObserveListing(string(l.Platform), "error")
			run.log.Warn("upsert failed", zap.String("term", term), zap.String("url", l.URL), zap.Error(err))
			continue
		}
		in.Summary.Inc(report.Persisted)
		metrics.ObserveListing(string(l.Platform), "persisted")
		n++
	}
	if n > 0 && !in.cfg.DryRun {
		run.log.Debug("term persisted", zap.String("term", term), zap.Int("upserted", n), zap.String("state", StatePersisted))
	}
	return n
}

func (in *Ingester) finishLeaf(ctx context.Context, run *leafRun) error {
	key := ledger.LeafKey(run.task.LeafKey)
	prev, _ := in.Ledger.Get(key)
	attempts := prev.Attempts + 1

	allRecorded := len(run.task.Terms) > 0
	for _, term := range run.task.Terms {
		if run.recorded[term] {
			continue
		}
		if _, ok := in.Ledger.Get(ledger.TermKey(run.task.LeafKey, term)); !ok {
			allRecorded = false
			break
		}
	}
	done := run.count >= run.target || allRecorded || attempts >= in.cfg.MaxAttempts

	state := StatePending
	switch {
	case done:
		state = StateDone
	case run.failed:
		state = StateFailed
	}
	metrics.ObserveLeaf(state)
	in.Summary.RecordLeaf(report.LeafRow{
		Leaf:     run.task.LeafKey,
		Existing: run.existing,
		Kept:     run.count - run.existing,
		Target:   run.target,
		Attempts: attempts,
		State:    state,
	})
	run.log.Info("leaf processed",
		zap.String("state", state),
		zap.Int("existing", run.existing),
		zap.Int("count", run.count),
		zap.Int("target", run.target),
		zap.Int("attempts", attempts),
	)

	if in.cfg.DryRun {
		return nil
	}
	if err := in.Ledger.Put(ctx, key, ledger.Entry{Done: done, Attempts: attempts}); err != nil {
		return fmt.Errorf("record leaf %s: %w", run.task.LeafKey, err)
	}
	if done {
		in.publish(ctx, LeafCompleted{
			Leaf:     run.task.LeafKey,
			Kept:     run.count - run.existing,
			Existing: run.existing,
			Target:   run.target,
			Attempts: attempts,
			At:       in.Clock.Now().UTC(),
		}, run.log)
	}
	return nil
}

func (in *Ingester) publish(ctx context.Context, payload any, log *zap.Logger) {
	if in.Publisher == nil || in.cfg.Topic == "" || in.cfg.DryRun {
		return
	}
	if _, err := in.Publisher.Publish(ctx, in.cfg.Topic, payload); err != nil {
		log.Warn("publish event failed", zap.Error(err))
	}
}

func pageURL(resp listing.FetchResponse, req listing.FetchRequest) string {
	if resp.URL != "" {
		return resp.URL
	}
	return req.URL
}
