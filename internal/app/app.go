// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/coderfong/moq-pools-ingest/internal/clock/system"
	"github.com/coderfong/moq-pools-ingest/internal/config"
	collyfetcher "github.com/coderfong/moq-pools-ingest/internal/fetcher/colly"
	"github.com/coderfong/moq-pools-ingest/internal/fetcher/detector"
	"github.com/coderfong/moq-pools-ingest/internal/fetcher/headless"
	"github.com/coderfong/moq-pools-ingest/internal/id/uuid"
	"github.com/coderfong/moq-pools-ingest/internal/imagecache"
	"github.com/coderfong/moq-pools-ingest/internal/images"
	"github.com/coderfong/moq-pools-ingest/internal/ledger"
	"github.com/coderfong/moq-pools-ingest/internal/listing"
	"github.com/coderfong/moq-pools-ingest/internal/metrics"
	"github.com/coderfong/moq-pools-ingest/internal/ops"
	"github.com/coderfong/moq-pools-ingest/internal/pipeline"
	"github.com/coderfong/moq-pools-ingest/internal/policy/ratelimit"
	pubsubpublisher "github.com/coderfong/moq-pools-ingest/internal/publisher/pubsub"
	"github.com/coderfong/moq-pools-ingest/internal/report"
	"github.com/coderfong/moq-pools-ingest/internal/source"
	"github.com/coderfong/moq-pools-ingest/internal/storage/gcs"
	"github.com/coderfong/moq-pools-ingest/internal/storage/local"
	blobmemory "github.com/coderfong/moq-pools-ingest/internal/storage/memory"
	"github.com/coderfong/moq-pools-ingest/internal/storage/s3"
	storememory "github.com/coderfong/moq-pools-ingest/internal/store/memory"
	"github.com/coderfong/moq-pools-ingest/internal/store/mongo"
	"github.com/coderfong/moq-pools-ingest/internal/store/postgres"
	"github.com/coderfong/moq-pools-ingest/internal/taxonomy"
)

// App holds the shared, long-lived services of one CLI invocation. It is built once
// in the root command's PersistentPreRunE and closed by the subcommand that uses it.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     listing.Clock
	store     listing.Store
	ledger    ledger.Ledger
	objects   listing.BlobStore
	cache     *imagecache.Cache
	predicate images.Predicate
	sources   *source.Registry
	static    listing.Fetcher
	headless  listing.Fetcher
	publisher listing.Publisher
	ops       *ops.Server

	closers []func() error
}

// New creates and initializes an App from cfg. It fails fast when any backend cannot
// be reached, releasing whatever it already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{cfg: cfg, logger: logger, clock: system.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	logger.Info("initializing application services",
		zap.String("store", cfg.Store.Provider),
		zap.String("storage", cfg.Storage.Provider),
		zap.String("ledger", cfg.Ledger.Backend),
	)

	a.predicate = images.NewPredicate(cfg.Images.MinPixels, cfg.Images.MinBytes, cfg.Images.BadHashes...)

	if err = a.initStore(ctx); err != nil {
		return nil, err
	}
	if err = a.initLedger(ctx); err != nil {
		return nil, err
	}
	if err = a.initObjects(ctx); err != nil {
		return nil, err
	}
	if err = a.initCache(); err != nil {
		return nil, err
	}
	if err = a.initFetchers(); err != nil {
		return nil, err
	}
	if err = a.initPublisher(ctx); err != nil {
		return nil, err
	}
	if cfg.Ops.Addr != "" {
		a.ops = ops.NewServer(a.ledger, logger)
		if err = a.ops.Start(cfg.Ops.Addr); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.ops.Shutdown(shutdownCtx)
		})
	}

	logger.Info("application services initialized")
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	ids := uuid.New()
	switch a.cfg.Store.Provider {
	case config.ProviderPostgres:
		pg := a.cfg.Store.Postgres
		s, err := postgres.New(ctx, postgres.Config{
			DSN:             pg.DSN,
			Table:           pg.Table,
			MaxConns:        pg.MaxConns,
			MinConns:        pg.MinConns,
			MaxConnLifetime: time.Duration(pg.MaxConnLifetimeSec) * time.Second,
		}, ids, a.clock)
		if err != nil {
			return fmt.Errorf("init postgres store: %w", err)
		}
		a.store = s
		if a.cfg.DryRun {
			a.logger.Info("dry run: skipping listing schema migration")
		} else if err := s.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure listing schema: %w", err)
		}
	case config.ProviderMongo:
		m := a.cfg.Store.Mongo
		s, err := mongo.New(ctx, mongo.Config{
			URI:        m.URI,
			Database:   m.Database,
			Collection: m.Collection,
			Timeout:    time.Duration(m.TimeoutSec) * time.Second,
		}, ids, a.clock)
		if err != nil {
			return fmt.Errorf("init mongo store: %w", err)
		}
		a.store = s
	case config.ProviderMemory:
		a.logger.Warn("using in-memory listing store; listings are discarded on exit")
		a.store = storememory.New(ids, a.clock)
	default:
		return fmt.Errorf("unknown store provider: %s", a.cfg.Store.Provider)
	}
	a.closers = append(a.closers, a.store.Close)
	return nil
}

func (a *App) initLedger(ctx context.Context) error {
	var (
		l   ledger.Ledger
		err error
	)
	switch a.cfg.Ledger.Backend {
	case config.LedgerSQLite:
		l, err = ledger.OpenSQLite(ctx, a.cfg.Ledger.Path, a.cfg.Ledger.Job)
	default:
		l, err = ledger.OpenFile(a.cfg.Ledger.Path)
	}
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	a.ledger = l
	a.closers = append(a.closers, l.Close)
	a.logger.Info("ledger opened", zap.String("path", a.cfg.Ledger.Path), zap.Int("entries", len(l.Snapshot())))
	return nil
}

func (a *App) initObjects(ctx context.Context) error {
	sc := a.cfg.Storage
	switch sc.Provider {
	case config.ProviderLocal:
		s, err := local.New(local.Config{BaseDir: sc.Local.BaseDir})
		if err != nil {
			return fmt.Errorf("init local storage: %w", err)
		}
		a.objects = s
	case config.ProviderGCS:
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		s, err := gcs.New(client, gcs.Config{Bucket: sc.GCS.Bucket, CacheControl: sc.GCS.CacheControl})
		if err != nil {
			return fmt.Errorf("init gcs storage: %w", err)
		}
		a.objects = s
	case config.ProviderS3:
		s3cfg := s3.Config{
			Bucket:          sc.S3.Bucket,
			Region:          sc.S3.Region,
			Endpoint:        sc.S3.Endpoint,
			UsePathStyle:    sc.S3.UsePathStyle,
			AccessKeyID:     sc.S3.AccessKeyID,
			SecretAccessKey: sc.S3.SecretAccessKey,
			PublicRead:      sc.S3.PublicRead,
			CacheControl:    sc.S3.CacheControl,
		}
		client, err := s3.NewClient(ctx, s3cfg)
		if err != nil {
			return fmt.Errorf("create s3 client: %w", err)
		}
		s, err := s3.New(client, s3cfg)
		if err != nil {
			return fmt.Errorf("init s3 storage: %w", err)
		}
		a.objects = s
	case config.ProviderMemory:
		a.objects = blobmemory.NewBlobStore()
	default:
		return fmt.Errorf("unknown storage provider: %s", sc.Provider)
	}
	return nil
}

func (a *App) initCache() error {
	var soft listing.BlobStore
	if dir := a.cfg.Cache.SoftDir; dir != "" {
		s, err := local.New(local.Config{BaseDir: dir})
		if err != nil {
			return fmt.Errorf("init soft cache: %w", err)
		}
		soft = s
	}
	c, err := imagecache.New(imagecache.Config{
		Prefix:        a.cfg.Cache.Prefix,
		PublicBaseURL: a.cfg.Cache.PublicBaseURL,
		Timeout:       a.cfg.CacheTimeout(),
		UserAgent:     a.cfg.Sources.UserAgent,
		MaxBytes:      a.cfg.Cache.MaxBytes,
	}, &http.Client{Timeout: a.cfg.CacheTimeout()}, a.objects, soft, a.predicate, a.logger)
	if err != nil {
		return fmt.Errorf("init image cache: %w", err)
	}
	a.cache = c
	return nil
}

func (a *App) initFetchers() error {
	platforms, err := a.cfg.Platforms()
	if err != nil {
		return err
	}
	a.sources, err = source.NewRegistry(platforms, a.cfg.Sources.BaseURLs, a.cfg.Sources.UserAgent)
	if err != nil {
		return fmt.Errorf("init sources: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.Fetch.DefaultRPS,
		DefaultBurst: a.cfg.Fetch.Burst,
		PerDomainRPS: a.cfg.PerDomainRPS(),
	})
	a.static = collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.Sources.UserAgent,
		RespectRobots: a.cfg.Fetch.RespectRobots,
		Timeout:       a.cfg.FetchTimeout(),
	}, limiter)

	if !a.cfg.Headless.Enabled {
		a.headless = headless.NewNoop()
		return nil
	}
	h, err := headless.NewChromedp(headless.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.Sources.UserAgent,
		NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
		SettleDelay:       time.Duration(a.cfg.Headless.SettleMillis) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("init headless fetcher: %w", err)
	}
	a.headless = h
	a.closers = append(a.closers, func() error {
		h.Close()
		return nil
	})
	return nil
}

func (a *App) initPublisher(ctx context.Context) error {
	if a.cfg.PubSub.Topic == "" {
		a.logger.Info("pubsub topic not set; events disabled")
		return nil
	}
	client, err := pubsubpublisher.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return err
	}
	p := pubsubpublisher.New(client)
	a.publisher = p
	a.closers = append(a.closers, p.Close)
	return nil
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Store exposes the configured listing store.
func (a *App) Store() listing.Store {
	return a.store
}

// Ledger exposes the progress ledger.
func (a *App) Ledger() ledger.Ledger {
	return a.ledger
}

// Cache exposes the image cache.
func (a *App) Cache() *imagecache.Cache {
	return a.cache
}

// LoadTaxonomy reads the configured category tree.
func (a *App) LoadTaxonomy() (*taxonomy.Taxonomy, error) {
	t, err := taxonomy.Load(a.cfg.Taxonomy.Path)
	if err != nil {
		return nil, fmt.Errorf("load taxonomy: %w", err)
	}
	return t, nil
}

// IngestConfig returns the configured ingest settings. Callers overlay CLI flags.
func (a *App) IngestConfig() pipeline.IngestConfig {
	ic := a.cfg.Ingest
	return pipeline.IngestConfig{
		TargetPerLeaf:    ic.TargetPerLeaf,
		MinInformative:   ic.MinInformative,
		RelaxFloor:       ic.RelaxFloor,
		AllowAccessories: ic.AllowAccessories,
		RelaxAccessories: ic.RelaxAccessories,
		SkipBelow:        ic.SkipBelow,
		MaxAttempts:      ic.MaxAttempts,
		PagesPerTerm:     ic.PagesPerTerm,
		Headless:         a.cfg.Headless.Enabled,
		DryRun:           a.cfg.DryRun,
		Topic:            a.cfg.PubSub.Topic,
	}
}

// PassConfig returns the configured image pass settings.
func (a *App) PassConfig() pipeline.PassConfig {
	platforms, _ := a.cfg.Platforms()
	return pipeline.PassConfig{
		Platforms: platforms,
		PageSize:  a.cfg.Images.PageSize,
		DryRun:    a.cfg.DryRun,
		Topic:     a.cfg.PubSub.Topic,
	}
}

// NewIngester wires an Ingester over the App's services.
func (a *App) NewIngester(cfg pipeline.IngestConfig, summary *report.Summary) (*pipeline.Ingester, error) {
	return pipeline.NewIngester(pipeline.IngestDeps{
		Sources:   a.sources.Sources(),
		Static:    a.static,
		Headless:  a.headless,
		Detector:  detector.NewHeuristic(a.cfg.Headless.EscalateBodyBytes, a.cfg.Headless.EscalateDensity),
		Store:     a.store,
		Ledger:    a.ledger,
		Publisher: a.publisher,
		Resolver:  images.NewResolver(a.predicate),
		Clock:     a.clock,
		Summary:   summary,
	}, cfg, a.logger)
}

// NewFixer wires a Fixer over the App's services.
func (a *App) NewFixer(cfg pipeline.PassConfig, summary *report.Summary) (*pipeline.Fixer, error) {
	return pipeline.NewFixer(pipeline.FixDeps{
		Store:     a.store,
		Cache:     a.cache,
		Resolver:  images.NewResolver(a.predicate),
		Ledger:    a.ledger,
		Publisher: a.publisher,
		Sources:   a.sources,
		Clock:     a.clock,
		Summary:   summary,
	}, cfg, a.logger)
}

// NewAuditor wires an Auditor over the App's services.
func (a *App) NewAuditor(cfg pipeline.PassConfig, summary *report.Summary) (*pipeline.Auditor, error) {
	return pipeline.NewAuditor(pipeline.AuditDeps{
		Store:       a.store,
		Reader:      a.cache,
		Predicate:   a.predicate,
		Ledger:      a.ledger,
		Summary:     summary,
		CachePrefix: a.cache.PublicBaseURL() + "/",
	}, cfg, a.logger)
}

// Close releases services in reverse order of creation and flushes the logger.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
}
