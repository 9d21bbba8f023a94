// Package config loads and validates ingest configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/coderfong/moq-pools-ingest/internal/listing"
	"github.com/coderfong/moq-pools-ingest/internal/logging"
)

// Storage, store and ledger backends.
const (
	ProviderMemory   = "memory"
	ProviderLocal    = "local"
	ProviderGCS      = "gcs"
	ProviderS3       = "s3"
	ProviderPostgres = "postgres"
	ProviderMongo    = "mongo"
	LedgerFile       = "file"
	LedgerSQLite     = "sqlite"
)

// MaxConcurrency is the highest worker count ingest.concurrency accepts.
const MaxConcurrency = 9

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Taxonomy TaxonomyConfig `mapstructure:"taxonomy"`
	Sources  SourcesConfig  `mapstructure:"sources"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Images   ImagesConfig   `mapstructure:"images"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Store    StoreConfig    `mapstructure:"store"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Ops      OpsConfig      `mapstructure:"ops"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  logging.Config `mapstructure:"logging"`

	// DryRun fetches and classifies but writes nothing, schema migrations included.
	DryRun bool `mapstructure:"dry_run"`
}

// TaxonomyConfig points at the category tree.
type TaxonomyConfig struct {
	Path string `mapstructure:"path"`
}

// SourcesConfig enables marketplaces and overrides their hosts.
type SourcesConfig struct {
	Platforms []string          `mapstructure:"platforms"`
	BaseURLs  map[string]string `mapstructure:"base_urls"`
	UserAgent string            `mapstructure:"user_agent"`
}

// FetchConfig governs static fetches and politeness.
type FetchConfig struct {
	TimeoutSeconds int          `mapstructure:"timeout_seconds"`
	RespectRobots  bool         `mapstructure:"respect_robots"`
	DefaultRPS     float64      `mapstructure:"default_rps"`
	Burst          int          `mapstructure:"burst"`
	PerDomain      []DomainRate `mapstructure:"per_domain"`
}

// DomainRate overrides the request rate for one host. Hosts are listed rather than
// keyed because viper splits map keys on dots.
type DomainRate struct {
	Host string  `mapstructure:"host"`
	RPS  float64 `mapstructure:"rps"`
}

// HeadlessConfig configures the headless fallback and the detector that triggers it.
type HeadlessConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	MaxParallel       int  `mapstructure:"max_parallel"`
	NavTimeoutSec     int  `mapstructure:"nav_timeout_seconds"`
	SettleMillis      int  `mapstructure:"settle_ms"`
	EscalateBodyBytes int  `mapstructure:"escalate_body_bytes"`
	EscalateDensity   int  `mapstructure:"escalate_density"`
}

// IngestConfig tunes the ingest pass.
type IngestConfig struct {
	TargetPerLeaf    int  `mapstructure:"target_per_leaf"`
	MinInformative   int  `mapstructure:"min_informative"`
	RelaxFloor       int  `mapstructure:"relax_floor"`
	AllowAccessories bool `mapstructure:"allow_accessories"`
	RelaxAccessories bool `mapstructure:"relax_accessories"`
	SkipBelow        int  `mapstructure:"skip_below"`
	MaxAttempts      int  `mapstructure:"max_attempts"`
	PagesPerTerm     int  `mapstructure:"pages_per_term"`
	Concurrency      int  `mapstructure:"concurrency"`
}

// ImagesConfig holds the bad-image thresholds and the image pass page size.
type ImagesConfig struct {
	MinPixels int      `mapstructure:"min_pixels"`
	MinBytes  int      `mapstructure:"min_bytes"`
	BadHashes []string `mapstructure:"bad_hashes"`
	PageSize  int      `mapstructure:"page_size"`
}

// CacheConfig controls image downloads and the public cache path.
type CacheConfig struct {
	Prefix         string `mapstructure:"prefix"`
	PublicBaseURL  string `mapstructure:"public_base_url"`
	SoftDir        string `mapstructure:"soft_dir"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxBytes       int64  `mapstructure:"max_bytes"`
}

// StorageConfig selects the authoritative object store for cached images.
type StorageConfig struct {
	Provider string             `mapstructure:"provider"`
	Local    LocalStorageConfig `mapstructure:"local"`
	GCS      GCSConfig          `mapstructure:"gcs"`
	S3       S3Config           `mapstructure:"s3"`
}

// LocalStorageConfig writes objects below a directory.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSConfig names the bucket for the gcs provider.
type GCSConfig struct {
	Bucket       string `mapstructure:"bucket"`
	CacheControl string `mapstructure:"cache_control"`
}

// S3Config reaches an S3-compatible bucket.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	PublicRead      bool   `mapstructure:"public_read"`
	CacheControl    string `mapstructure:"cache_control"`
}

// StoreConfig selects the listing store.
type StoreConfig struct {
	Provider string         `mapstructure:"provider"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Mongo    MongoConfig    `mapstructure:"mongo"`
}

// PostgresConfig controls the pgx pool.
type PostgresConfig struct {
	DSN                string `mapstructure:"dsn"`
	Table              string `mapstructure:"table"`
	MaxConns           int32  `mapstructure:"max_conns"`
	MinConns           int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSec int    `mapstructure:"max_conn_lifetime_seconds"`
}

// MongoConfig controls the mongo collection.
type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
	TimeoutSec int    `mapstructure:"timeout_seconds"`
}

// LedgerConfig locates the progress ledger. Job scopes rows of a shared sqlite ledger.
type LedgerConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	Job     string `mapstructure:"job"`
}

// OpsConfig enables the metrics and health endpoint when Addr is set.
type OpsConfig struct {
	Addr string `mapstructure:"addr"`
}

// PubSubConfig holds metadata for completion events. Events are off without a topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MOQINGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("taxonomy.path", "config/taxonomy.yaml")
	v.SetDefault("sources.platforms", []string{"alibaba", "made-in-china", "indiamart"})
	v.SetDefault("sources.user_agent", "")
	v.SetDefault("fetch.timeout_seconds", 20)
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("fetch.default_rps", 1.0)
	v.SetDefault("fetch.burst", 1)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 30)
	v.SetDefault("headless.settle_ms", 1500)
	v.SetDefault("headless.escalate_body_bytes", 4096)
	v.SetDefault("headless.escalate_density", 4)
	v.SetDefault("ingest.target_per_leaf", 24)
	v.SetDefault("ingest.min_informative", 2)
	v.SetDefault("ingest.relax_floor", 1)
	v.SetDefault("ingest.allow_accessories", false)
	v.SetDefault("ingest.relax_accessories", false)
	v.SetDefault("ingest.skip_below", 0)
	v.SetDefault("ingest.max_attempts", 3)
	v.SetDefault("ingest.pages_per_term", 1)
	v.SetDefault("ingest.concurrency", 3)
	v.SetDefault("images.min_pixels", 200)
	v.SetDefault("images.min_bytes", 2000)
	v.SetDefault("images.page_size", 100)
	v.SetDefault("cache.prefix", "cache/images")
	v.SetDefault("cache.public_base_url", "/cache/images")
	v.SetDefault("cache.soft_dir", "")
	v.SetDefault("cache.timeout_seconds", 15)
	v.SetDefault("cache.max_bytes", 10<<20)
	v.SetDefault("storage.provider", ProviderLocal)
	v.SetDefault("storage.local.base_dir", "public")
	v.SetDefault("store.provider", ProviderPostgres)
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.table", "listings")
	v.SetDefault("store.postgres.max_conns", 8)
	v.SetDefault("store.postgres.max_conn_lifetime_seconds", 1800)
	v.SetDefault("store.mongo.uri", "")
	v.SetDefault("store.mongo.database", "moq")
	v.SetDefault("store.mongo.collection", "listings")
	v.SetDefault("store.mongo.timeout_seconds", 10)
	v.SetDefault("ledger.backend", LedgerFile)
	v.SetDefault("ledger.path", "data/progress.json")
	v.SetDefault("ledger.job", "moqingest")
	v.SetDefault("ops.addr", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("dry_run", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Taxonomy.Path) == "" {
		return fmt.Errorf("taxonomy.path is required")
	}
	if len(c.Sources.Platforms) == 0 {
		return fmt.Errorf("sources.platforms must name at least one platform")
	}
	if _, err := c.Platforms(); err != nil {
		return err
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.DefaultRPS < 0 {
		return fmt.Errorf("fetch.default_rps must be >= 0")
	}
	for i, d := range c.Fetch.PerDomain {
		if strings.TrimSpace(d.Host) == "" {
			return fmt.Errorf("fetch.per_domain[%d].host is required", i)
		}
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if err := c.Ingest.validate(); err != nil {
		return err
	}
	if c.Images.PageSize <= 0 {
		return fmt.Errorf("images.page_size must be > 0")
	}
	if strings.TrimSpace(c.Cache.PublicBaseURL) == "" {
		return fmt.Errorf("cache.public_base_url is required")
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if err := c.Store.validate(); err != nil {
		return err
	}
	switch c.Ledger.Backend {
	case LedgerFile, LedgerSQLite:
	default:
		return fmt.Errorf("ledger.backend %q is not one of file, sqlite", c.Ledger.Backend)
	}
	if strings.TrimSpace(c.Ledger.Path) == "" {
		return fmt.Errorf("ledger.path is required")
	}
	if c.Ledger.Backend == LedgerSQLite && c.Ledger.Job == "" {
		return fmt.Errorf("ledger.job is required for the sqlite backend")
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	return nil
}

func (c IngestConfig) validate() error {
	if c.Concurrency < 1 || c.Concurrency > MaxConcurrency {
		return fmt.Errorf("ingest.concurrency must be between 1 and %d", MaxConcurrency)
	}
	if c.TargetPerLeaf <= 0 {
		return fmt.Errorf("ingest.target_per_leaf must be > 0")
	}
	if c.MinInformative <= 0 {
		return fmt.Errorf("ingest.min_informative must be > 0")
	}
	if c.RelaxFloor > c.MinInformative {
		return fmt.Errorf("ingest.relax_floor must be <= ingest.min_informative")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("ingest.max_attempts must be > 0")
	}
	if c.PagesPerTerm <= 0 {
		return fmt.Errorf("ingest.pages_per_term must be > 0")
	}
	return nil
}

func (c StorageConfig) validate() error {
	switch c.Provider {
	case ProviderMemory:
	case ProviderLocal:
		if c.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir is required for the local provider")
		}
	case ProviderGCS:
		if c.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required for the gcs provider")
		}
	case ProviderS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 provider")
		}
	default:
		return fmt.Errorf("storage.provider %q is not one of memory, local, gcs, s3", c.Provider)
	}
	return nil
}

func (c StoreConfig) validate() error {
	switch c.Provider {
	case ProviderMemory:
	case ProviderPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required for the postgres provider")
		}
	case ProviderMongo:
		if c.Mongo.URI == "" {
			return fmt.Errorf("store.mongo.uri is required for the mongo provider")
		}
	default:
		return fmt.Errorf("store.provider %q is not one of memory, postgres, mongo", c.Provider)
	}
	return nil
}

// Platforms parses sources.platforms.
func (c Config) Platforms() ([]listing.Platform, error) {
	out := make([]listing.Platform, 0, len(c.Sources.Platforms))
	for _, raw := range c.Sources.Platforms {
		p := listing.Platform(strings.ToLower(strings.TrimSpace(raw)))
		if !p.Valid() {
			return nil, fmt.Errorf("sources.platforms: unknown platform %q", raw)
		}
		out = append(out, p)
	}
	return out, nil
}

// PerDomainRPS returns fetch.per_domain as a host to rate map.
func (c Config) PerDomainRPS() map[string]float64 {
	out := make(map[string]float64, len(c.Fetch.PerDomain))
	for _, d := range c.Fetch.PerDomain {
		out[strings.ToLower(strings.TrimSpace(d.Host))] = d.RPS
	}
	return out
}

// FetchTimeout converts fetch.timeout_seconds into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// CacheTimeout converts cache.timeout_seconds into a duration.
func (c Config) CacheTimeout() time.Duration {
	return time.Duration(c.Cache.TimeoutSeconds) * time.Second
}
