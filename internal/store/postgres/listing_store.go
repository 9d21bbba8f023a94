// Package postgres implements the listing store on Postgres through pgx.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coderfong/moq-pools-ingest/internal/listing"
)

const nilUUID = "00000000-0000-0000-0000-000000000000"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store persists listings in one table keyed by a unique url.
type Store struct {
	pool  pool
	table string
	ids   listing.IDGenerator
	clock listing.Clock
}

// New connects a pool from cfg.
func New(ctx context.Context, cfg Config, ids listing.IDGenerator, clock listing.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, cfg.Table, ids, clock)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string, ids listing.IDGenerator, clock listing.Clock) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil || clock == nil {
		return nil, fmt.Errorf("id generator and clock are required")
	}
	if table == "" {
		table = "listings"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: p, table: table, ids: ids, clock: clock}, nil
}

// EnsureSchema creates the listings table and its indexes when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id            uuid PRIMARY KEY,
	url           text NOT NULL UNIQUE,
	platform      text NOT NULL,
	title         text NOT NULL,
	image         text,
	price_min     double precision,
	price_max     double precision,
	currency      text NOT NULL DEFAULT '',
	moq           integer NOT NULL DEFAULT 0,
	unit          text NOT NULL DEFAULT '',
	store_name    text NOT NULL DEFAULT '',
	category_keys text[] NOT NULL DEFAULT '{}',
	search_terms  text[] NOT NULL DEFAULT '{}',
	quality_class text NOT NULL DEFAULT '',
	dedupe_key    text NOT NULL DEFAULT '',
	detail        jsonb NOT NULL DEFAULT '{}',
	created_at    timestamptz NOT NULL,
	updated_at    timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_category_keys_idx ON %[1]s USING gin (category_keys);`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure listings schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// UpsertByURL inserts l or updates the row with the same url. Category keys and search
// terms are merged; an existing image is kept so cached images survive re-ingestion.
func (s *Store) UpsertByURL(ctx context.Context, l listing.Listing) (listing.UpsertResult, error) {
	if l.URL == "" {
		return listing.UpsertResult{}, fmt.Errorf("listing url is required")
	}
	id, err := s.ids.NewID()
	if err != nil {
		return listing.UpsertResult{}, fmt.Errorf("generate listing id: %w", err)
	}
	detail, err := json.Marshal(l.Detail)
	if err != nil {
		return listing.UpsertResult{}, fmt.Errorf("marshal detail: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (
	id, url, platform, title, image, price_min, price_max, currency, moq, unit,
	store_name, category_keys, search_terms, quality_class, dedupe_key, detail,
	created_at, updated_at
) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17)
ON CONFLICT (url) DO UPDATE SET
	title = EXCLUDED.title,
	image = COALESCE(NULLIF(%[1]s.image, ''), EXCLUDED.image),
	price_min = EXCLUDED.price_min,
	price_max = EXCLUDED.price_max,
	currency = EXCLUDED.currency,
	moq = EXCLUDED.moq,
	unit = EXCLUDED.unit,
	store_name = EXCLUDED.store_name,
	category_keys = ARRAY(SELECT DISTINCT unnest(%[1]s.category_keys || EXCLUDED.category_keys)),
	search_terms = ARRAY(SELECT DISTINCT unnest(%[1]s.search_terms || EXCLUDED.search_terms)),
	quality_class = EXCLUDED.quality_class,
	dedupe_key = EXCLUDED.dedupe_key,
	detail = EXCLUDED.detail,
	updated_at = EXCLUDED.updated_at
RETURNING id::text, (xmax = 0)`, s.table)

	var res listing.UpsertResult
	err = s.pool.QueryRow(ctx, query,
		id,
		l.URL,
		string(l.Platform),
		l.Title,
		l.Image,
		l.PriceMin,
		l.PriceMax,
		l.Currency,
		l.MOQ,
		l.Unit,
		l.StoreName,
		nonNil(l.CategoryKeys),
		nonNil(l.SearchTerms),
		string(l.QualityClass),
		l.DedupeKey,
		detail,
		s.clock.Now().UTC(),
	).Scan(&res.ID, &res.Created)
	if err != nil {
		return listing.UpsertResult{}, fmt.Errorf("upsert listing %s: %w", l.URL, err)
	}
	return res, nil
}

// CountByCategory counts listings tagged with categoryKey.
func (s *Store) CountByCategory(ctx context.Context, categoryKey string) (int, error) {
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE $1 = ANY(category_keys)`, s.table)
	var n int64
	if err := s.pool.QueryRow(ctx, query, categoryKey).Scan(&n); err != nil {
		return 0, fmt.Errorf("count listings for %s: %w", categoryKey, err)
	}
	return int(n), nil
}

// UpdateImages applies every update in one statement. An empty image nulls the field.
func (s *Store) UpdateImages(ctx context.Context, updates []listing.ImageUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	ids := make([]string, len(updates))
	imgs := make([]string, len(updates))
	for i, u := range updates {
		ids[i], imgs[i] = u.ID, u.Image
	}
	query := fmt.Sprintf(`
UPDATE %s AS l
SET image = NULLIF(u.image, ''), updated_at = $3
FROM unnest($1::uuid[], $2::text[]) AS u(id, image)
WHERE l.id = u.id`, s.table)
	tag, err := s.pool.Exec(ctx, query, ids, imgs, s.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("update listing images: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListForImageFix pages listings by id. With OnlyCached it returns listings whose image
// already points at the cache, otherwise those with no image or an external one.
func (s *Store) ListForImageFix(ctx context.Context, q listing.ImageFixQuery) ([]listing.Listing, error) {
	after := q.AfterID
	if after == "" {
		after = nilUUID
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
SELECT id::text, url, platform, title, COALESCE(image, ''), category_keys, detail
FROM %s
WHERE id > $1::uuid
  AND ($2 = '' OR platform = $2)
  AND CASE WHEN $3::bool
        THEN image LIKE $4 || '%%'
        ELSE (image IS NULL OR image = '' OR $4 = '' OR image NOT LIKE $4 || '%%')
      END
ORDER BY id
LIMIT $5`, s.table)

	rows, err := s.pool.Query(ctx, query, after, string(q.Platform), q.OnlyCached, q.CachePrefix, limit)
	if err != nil {
		return nil, fmt.Errorf("list listings for image fix: %w", err)
	}
	defer rows.Close()

	var out []listing.Listing
	for rows.Next() {
		var (
			l        listing.Listing
			platform string
			detail   []byte
		)
		if err := rows.Scan(&l.ID, &l.URL, &platform, &l.Title, &l.Image, &l.CategoryKeys, &detail); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		l.Platform = listing.Platform(platform)
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &l.Detail); err != nil {
				return nil, fmt.Errorf("decode detail of %s: %w", l.ID, err)
			}
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}
	return out, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
