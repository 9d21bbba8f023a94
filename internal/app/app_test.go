package app_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coderfong/moq-pools-ingest/internal/app"
	"github.com/coderfong/moq-pools-ingest/internal/config"
	"github.com/coderfong/moq-pools-ingest/internal/ledger"
	"github.com/coderfong/moq-pools-ingest/internal/pipeline"
	"github.com/coderfong/moq-pools-ingest/internal/report"
	storememory "github.com/coderfong/moq-pools-ingest/internal/store/memory"
)

const taxonomyYAML = `
nodes:
  - key: drinkware
    name: Drinkware
    children:
      - key: steel-bottles
        name: Steel Bottles
        terms: ["steel bottle"]
        target: 2
`

const resultsPage = `<html><body><div class="organic-list">
<div class="search-card-item">
<h2 class="search-card-e-title"><a href="https://www.alibaba.com/product-detail/bottle-a.html">Insulated Steel Bottle Alpha</a></h2>
<img class="search-card-e-slider__img" src="//s.alicdn.com/@sc04/kf/bottle-a_960x960.jpg">
<div class="search-card-e-price-main">US$1.20-3.50</div>
</div>
<div class="search-card-item">
<h2 class="search-card-e-title"><a href="https://www.alibaba.com/product-detail/bottle-b.html">Insulated Steel Bottle Bravo</a></h2>
<img class="search-card-e-slider__img" src="//s.alicdn.com/@sc04/kf/bottle-b_960x960.jpg">
<div class="search-card-e-price-main">US$2.00</div>
</div>
</div></body></html>`

func testConfig(t *testing.T, marketURL string) config.Config {
	t.Helper()
	dir := t.TempDir()
	taxPath := filepath.Join(dir, "taxonomy.yaml")
	require.NoError(t, os.WriteFile(taxPath, []byte(taxonomyYAML), 0o600))

	return config.Config{
		Taxonomy: config.TaxonomyConfig{Path: taxPath},
		Sources: config.SourcesConfig{
			Platforms: []string{"alibaba"},
			BaseURLs:  map[string]string{"alibaba": marketURL},
		},
		Fetch: config.FetchConfig{TimeoutSeconds: 5},
		Ingest: config.IngestConfig{
			TargetPerLeaf:  24,
			MinInformative: 2,
			RelaxFloor:     2,
			MaxAttempts:    3,
			PagesPerTerm:   1,
			Concurrency:    2,
		},
		Images:  config.ImagesConfig{PageSize: 50},
		Cache:   config.CacheConfig{PublicBaseURL: "/cache/images", TimeoutSeconds: 5},
		Storage: config.StorageConfig{Provider: config.ProviderMemory},
		Store:   config.StoreConfig{Provider: config.ProviderMemory},
		Ledger:  config.LedgerConfig{Backend: config.LedgerFile, Path: filepath.Join(dir, "progress.json")},
	}
}

func TestNewWiresMemoryBackends(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(t, "http://127.0.0.1:1"), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Logger())
	assert.IsType(t, &storememory.Store{}, a.Store())
	assert.Empty(t, a.Ledger().Snapshot())
	assert.Equal(t, "/cache/images", a.Cache().PublicBaseURL())

	tax, err := a.LoadTaxonomy()
	require.NoError(t, err)
	require.Len(t, tax.Leaves(), 1)

	ic := a.IngestConfig()
	assert.Equal(t, 24, ic.TargetPerLeaf)
	assert.False(t, ic.Headless)

	_, err = a.NewFixer(a.PassConfig(), nil)
	require.NoError(t, err)
	_, err = a.NewAuditor(a.PassConfig(), nil)
	require.NoError(t, err)
}

func TestDryRunReachesEveryPass(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.DryRun = true
	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	assert.True(t, a.IngestConfig().DryRun)
	assert.True(t, a.PassConfig().DryRun)
}

func TestNewRejectsUnknownProviders(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Store.Provider = "cassandra"
	_, err := app.New(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "unknown store provider")

	cfg = testConfig(t, "http://127.0.0.1:1")
	cfg.Storage.Provider = "ftp"
	_, err = app.New(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "unknown storage provider")
}

func TestNewFailsOnUnreadableLedger(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	require.NoError(t, os.WriteFile(cfg.Ledger.Path, []byte("{not json"), 0o600))
	_, err := app.New(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "open ledger")
}

func TestIngestThroughApp(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/trade/search" || r.URL.Query().Get("SearchText") != "steel bottle" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, resultsPage)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	tax, err := a.LoadTaxonomy()
	require.NoError(t, err)
	summary := report.New("ingest", false)
	in, err := a.NewIngester(a.IngestConfig(), summary)
	require.NoError(t, err)

	tasks := pipeline.BuildTasks(tax.Leaves(), nil, a.Ledger())
	require.Len(t, tasks, 1)
	require.NoError(t, pipeline.RunIngest(context.Background(), in, tasks, cfg.Ingest.Concurrency, zap.NewNop()))

	store := a.Store().(*storememory.Store)
	all := store.All()
	require.Len(t, all, 2)
	for _, l := range all {
		assert.Contains(t, l.CategoryKeys, "steel-bottles")
		assert.Contains(t, l.Image, "_960x960.jpg")
	}
	assert.Equal(t, 2, summary.Get(report.Persisted))

	entry, ok := a.Ledger().Get(ledger.LeafKey("steel-bottles"))
	require.True(t, ok)
	assert.True(t, entry.Done)
	assert.Equal(t, int32(1), hits.Load())

	assert.Empty(t, pipeline.BuildTasks(tax.Leaves(), nil, a.Ledger()), "done leaves are not queued again")
}
