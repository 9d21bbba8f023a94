package pipeline

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coderfong/moq-pools-ingest/internal/imagecache"
	"github.com/coderfong/moq-pools-ingest/internal/images"
	"github.com/coderfong/moq-pools-ingest/internal/ledger"
	"github.com/coderfong/moq-pools-ingest/internal/listing"
	pubmemory "github.com/coderfong/moq-pools-ingest/internal/publisher/memory"
	"github.com/coderfong/moq-pools-ingest/internal/report"
	blobmemory "github.com/coderfong/moq-pools-ingest/internal/storage/memory"
	storememory "github.com/coderfong/moq-pools-ingest/internal/store/memory"
)

const cdnBase = "https://cdn.test"

func imageServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "broken"):
			http.NotFound(w, r)
		case strings.Contains(r.URL.Path, "tiny"):
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write(bytes.Repeat([]byte{0xff}, 100))
		default:
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write(bytes.Repeat([]byte{0xff}, 4000))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fixHarness struct {
	store     *storememory.Store
	blobs     *blobmemory.BlobStore
	ledger    *ledger.File
	publisher *pubmemory.Publisher
	summary   *report.Summary
	cache     *imagecache.Cache
	srv       *httptest.Server
}

func newFixHarness(t *testing.T) *fixHarness {
	t.Helper()
	h := &fixHarness{
		store:     newStore(),
		blobs:     blobmemory.NewBlobStore(),
		ledger:    openLedger(t),
		publisher: pubmemory.New(),
		srv:       imageServer(t),
	}
	cache, err := imagecache.New(
		imagecache.Config{PublicBaseURL: cdnBase},
		h.srv.Client(),
		h.blobs,
		nil,
		images.NewPredicate(images.DefaultMinPixels, images.DefaultMinBytes),
		zap.NewNop(),
	)
	require.NoError(t, err)
	h.cache = cache

	img := func(name string) string { return h.srv.URL + "/img/" + name }
	h.store.Seed(
		listing.Listing{ID: "id-a", URL: "https://x/a", Platform: listing.PlatformAlibaba,
			Detail: listing.Detail{Gallery: []string{img("logo.png"), img("p1_960x960.jpg")}}},
		listing.Listing{ID: "id-b", URL: "https://x/b", Platform: listing.PlatformAlibaba,
			Detail: listing.Detail{Gallery: []string{img("broken_960x960.jpg"), img("tiny_960x960.jpg")}}},
		listing.Listing{ID: "id-c", URL: "https://x/c", Platform: listing.PlatformAlibaba},
		listing.Listing{ID: "id-d", URL: "https://x/d", Platform: listing.PlatformAlibaba, Image: img("p4_960x960.jpg")},
		listing.Listing{ID: "id-e", URL: "https://x/e", Platform: listing.PlatformAlibaba, Image: cdnBase + "/listings/aa/aa.jpg"},
		listing.Listing{ID: "id-f", URL: "https://x/f", Platform: listing.PlatformIndiaMART, Image: img("p6_960x960.jpg")},
	)
	return h
}

func (h *fixHarness) fixer(t *testing.T, cfg PassConfig) *Fixer {
	t.Helper()
	h.summary = report.New("fix-images", cfg.DryRun)
	if cfg.Platforms == nil {
		cfg.Platforms = []listing.Platform{listing.PlatformAlibaba}
	}
	if cfg.Topic == "" {
		cfg.Topic = "moq-events"
	}
	f, err := NewFixer(FixDeps{
		Store:     h.store,
		Cache:     h.cache,
		Resolver:  images.NewResolver(images.NewPredicate(images.DefaultMinPixels, images.DefaultMinBytes)),
		Ledger:    h.ledger,
		Publisher: h.publisher,
		Clock:     fixedClock{},
		Summary:   h.summary,
	}, cfg, zap.NewNop())
	require.NoError(t, err)
	return f
}

func TestFixImagesCachesFirstWorkingCandidate(t *testing.T) {
	t.Parallel()

	h := newFixHarness(t)
	require.NoError(t, h.fixer(t, PassConfig{}).Run(context.Background()))

	a, _ := h.store.Get("id-a")
	p1 := h.srv.URL + "/img/p1_960x960.jpg"
	require.Equal(t, h.cache.PublicURL(h.cache.Key(p1, "image/jpeg")), a.Image)

	d, _ := h.store.Get("id-d")
	require.True(t, strings.HasPrefix(d.Image, cdnBase+"/"))
	require.NotEqual(t, h.srv.URL+"/img/p4_960x960.jpg", d.Image)

	b, _ := h.store.Get("id-b")
	require.Empty(t, b.Image)
	f, _ := h.store.Get("id-f")
	require.Equal(t, h.srv.URL+"/img/p6_960x960.jpg", f.Image)

	require.Equal(t, 2, h.summary.Get(report.Fixed))
	require.Equal(t, 1, h.summary.Get(report.Failed))
	require.Equal(t, 1, h.summary.Get(report.NoImage))
	require.Equal(t, 2, h.blobs.Puts())

	entry, ok := h.ledger.Get(ledger.FixImagesKey("alibaba"))
	require.True(t, ok)
	require.Equal(t, ledger.Entry{Done: true, Attempts: 1}, entry)

	events := h.publisher.ByTopic("moq-events")
	require.Len(t, events, 2)
	first, ok := events[0].(ImageCached)
	require.True(t, ok)
	require.Equal(t, "id-a", first.ListingID)
	require.Equal(t, p1, first.SourceURL)
}

func TestFixImagesResumesFromCursor(t *testing.T) {
	t.Parallel()

	h := newFixHarness(t)
	require.NoError(t, h.fixer(t, PassConfig{Limit: 2}).Run(context.Background()))

	entry, _ := h.ledger.Get(ledger.FixImagesKey("alibaba"))
	require.Equal(t, ledger.Entry{Attempts: 1, Cursor: "id-b"}, entry)
	d, _ := h.store.Get("id-d")
	require.Equal(t, h.srv.URL+"/img/p4_960x960.jpg", d.Image)

	require.NoError(t, h.fixer(t, PassConfig{}).Run(context.Background()))
	entry, _ = h.ledger.Get(ledger.FixImagesKey("alibaba"))
	require.Equal(t, ledger.Entry{Done: true, Attempts: 2}, entry)
	d, _ = h.store.Get("id-d")
	require.True(t, strings.HasPrefix(d.Image, cdnBase+"/"))

	// A new sweep only sees listings that are still uncached.
	require.NoError(t, h.fixer(t, PassConfig{}).Run(context.Background()))
	require.Zero(t, h.summary.Get(report.Fixed))
	require.Equal(t, 1, h.summary.Get(report.Failed))
}

func TestFixImagesPicksUpListingsAddedAfterASweep(t *testing.T) {
	t.Parallel()

	h := newFixHarness(t)
	require.NoError(t, h.fixer(t, PassConfig{}).Run(context.Background()))
	require.True(t, h.ledger.Done(ledger.FixImagesKey("alibaba")))

	late := h.srv.URL + "/img/p9_960x960.jpg"
	h.store.Seed(listing.Listing{ID: "id-z", URL: "https://x/z", Platform: listing.PlatformAlibaba, Image: late})

	require.NoError(t, h.fixer(t, PassConfig{}).Run(context.Background()))
	z, _ := h.store.Get("id-z")
	require.Equal(t, h.cache.PublicURL(h.cache.Key(late, "image/jpeg")), z.Image)
	require.Equal(t, 1, h.summary.Get(report.Fixed))

	entry, _ := h.ledger.Get(ledger.FixImagesKey("alibaba"))
	require.Equal(t, ledger.Entry{Done: true, Attempts: 2}, entry)
}

// cancellingCache cancels the run on its first Store call.
type cancellingCache struct {
	ImageCacher
	cancel context.CancelFunc
	calls  int
}

func (c *cancellingCache) Store(ctx context.Context, sourceURL, referer string) (imagecache.Cached, error) {
	c.calls++
	if c.calls == 1 {
		c.cancel()
	}
	return c.ImageCacher.Store(ctx, sourceURL, referer)
}

func TestFixImagesFinishesPageWhenCancelled(t *testing.T) {
	t.Parallel()

	h := newFixHarness(t)
	f := h.fixer(t, PassConfig{PageSize: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cache := &cancellingCache{ImageCacher: h.cache, cancel: cancel}
	f.Cache = cache

	require.NoError(t, f.Run(ctx))

	// id-a cancels; id-b in the same page is still attempted.
	a, _ := h.store.Get("id-a")
	require.True(t, strings.HasPrefix(a.Image, cdnBase+"/"))
	require.Greater(t, cache.calls, 1)
	require.Equal(t, 1, h.summary.Get(report.Failed), "id-b was attempted after the cancel")

	entry, _ := h.ledger.Get(ledger.FixImagesKey("alibaba"))
	require.Equal(t, ledger.Entry{Attempts: 1, Cursor: "id-b"}, entry)
	d, _ := h.store.Get("id-d")
	require.Equal(t, h.srv.URL+"/img/p4_960x960.jpg", d.Image, "next page waits for the next run")

	require.NoError(t, h.fixer(t, PassConfig{PageSize: 2}).Run(context.Background()))
	d, _ = h.store.Get("id-d")
	require.True(t, strings.HasPrefix(d.Image, cdnBase+"/"))
}

func TestFixImagesDryRunWritesNothing(t *testing.T) {
	t.Parallel()

	h := newFixHarness(t)
	require.NoError(t, h.fixer(t, PassConfig{DryRun: true}).Run(context.Background()))

	require.Zero(t, h.blobs.Puts())
	require.Zero(t, h.store.Mutations())
	require.Empty(t, h.ledger.Snapshot())
	require.Empty(t, h.publisher.Messages())
	require.Equal(t, 3, h.summary.Get(report.Fixed))
	require.Equal(t, 1, h.summary.Get(report.NoImage))
}

func TestFixImagesNullsBadCurrentImage(t *testing.T) {
	t.Parallel()

	h := newFixHarness(t)
	h.store.Seed(listing.Listing{ID: "id-g", URL: "https://x/g", Platform: listing.PlatformAlibaba,
		Image:  h.srv.URL + "/img/logo_80x80.png",
		Detail: listing.Detail{Gallery: []string{h.srv.URL + "/img/broken_960x960.jpg"}}})

	require.NoError(t, h.fixer(t, PassConfig{}).Run(context.Background()))
	g, _ := h.store.Get("id-g")
	require.Empty(t, g.Image)
}

func TestBudget(t *testing.T) {
	t.Parallel()

	unlimited := newBudget(0)
	require.Equal(t, 50, unlimited.take(50))
	unlimited.spend(1000)
	require.False(t, unlimited.spent())

	b := newBudget(120)
	require.Equal(t, 100, b.take(100))
	b.spend(100)
	require.Equal(t, 20, b.take(100))
	b.spend(20)
	require.True(t, b.spent())
}
