package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coderfong/moq-pools-ingest/internal/ledger"
	"github.com/coderfong/moq-pools-ingest/internal/listing"
	"github.com/coderfong/moq-pools-ingest/internal/source"
	storememory "github.com/coderfong/moq-pools-ingest/internal/store/memory"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return testNow }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%04d", s.n), nil
}

// pageFetcher serves search pages keyed by the term in the request URL.
type pageFetcher struct {
	mu     sync.Mutex
	pages  map[string]string
	errs   map[string]error
	called []string
}

func (f *pageFetcher) Fetch(_ context.Context, req listing.FetchRequest) (listing.FetchResponse, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return listing.FetchResponse{}, err
	}
	term := u.Query().Get("SearchText")
	f.mu.Lock()
	f.called = append(f.called, term)
	f.mu.Unlock()
	if err := f.errs[term]; err != nil {
		return listing.FetchResponse{}, err
	}
	body, ok := f.pages[term]
	if !ok {
		return listing.FetchResponse{}, errors.New("no fixture for " + term)
	}
	return listing.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

func (f *pageFetcher) terms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.called...)
}

type card struct {
	slug  string
	title string
}

// searchPage renders an Alibaba-shaped results page.
func searchPage(cards ...card) string {
	var b strings.Builder
	b.WriteString(`<html><body><div class="organic-list">`)
	for _, c := range cards {
		fmt.Fprintf(&b, `<div class="search-card-item">
<h2 class="search-card-e-title"><a href="https://www.alibaba.com/product-detail/%[1]s.html">%[2]s</a></h2>
<img class="search-card-e-slider__img" src="//s.alicdn.com/@sc04/kf/%[1]s_960x960.jpg">
<div class="search-card-e-price-main">US$1.20-3.50</div>
<div class="search-card-m-sale-features__item">100 Pieces (MOQ)</div>
</div>`, c.slug, c.title)
	}
	b.WriteString(`</div></body></html>`)
	return b.String()
}

func alibabaSource(t *testing.T) source.Source {
	t.Helper()
	src, err := source.New(listing.PlatformAlibaba, source.Options{BaseURL: "https://www.alibaba.com"})
	require.NoError(t, err)
	return src
}

func openLedger(t *testing.T) *ledger.File {
	t.Helper()
	l, err := ledger.OpenFile(filepath.Join(t.TempDir(), "progress.json"))
	require.NoError(t, err)
	return l
}

func newStore() *storememory.Store {
	return storememory.New(&seqIDs{}, fixedClock{})
}
