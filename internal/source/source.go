// Package source builds marketplace search requests with the headers each site expects.
package source

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coderfong/moq-pools-ingest/internal/listing"
)

// DefaultUserAgent is a desktop Chrome UA; marketplaces serve degraded pages to bot UAs.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// DefaultAcceptLanguage is sent with every marketplace request.
const DefaultAcceptLanguage = "en-US,en;q=0.9"

var defaultBaseURLs = map[listing.Platform]string{
	listing.PlatformAlibaba:     "https://www.alibaba.com",
	listing.PlatformMadeInChina: "https://www.made-in-china.com",
	listing.PlatformIndiaMART:   "https://dir.indiamart.com",
}

// Options overrides the defaults of a Source.
type Options struct {
	BaseURL        string
	UserAgent      string
	AcceptLanguage string
}

// Source describes how to query one marketplace.
type Source struct {
	Platform       listing.Platform
	BaseURL        string
	UserAgent      string
	AcceptLanguage string
}

// New returns the Source for platform.
func New(platform listing.Platform, opts Options) (Source, error) {
	if !platform.Valid() {
		return Source{}, fmt.Errorf("unknown platform %q", platform)
	}
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = defaultBaseURLs[platform]
	}
	if _, err := url.Parse(base); err != nil {
		return Source{}, fmt.Errorf("invalid base url for %s: %w", platform, err)
	}
	s := Source{
		Platform:       platform,
		BaseURL:        base,
		UserAgent:      opts.UserAgent,
		AcceptLanguage: opts.AcceptLanguage,
	}
	if s.UserAgent == "" {
		s.UserAgent = DefaultUserAgent
	}
	if s.AcceptLanguage == "" {
		s.AcceptLanguage = DefaultAcceptLanguage
	}
	return s, nil
}

// SearchURL returns the search results page for term. Pages are 1-based.
func (s Source) SearchURL(term string, page int) string {
	if page < 1 {
		page = 1
	}
	q := url.Values{}
	switch s.Platform {
	case listing.PlatformMadeInChina:
		q.Set("word", term)
		q.Set("subaction", "hunt")
		q.Set("style", "b")
		q.Set("page", strconv.Itoa(page))
		return s.BaseURL + "/productdirectory.do?" + q.Encode()
	case listing.PlatformIndiaMART:
		q.Set("ss", term)
		q.Set("page", strconv.Itoa(page))
		return s.BaseURL + "/search.mp?" + q.Encode()
	default:
		q.Set("SearchText", term)
		q.Set("page", strconv.Itoa(page))
		return s.BaseURL + "/trade/search?" + q.Encode()
	}
}

// Referer points at the marketplace's own home page.
func (s Source) Referer() string {
	return s.BaseURL + "/"
}

// Headers returns the browser-like headers sent with every request to this marketplace.
func (s Source) Headers() http.Header {
	h := http.Header{}
	h.Set("User-Agent", s.UserAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", s.AcceptLanguage)
	h.Set("Referer", s.Referer())
	return h
}

// SearchRequest builds the fetch request for term and page.
func (s Source) SearchRequest(term string, page int) listing.FetchRequest {
	return listing.FetchRequest{
		URL:      s.SearchURL(term, page),
		Platform: s.Platform,
		Headers:  s.Headers(),
	}
}

// Registry holds one Source per enabled platform.
type Registry struct {
	sources map[listing.Platform]Source
	order   []listing.Platform
}

// NewRegistry builds sources for platforms, applying per-platform base URL overrides.
func NewRegistry(platforms []listing.Platform, baseURLs map[string]string, userAgent string) (*Registry, error) {
	r := &Registry{sources: make(map[listing.Platform]Source, len(platforms))}
	for _, p := range platforms {
		if _, dup := r.sources[p]; dup {
			continue
		}
		s, err := New(p, Options{BaseURL: baseURLs[string(p)], UserAgent: userAgent})
		if err != nil {
			return nil, err
		}
		r.sources[p] = s
		r.order = append(r.order, p)
	}
	return r, nil
}

// Sources returns the registered sources in registration order.
func (r *Registry) Sources() []Source {
	out := make([]Source, 0, len(r.order))
	for _, p := range r.order {
		out = append(out, r.sources[p])
	}
	return out
}

// Get returns the Source for p.
func (r *Registry) Get(p listing.Platform) (Source, bool) {
	s, ok := r.sources[p]
	return s, ok
}
