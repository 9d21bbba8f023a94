// Package memory provides an in-memory listing store for dry runs and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/coderfong/moq-pools-ingest/internal/listing"
)

// Store keeps listings in maps guarded by a mutex.
type Store struct {
	mu        sync.RWMutex
	byID      map[string]*listing.Listing
	byURL     map[string]string
	ids       listing.IDGenerator
	clock     listing.Clock
	mutations int
}

// New creates an empty store.
func New(ids listing.IDGenerator, clock listing.Clock) *Store {
	return &Store{
		byID:  make(map[string]*listing.Listing),
		byURL: make(map[string]string),
		ids:   ids,
		clock: clock,
	}
}

// Seed inserts listings without counting them as mutations.
func (s *Store) Seed(ls ...listing.Listing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range ls {
		cp := clone(l)
		s.byID[cp.ID] = &cp
		s.byURL[cp.URL] = cp.ID
	}
}

// UpsertByURL inserts or merges by url.
func (s *Store) UpsertByURL(_ context.Context, l listing.Listing) (listing.UpsertResult, error) {
	if l.URL == "" {
		return listing.UpsertResult{}, fmt.Errorf("listing url is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutations++
	now := s.clock.Now().UTC()

	if id, ok := s.byURL[l.URL]; ok {
		existing := s.byID[id]
		image := existing.Image
		if image == "" {
			image = l.Image
		}
		merged := clone(l)
		merged.ID = id
		merged.Image = image
		merged.CategoryKeys = union(existing.CategoryKeys, l.CategoryKeys)
		merged.SearchTerms = union(existing.SearchTerms, l.SearchTerms)
		merged.CreatedAt = existing.CreatedAt
		merged.UpdatedAt = now
		s.byID[id] = &merged
		return listing.UpsertResult{ID: id, Created: false}, nil
	}

	id, err := s.ids.NewID()
	if err != nil {
		return listing.UpsertResult{}, fmt.Errorf("generate listing id: %w", err)
	}
	created := clone(l)
	created.ID = id
	created.CategoryKeys = union(nil, l.CategoryKeys)
	created.SearchTerms = union(nil, l.SearchTerms)
	created.CreatedAt = now
	created.UpdatedAt = now
	s.byID[id] = &created
	s.byURL[l.URL] = id
	return listing.UpsertResult{ID: id, Created: true}, nil
}

// CountByCategory counts listings tagged with categoryKey.
func (s *Store) CountByCategory(_ context.Context, categoryKey string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, l := range s.byID {
		if slices.Contains(l.CategoryKeys, categoryKey) {
			n++
		}
	}
	return n, nil
}

// UpdateImages replaces images by id; unknown ids are ignored.
func (s *Store) UpdateImages(_ context.Context, updates []listing.ImageUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutations++
	now := s.clock.Now().UTC()
	n := 0
	for _, u := range updates {
		l, ok := s.byID[u.ID]
		if !ok {
			continue
		}
		l.Image = u.Image
		l.UpdatedAt = now
		n++
	}
	return n, nil
}

// ListForImageFix pages listings in id order.
func (s *Store) ListForImageFix(_ context.Context, q listing.ImageFixQuery) ([]listing.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		if id > q.AfterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []listing.Listing
	for _, id := range ids {
		l := s.byID[id]
		if q.Platform != "" && l.Platform != q.Platform {
			continue
		}
		cached := q.CachePrefix != "" && strings.HasPrefix(l.Image, q.CachePrefix)
		if q.OnlyCached != cached && (q.OnlyCached || q.CachePrefix != "") {
			continue
		}
		out = append(out, clone(*l))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Get returns a copy of the listing with id.
func (s *Store) Get(id string) (listing.Listing, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.byID[id]
	if !ok {
		return listing.Listing{}, false
	}
	return clone(*l), true
}

// All returns every listing sorted by id.
func (s *Store) All() []listing.Listing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]listing.Listing, 0, len(s.byID))
	for _, l := range s.byID {
		out = append(out, clone(*l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Mutations reports how many writes reached the store.
func (s *Store) Mutations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mutations
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func union(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	for _, v := range append(slices.Clone(a), b...) {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func clone(l listing.Listing) listing.Listing {
	l.CategoryKeys = slices.Clone(l.CategoryKeys)
	l.SearchTerms = slices.Clone(l.SearchTerms)
	l.Detail.Gallery = slices.Clone(l.Detail.Gallery)
	l.Detail.Fallback = slices.Clone(l.Detail.Fallback)
	return l
}
