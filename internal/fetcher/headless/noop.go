package headless

import (
	"context"
	"errors"

	"github.com/coderfong/moq-pools-ingest/internal/listing"
)

// ErrDisabled is returned by Noop.
var ErrDisabled = errors.New("headless fetcher not configured")

// Noop stands in for the headless fetcher when --headless is off.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails with ErrDisabled.
func (Noop) Fetch(_ context.Context, _ listing.FetchRequest) (listing.FetchResponse, error) {
	return listing.FetchResponse{}, ErrDisabled
}
