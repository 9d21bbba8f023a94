package listing

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrObjectNotFound is returned by ObjectReader for keys that were never written.
var ErrObjectNotFound = errors.New("object not found")

// Store persists listings. Each call is its own atomic operation; the pipeline never
// spans a transaction over several listings.
type Store interface {
	UpsertByURL(ctx context.Context, l Listing) (UpsertResult, error)
	CountByCategory(ctx context.Context, categoryKey string) (int, error)
	UpdateImages(ctx context.Context, updates []ImageUpdate) (int, error)
	ListForImageFix(ctx context.Context, q ImageFixQuery) ([]Listing, error)
	Close() error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// ObjectReader reads back objects written through a BlobStore.
type ObjectReader interface {
	GetObject(ctx context.Context, path string) ([]byte, string, error)
}

// Publisher pushes pipeline events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Queue provides enqueue/dequeue semantics for ingestion tasks.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces listing IDs.
type IDGenerator interface {
	NewID() (string, error)
}
