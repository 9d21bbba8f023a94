// Package memory provides queue implementations for local runs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coderfong/moq-pools-ingest/internal/listing"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory task queue with context-aware operations. The
// channel receive makes every pop atomic across workers.
type Queue struct {
	ch      chan listing.Task
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch: make(chan listing.Task, capacity),
	}
}

// Enqueue pushes a task into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, task listing.Task) error {
	q.closeMu.Lock()
	closed := q.closed
	q.closeMu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation. Tasks buffered before
// Close are still delivered.
func (q *Queue) Dequeue(ctx context.Context) (listing.Task, error) {
	select {
	case <-ctx.Done():
		return listing.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, ok := <-q.ch:
		if !ok {
			return listing.Task{}, ErrClosed
		}
		return task, nil
	}
}

// Close closes the underlying channel. Only the producer may call it.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
