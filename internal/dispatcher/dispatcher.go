// Package dispatcher manages worker fan-out over the task queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/coderfong/moq-pools-ingest/internal/listing"
	"github.com/coderfong/moq-pools-ingest/internal/worker"
)

// Queue is a task queue the producer can close once everything is enqueued.
type Queue interface {
	listing.Queue
	Close()
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   Queue
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(queue Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Run starts all workers, feeds them tasks and blocks until every worker has
// returned. Enqueueing stops early when ctx is canceled; workers then exit after
// the task they hold.
func (d *Dispatcher) Run(ctx context.Context, tasks []listing.Task) error {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}

	var enqueueErr error
	for _, task := range tasks {
		if err := d.Enqueue(ctx, task); err != nil {
			enqueueErr = err
			break
		}
	}
	d.queue.Close()
	wg.Wait()
	return enqueueErr
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, task listing.Task) error {
	if err := d.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
