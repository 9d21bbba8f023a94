// Package worker implements the sequential task loop run by each ingestion worker.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/coderfong/moq-pools-ingest/internal/listing"
	"github.com/coderfong/moq-pools-ingest/internal/metrics"
	"github.com/coderfong/moq-pools-ingest/internal/queue/memory"
)

// Handler processes one task to completion.
type Handler interface {
	Handle(ctx context.Context, task listing.Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task listing.Task) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, task listing.Task) error {
	return f(ctx, task)
}

// Worker consumes queue items one at a time.
type Worker struct {
	id      int
	queue   listing.Queue
	handler Handler
	logger  *zap.Logger
}

// New constructs a Worker.
func New(id int, queue listing.Queue, handler Handler, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:      id,
		queue:   queue,
		handler: handler,
		logger:  logger.With(zap.Int("worker", id)),
	}
}

// Run blocks until the queue is drained or the context finishes. Cancellation is
// only observed between tasks: the task in flight runs to completion on a detached
// context, and its own network timeouts bound how long that takes.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, memory.ErrClosed) || ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.process(context.WithoutCancel(ctx), task)
	}
}

func (w *Worker) process(ctx context.Context, task listing.Task) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	w.logger.Debug("task started", zap.String("leaf", task.LeafKey), zap.Int("terms", len(task.Terms)))
	if err := w.handler.Handle(ctx, task); err != nil {
		w.logger.Error("task failed", zap.String("leaf", task.LeafKey), zap.Error(err))
		return
	}
	w.logger.Debug("task finished", zap.String("leaf", task.LeafKey))
}
