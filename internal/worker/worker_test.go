package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coderfong/moq-pools-ingest/internal/listing"
	"github.com/coderfong/moq-pools-ingest/internal/queue/memory"
)

type recordingHandler struct {
	mu    sync.Mutex
	seen  []string
	err   error
	ctxOK []bool
}

func (h *recordingHandler) Handle(ctx context.Context, task listing.Task) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, task.LeafKey)
	h.ctxOK = append(h.ctxOK, ctx.Err() == nil)
	return h.err
}

func (h *recordingHandler) leaves() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.seen...)
}

func TestWorkerDrainsQueueThenStops(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(3)
	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(context.Background(), listing.Task{LeafKey: key}))
	}
	q.Close()

	h := &recordingHandler{}
	done := make(chan struct{})
	go func() {
		New(1, q, h, zap.NewNop()).Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue drained")
	}
	require.Equal(t, []string{"a", "b", "c"}, h.leaves())
}

func TestWorkerContinuesAfterHandlerError(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(2)
	require.NoError(t, q.Enqueue(context.Background(), listing.Task{LeafKey: "a"}))
	require.NoError(t, q.Enqueue(context.Background(), listing.Task{LeafKey: "b"}))
	q.Close()

	h := &recordingHandler{err: errors.New("boom")}
	New(1, q, h, nil).Run(context.Background())
	require.Equal(t, []string{"a", "b"}, h.leaves())
}

func TestWorkerStopsOnCancel(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(1, q, HandlerFunc(func(context.Context, listing.Task) error { return nil }), zap.NewNop()).Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestWorkerFinishesTaskOnDetachedContext(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Enqueue(ctx, listing.Task{LeafKey: "a"}))
	q.Close()

	h := &recordingHandler{}
	wrapped := HandlerFunc(func(taskCtx context.Context, task listing.Task) error {
		cancel()
		return h.Handle(taskCtx, task)
	})
	New(1, q, wrapped, zap.NewNop()).Run(ctx)
	require.Equal(t, []bool{true}, h.ctxOK)
}
