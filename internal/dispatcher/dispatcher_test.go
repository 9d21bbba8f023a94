package dispatcher

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
	"github.com/coderfong/moq-pools-ingest/internal/worker"
)

type countingHandler struct {
	mu   sync.Mutex
	seen map[string]int
}

func (h *countingHandler) Handle(_ context.Context, task listing.Task) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen[task.LeafKey]++
	return nil
}

func TestDispatcherRunProcessesEveryTaskOnce(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	h := &countingHandler{seen: map[string]int{}}
	workers := []*worker.Worker{
		worker.New(1, q, h, zap.NewNop()),
		worker.New(2, q, h, zap.NewNop()),
		worker.New(3, q, h, zap.NewNop()),
	}

	tasks := []listing.Task{{LeafKey: "a"}, {LeafKey: "b"}, {LeafKey: "c"}, {LeafKey: "d"}, {LeafKey: "e"}}
	done := make(chan error, 1)
	go func() { done <- New(q, workers).Run(context.Background(), tasks) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not finish")
	}
	require.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1, "d": 1, "e": 1}, h.seen)
}

func TestDispatcherRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New(q, nil).Run(ctx, []listing.Task{{LeafKey: "a"}})
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
}

type failingQueue struct{ *memory.Queue }

func (failingQueue) Enqueue(context.Context, listing.Task) error { return errors.New("full") }

func TestDispatcherEnqueueWrapsErrors(t *testing.T) {
	t.Parallel()

	d := New(failingQueue{Queue: memory.NewQueue(1)}, nil)
	err := d.Enqueue(context.Background(), listing.Task{})
	require.EqualError(t, err, "queue enqueue: full")
}
