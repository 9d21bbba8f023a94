package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/coderfong/moq-pools-ingest/internal/dispatcher"
	"github.com/coderfong/moq-pools-ingest/internal/ledger"
	"github.com/coderfong/moq-pools-ingest/internal/listing"
	"github.com/coderfong/moq-pools-ingest/internal/queue/memory"
	"github.com/coderfong/moq-pools-ingest/internal/taxonomy"
	"github.com/coderfong/moq-pools-ingest/internal/worker"
)

// MaxConcurrency bounds the worker count to stay polite with the marketplaces.
const MaxConcurrency = 9

// BuildTasks turns leaves into tasks, dropping leaves the ledger marks done. A
// non-empty terms slice replaces every leaf's configured terms.
func BuildTasks(leaves []taxonomy.Leaf, terms []string, l ledger.Ledger) []listing.Task {
	byKey := make(map[string]taxonomy.Leaf, len(leaves))
	keys := make([]string, 0, len(leaves))
	for _, leaf := range leaves {
		byKey[ledger.LeafKey(leaf.Key)] = leaf
		keys = append(keys, ledger.LeafKey(leaf.Key))
	}
	if l != nil {
		keys = ledger.Pending(l, keys)
	}

	tasks := make([]listing.Task, 0, len(keys))
	for _, k := range keys {
		leaf := byKey[k]
		leafTerms := terms
		if len(leafTerms) == 0 {
			leafTerms = taxonomy.Terms(leaf)
		}
		tasks = append(tasks, listing.Task{
			LeafKey:  leaf.Key,
			LeafName: leaf.Name,
			Terms:    leafTerms,
			Target:   leaf.Target,
		})
	}
	return tasks
}

// RunIngest fans tasks out to concurrency workers and blocks until they finish.
func RunIngest(ctx context.Context, in *Ingester, tasks []listing.Task, concurrency int, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	concurrency = max(1, min(concurrency, MaxConcurrency))

	q := memory.NewQueue(concurrency)
	workers := make([]*worker.Worker, 0, concurrency)
	for i := 1; i <= concurrency; i++ {
		workers = append(workers, worker.New(i, q, in, logger.Named("worker")))
	}
	logger.Info("ingest started", zap.Int("tasks", len(tasks)), zap.Int("workers", concurrency))
	if err := dispatcher.New(q, workers).Run(ctx, tasks); err != nil {
		return fmt.Errorf("dispatch ingest tasks: %w", err)
	}
	return nil
}
