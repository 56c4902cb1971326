package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/NicolasHaas/byteswap/pkg/datastore"
	"github.com/NicolasHaas/byteswap/pkg/metrics"
)

// task is one preference store call issued after a state transition.
type task struct {
	name   string
	userID string
	fn     func(ctx context.Context) error
}

// txn collects the side effects of one critical section.
type txn struct {
	tasks []task
}

func (tx *txn) clearPreferences(store datastore.DataProviderFactory, userID string) {
	tx.tasks = append(tx.tasks, task{
		name:   "clear preferences",
		userID: userID,
		fn: func(ctx context.Context) error {
			return store.NonTx().ClearPreferences(ctx, userID)
		},
	})
}

func (tx *txn) clearIfNonEmpty(store datastore.DataProviderFactory, userID string) {
	tx.tasks = append(tx.tasks, task{
		name:   "clear preferences on disconnect",
		userID: userID,
		fn: func(ctx context.Context) error {
			_, err := datastore.ClearIfNonEmpty(ctx, store, userID)
			return err
		},
	})
}

// taskRunner runs tasks in the background with bounded concurrency.
// Failures are logged and counted, never returned to the caller.
type taskRunner struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	timeout time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics
}

func newTaskRunner(limit int, timeout time.Duration, log *slog.Logger, m *metrics.Metrics) *taskRunner {
	return &taskRunner{
		sem:     make(chan struct{}, limit),
		timeout: timeout,
		log:     log,
		metrics: m,
	}
}

func (r *taskRunner) submit(t task) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		r.sem <- struct{}{}
		defer func() { <-r.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := t.fn(ctx); err != nil {
			err = fmt.Errorf("%w: %s: %w", ErrPersistence, t.name, err)
			r.log.Warn("preference store call failed", "task", t.name, "user", t.userID, "err", err)
			r.metrics.PersistenceFailures.Add(1)
		}
	}()
}

func (r *taskRunner) wait() {
	r.wg.Wait()
}
