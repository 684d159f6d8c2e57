package digest

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Worker drives the digest use case on a fixed tick. Each tick gets a
// processing budget of 90% of the interval so one pass cannot bleed into
// the next.
type Worker struct {
	uc        *UseCase
	interval  time.Duration
	budget    time.Duration
	batchSize int

	shutdown atomic.Bool
	done     chan struct{}
}

// NewWorker builds a worker digesting batchSize archives per pass.
func NewWorker(uc *UseCase, interval, budget time.Duration, batchSize int) *Worker {
	return &Worker{
		uc:        uc,
		interval:  interval,
		budget:    budget,
		batchSize: batchSize,
		done:      make(chan struct{}),
	}
}

// Run ticks until ctx is cancelled or Shutdown is called.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	slog.Info("digest: worker started", "interval", w.interval, "batch", w.batchSize)

	tick := time.NewTicker(w.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if w.shutdown.Load() {
				return
			}
			w.pass(ctx)
		}
	}
}

// pass drains the queue until it is empty, the budget runs out or a
// shutdown is requested.
func (w *Worker) pass(ctx context.Context) {
	deadline := time.Now().Add(w.budget)
	for {
		if time.Now().After(deadline) {
			slog.Debug("digest: budget exhausted, deferring to next tick")
			return
		}
		if w.shutdown.Load() || ctx.Err() != nil {
			return
		}

		processed, err := w.uc.ProcessBatch(ctx, w.batchSize)
		if err != nil {
			slog.Warn("digest: batch failed", "error", err)
			continue
		}
		if processed == 0 {
			return
		}
		slog.Info("digest: batch processed", "count", processed)
	}
}

// Shutdown asks the worker to stop after the current batch and waits for
// it to exit.
func (w *Worker) Shutdown() {
	w.shutdown.Store(true)
	<-w.done
}
