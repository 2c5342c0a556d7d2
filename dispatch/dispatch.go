// Package dispatch runs a batch of independent work items across a bounded
// pool of workers and returns the results in input order.
//
// Workers claim items from a shared queue, so a slow item never blocks the
// others, and each item is processed exactly once. Results are buffered and
// reassembled by input position rather than streamed in completion order.
//
// Example usage:
//
//	runner := dispatch.New(action, dispatch.WithMaxParallel(4))
//	results, err := runner.Run(ctx, queries)
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// DefaultMaxParallel is the worker limit used when none is configured.
const DefaultMaxParallel = 10

// Action performs the work for a single item and returns its output.
// Implementations must be safe for concurrent use; the runner calls it from
// multiple goroutines.
type Action func(ctx context.Context, item string) (string, error)

// Result is the outcome of one item, tagged with the item's input position.
// Output is kept even when Err is non-nil so partial output is not lost.
type Result struct {
	Index  int
	Item   string
	Output string
	Err    error
}

var (
	// ErrNoItems is returned by Run when the item list is empty.
	ErrNoItems = errors.New("dispatch: no work items")

	// ErrInvalidLimit is returned by Run when the configured parallelism
	// limit is not positive.
	ErrInvalidLimit = errors.New("dispatch: parallelism limit must be at least 1")
)

// Runner executes an Action over batches of items with bounded parallelism.
type Runner struct {
	action Action
	limit  int
	logger *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithMaxParallel sets the maximum number of concurrent action calls.
// The effective limit for a batch is clamped to the number of items.
func WithMaxParallel(n int) Option {
	return func(r *Runner) {
		r.limit = n
	}
}

// WithLogger sets the logger used for per-item progress.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// New creates a Runner that invokes action once per item.
func New(action Action, opts ...Option) *Runner {
	r := &Runner{
		action: action,
		limit:  DefaultMaxParallel,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// EffectiveParallelism returns the number of workers Run will use for a batch
// of n items.
func (r *Runner) EffectiveParallelism(n int) int {
	return min(r.limit, n)
}

// Run executes the action once per item and returns one Result per item,
// ordered by input position regardless of completion order.
//
// An individual action failure is recorded in that item's Result and never
// aborts the batch. Run itself fails only on an empty item list or an
// invalid parallelism limit, in both cases before any action is invoked.
func (r *Runner) Run(ctx context.Context, items []string) ([]Result, error) {
	if r.limit < 1 {
		return nil, ErrInvalidLimit
	}
	if len(items) == 0 {
		return nil, ErrNoItems
	}

	workers := r.EffectiveParallelism(len(items))
	results := make([]Result, len(items))

	// Workers claim the next unprocessed index from a shared counter, so no
	// item is picked up twice and every result slot has exactly one writer.
	var next atomic.Int64
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				i := int(next.Add(1)) - 1
				if i >= len(items) {
					return nil
				}

				item := items[i]
				r.logger.Debug("item started", "index", i)

				output, err := r.action(ctx, item)
				results[i] = Result{
					Index:  i,
					Item:   item,
					Output: output,
					Err:    err,
				}

				if err != nil {
					r.logger.Warn("item failed", "index", i, "error", err)
				} else {
					r.logger.Debug("item completed", "index", i)
				}
			}
		})
	}

	// Workers never return errors; item failures stay in their slots.
	_ = g.Wait()

	return results, nil
}
