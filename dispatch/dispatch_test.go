package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inflightTracker records the peak number of concurrent callers.
type inflightTracker struct {
	mu      sync.Mutex
	current int
	peak    int
}

func (t *inflightTracker) enter() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current++
	if t.current > t.peak {
		t.peak = t.current
	}
}

func (t *inflightTracker) exit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current--
}

func (t *inflightTracker) Peak() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peak
}

func upperAction(ctx context.Context, item string) (string, error) {
	return strings.ToUpper(item), nil
}

func TestRun_PreservesInputOrder(t *testing.T) {
	items := []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot"}

	// Earlier items take longer, so completion order is roughly the reverse
	// of input order.
	delays := make(map[string]time.Duration, len(items))
	for i, item := range items {
		delays[item] = time.Duration(len(items)-i) * 10 * time.Millisecond
	}
	action := func(ctx context.Context, item string) (string, error) {
		time.Sleep(delays[item])
		return strings.ToUpper(item), nil
	}

	runner := New(action, WithMaxParallel(len(items)))
	results, err := runner.Run(context.Background(), items)
	require.NoError(t, err)
	require.Len(t, results, len(items))

	for i, res := range results {
		assert.Equal(t, i, res.Index, "result %d has wrong index", i)
		assert.Equal(t, items[i], res.Item, "result %d has wrong item", i)
		assert.Equal(t, strings.ToUpper(items[i]), res.Output, "result %d has wrong output", i)
		assert.NoError(t, res.Err)
	}
}

func TestRun_EmptyItems(t *testing.T) {
	var calls atomic.Int64
	action := func(ctx context.Context, item string) (string, error) {
		calls.Add(1)
		return "", nil
	}

	runner := New(action)

	results, err := runner.Run(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoItems)
	assert.Nil(t, results)
	assert.Zero(t, calls.Load(), "action should not be invoked for an empty batch")
}

func TestRun_InvalidLimit(t *testing.T) {
	tests := []struct {
		name  string
		limit int
	}{
		{name: "zero", limit: 0},
		{name: "negative", limit: -3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int64
			action := func(ctx context.Context, item string) (string, error) {
				calls.Add(1)
				return "", nil
			}

			runner := New(action, WithMaxParallel(tt.limit))

			results, err := runner.Run(context.Background(), []string{"a", "b"})
			require.ErrorIs(t, err, ErrInvalidLimit)
			assert.Nil(t, results)
			assert.Zero(t, calls.Load(), "action should not be invoked with an invalid limit")
		})
	}
}

func TestRun_FailureIsolation(t *testing.T) {
	failErr := errors.New("search command failed")
	action := func(ctx context.Context, item string) (string, error) {
		if item == "b" {
			return "partial output", failErr
		}
		return strings.ToUpper(item), nil
	}

	runner := New(action, WithMaxParallel(2))
	results, err := runner.Run(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err, "one failing item should not fail the batch")
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.Equal(t, "A", results[0].Output)

	require.ErrorIs(t, results[1].Err, failErr)
	assert.Equal(t, "partial output", results[1].Output, "failed item keeps its partial output")

	assert.NoError(t, results[2].Err)
	assert.Equal(t, "C", results[2].Output)
}

func TestRun_BoundsParallelism(t *testing.T) {
	tests := []struct {
		name      string
		limit     int
		items     int
		wantBound int
	}{
		{name: "limit below items", limit: 2, items: 8, wantBound: 2},
		{name: "limit above items clamps", limit: 10, items: 3, wantBound: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tracker inflightTracker
			action := func(ctx context.Context, item string) (string, error) {
				tracker.enter()
				defer tracker.exit()
				time.Sleep(20 * time.Millisecond)
				return item, nil
			}

			items := make([]string, tt.items)
			for i := range items {
				items[i] = strings.Repeat("x", i+1)
			}

			runner := New(action, WithMaxParallel(tt.limit))
			assert.Equal(t, tt.wantBound, runner.EffectiveParallelism(len(items)))

			results, err := runner.Run(context.Background(), items)
			require.NoError(t, err)
			require.Len(t, results, tt.items)
			assert.LessOrEqual(t, tracker.Peak(), tt.wantBound,
				"observed parallelism exceeded the effective limit")
		})
	}
}

func TestRun_InvokesActionOncePerItem(t *testing.T) {
	var calls atomic.Int64
	action := func(ctx context.Context, item string) (string, error) {
		calls.Add(1)
		return item, nil
	}

	// Duplicate items are still distinct work items.
	items := []string{"dup", "dup", "dup", "other"}

	runner := New(action, WithMaxParallel(2))
	results, err := runner.Run(context.Background(), items)
	require.NoError(t, err)
	require.Len(t, results, len(items))
	assert.EqualValues(t, len(items), calls.Load())
}

func TestRun_DeterministicActionIsIdempotent(t *testing.T) {
	runner := New(upperAction, WithMaxParallel(3))
	items := []string{"one", "two", "three", "four", "five"}

	first, err := runner.Run(context.Background(), items)
	require.NoError(t, err)

	second, err := runner.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
