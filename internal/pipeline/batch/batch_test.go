package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitLong = 2 * time.Second
	waitTick = 5 * time.Millisecond
)

func TestRun_BatchesAreSequentialInInputOrder(t *testing.T) {
	var mu sync.Mutex
	var observed [][]int
	var current []int

	elems := []int{1, 2, 3, 4, 5, 6, 7}
	err := Run(context.Background(), elems, 3, 1, func(_ context.Context, e int) error {
		mu.Lock()
		current = append(current, e)
		if len(current) == 3 || (len(observed) == 2 && len(current) == 1) {
			observed = append(observed, current)
			current = nil
		}
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	// Three batches: {1,2,3}, {4,5,6}, {7}. Completion order within a batch
	// is unspecified, but no element of a later batch may appear before an
	// earlier batch is complete.
	require.Len(t, observed, 3)
	assert.ElementsMatch(t, []int{1, 2, 3}, observed[0])
	assert.ElementsMatch(t, []int{4, 5, 6}, observed[1])
	assert.ElementsMatch(t, []int{7}, observed[2])
}

func TestRun_ElementsWithinBatchRunConcurrently(t *testing.T) {
	const size = 4
	var entered atomic.Int32
	release := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), []int{1, 2, 3, 4}, size, 1, func(ctx context.Context, _ int) error {
			entered.Add(1)
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	// All four invocations must be in flight at once before any completes.
	assert.Eventually(t, func() bool { return entered.Load() == size }, waitLong, waitTick)
	close(release)
	require.NoError(t, <-done)
}

func TestRun_FailedBatchRetriedAsWhole(t *testing.T) {
	var calls atomic.Int32
	err := Run(context.Background(), []int{10, 20}, 2, 3, func(_ context.Context, e int) error {
		n := calls.Add(1)
		// First full batch pass fails on element 20, succeeding on retry.
		if e == 20 && n <= 2 {
			return errors.New("transient scan failure")
		}
		return nil
	})
	require.NoError(t, err)
	// Both elements re-ran on the retry pass.
	assert.Equal(t, int32(4), calls.Load())
}

func TestRun_RetryExhaustionAbortsRun(t *testing.T) {
	boom := errors.New("scan failed")
	var secondBatchRan atomic.Bool

	err := Run(context.Background(), []int{1, 2, 3, 4}, 2, 2, func(_ context.Context, e int) error {
		if e > 2 {
			secondBatchRan.Store(true)
			return nil
		}
		if e == 2 {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, secondBatchRan.Load(), "later batches must not start after an aborted batch")
}

func TestRun_LastBatchMayBeSmaller(t *testing.T) {
	var count atomic.Int32
	err := Run(context.Background(), []string{"a", "b", "c"}, 2, 1, func(_ context.Context, _ string) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), count.Load())
}

func TestRun_EmptyInputIsNoop(t *testing.T) {
	err := Run(context.Background(), nil, 5, 1, func(_ context.Context, _ int) error {
		t.Fatal("callback must not run")
		return nil
	})
	assert.NoError(t, err)
}

func TestRun_InvalidBatchSize(t *testing.T) {
	err := Run(context.Background(), []int{1}, 0, 1, func(_ context.Context, _ int) error { return nil })
	assert.Error(t, err)
}

func TestRun_ContextCancellationStopsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Run(ctx, []int{1, 2}, 1, 3, func(ctx context.Context, _ int) error {
		return ctx.Err()
	})
	assert.Error(t, err)
}
