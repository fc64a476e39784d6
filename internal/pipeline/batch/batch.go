// Package batch runs a fallible callback over a sequence of elements in
// fixed-size batches. Batches execute strictly sequentially in input order;
// elements within a batch run concurrently. A batch that fails is retried as
// a whole before the failure aborts the run.
//
// Batching rather than full concurrency bounds the number of simultaneous
// outbound RPC requests to respect provider rate limits while still
// overlapping network latency.
package batch

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Run partitions elements into consecutive batches of size batchSize (the
// last batch may be smaller) and invokes fn once per element, concurrently
// within a batch. The next batch starts only when every invocation of the
// current batch has completed. If any invocation fails, the whole batch is
// re-run up to attempts times; exhaustion aborts the run with the last error.
func Run[T any](ctx context.Context, elements []T, batchSize int, attempts int, fn func(ctx context.Context, elem T) error) error {
	if batchSize <= 0 {
		return fmt.Errorf("batch: size must be positive, got %d", batchSize)
	}
	if attempts <= 0 {
		attempts = 1
	}

	for start := 0; start < len(elements); start += batchSize {
		end := start + batchSize
		if end > len(elements) {
			end = len(elements)
		}

		if err := runBatch(ctx, elements[start:end], attempts, fn); err != nil {
			return fmt.Errorf("batch [%d,%d): %w", start, end, err)
		}
	}
	return nil
}

func runBatch[T any](ctx context.Context, elems []T, attempts int, fn func(ctx context.Context, elem T) error) error {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		g, gCtx := errgroup.WithContext(ctx)
		for _, elem := range elems {
			elem := elem
			g.Go(func() error {
				return fn(gCtx, elem)
			})
		}

		lastErr = g.Wait()
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}
