package workflow

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
)

// runBatches processes items in fixed-size concurrent batches. All items of
// a batch are awaited before the next batch starts; there is no ordering
// guarantee within a batch. A failure (or panic) on one item is captured
// and does not affect siblings.
//
// The returned slice is index-aligned with items; nil entries succeeded.
// A stop function may end the loop between batches (used by per-run caps);
// remaining items are left untouched.
func runBatches(ctx context.Context, n, batchSize int, fn func(ctx context.Context, i int) error, stop func() bool) []error {
	if batchSize <= 0 {
		batchSize = 50
	}
	errs := make([]error, n)

	for start := 0; start < n; start += batchSize {
		if ctx.Err() != nil {
			for i := start; i < n; i++ {
				errs[i] = ctx.Err()
			}
			return errs
		}
		if stop != nil && stop() {
			return errs
		}

		end := start + batchSize
		if end > n {
			end = n
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				// One bad item must not take down the whole batch.
				defer func() {
					if r := recover(); r != nil {
						errs[i] = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
					}
				}()
				errs[i] = fn(ctx, i)
			}()
		}
		wg.Wait()
	}
	return errs
}
