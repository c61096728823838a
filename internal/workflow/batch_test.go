package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestRunBatchesIsolatesErrors(t *testing.T) {
	t.Parallel()
	errs := runBatches(context.Background(), 10, 3, func(_ context.Context, i int) error {
		if i == 4 {
			return errors.New("boom")
		}
		return nil
	}, nil)

	for i, err := range errs {
		if i == 4 && err == nil {
			t.Fatal("error for item 4 lost")
		}
		if i != 4 && err != nil {
			t.Fatalf("item %d failed: %v", i, err)
		}
	}
}

func TestRunBatchesRecoversPanics(t *testing.T) {
	t.Parallel()
	errs := runBatches(context.Background(), 3, 3, func(_ context.Context, i int) error {
		if i == 1 {
			panic("bad item")
		}
		return nil
	}, nil)

	if errs[1] == nil {
		t.Fatal("panic not converted to an error")
	}
	if errs[0] != nil || errs[2] != nil {
		t.Fatal("panic affected sibling items")
	}
}

func TestRunBatchesStopBetweenBatches(t *testing.T) {
	t.Parallel()
	var done atomic.Int32
	runBatches(context.Background(), 10, 2, func(_ context.Context, _ int) error {
		done.Add(1)
		return nil
	}, func() bool {
		return done.Load() >= 4
	})

	if got := done.Load(); got != 4 {
		t.Fatalf("processed %d items, want 4 (two batches)", got)
	}
}

func TestRunBatchesHonorsContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	errs := runBatches(ctx, 5, 2, func(context.Context, int) error {
		t.Error("item ran after cancellation")
		return nil
	}, nil)
	for i, err := range errs {
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("item %d err = %v, want context.Canceled", i, err)
		}
	}
}
