package parallel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunLimitedRespectsLimit(t *testing.T) {
	var (
		current int64
		maxSeen int64
	)

	task := func(ctx context.Context) error {
		active := atomic.AddInt64(&current, 1)
		defer atomic.AddInt64(&current, -1)

		for {
			max := atomic.LoadInt64(&maxSeen)
			if active <= max || atomic.CompareAndSwapInt64(&maxSeen, max, active) {
				break
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
			return nil
		}
	}

	tasks := []func(context.Context) error{
		task, task, task, task, task,
	}

	if err := RunLimited(context.Background(), 2, tasks...); err != nil {
		t.Fatalf("RunLimited returned error: %v", err)
	}

	if maxSeen > 2 {
		t.Fatalf("expected max concurrency <= 2, observed %d", maxSeen)
	}
}

func TestForEachRunsAllItems(t *testing.T) {
	items := []string{"a", "b", "c", "d"}

	var (
		mu      sync.Mutex
		visited = make(map[string]int)
	)

	err := ForEach(context.Background(), items, 2, func(ctx context.Context, item string) error {
		mu.Lock()
		visited[item]++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach returned error: %v", err)
	}

	for _, item := range items {
		if visited[item] != 1 {
			t.Fatalf("expected %q to be visited once, got %d", item, visited[item])
		}
	}
}

func TestForEachPropagatesError(t *testing.T) {
	sentinel := errors.New("boom")

	err := ForEach(context.Background(), []int{1, 2, 3}, 0, func(ctx context.Context, item int) error {
		if item == 2 {
			return sentinel
		}
		return nil
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
}
