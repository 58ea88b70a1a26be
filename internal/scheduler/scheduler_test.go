package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/agentcp/internal/config"
)

func testScheduler(t *testing.T) *Scheduler {
	t.Helper()
	cfg := config.Scheduler{
		CoreWorkers:       2,
		MaxWorkers:        2,
		MaxTasksPerWorker: 2,
		WorkerQueueSize:   4,
		MaxSubmitRetries:  3,
	}
	s := New(context.Background(), cfg, zap.NewNop())
	t.Cleanup(s.Stop)
	return s
}

func TestSubmitRunsTask(t *testing.T) {
	s := testScheduler(t)

	var ran atomic.Bool
	done := make(chan struct{})
	err := s.Submit(context.Background(), func(ctx context.Context) {
		ran.Store(true)
		close(done)
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run within 1s")
	}
	if !ran.Load() {
		t.Fatal("task body did not execute")
	}

	stats := s.Stats()
	if stats.Received != 1 {
		t.Fatalf("Received = %d, want 1", stats.Received)
	}
}

func TestSubmitDistributesAcrossWorkers(t *testing.T) {
	s := testScheduler(t)

	const n = 6
	var wg chanCounter
	wg.init(n)
	for i := 0; i < n; i++ {
		if err := s.Submit(context.Background(), func(ctx context.Context) {
			time.Sleep(20 * time.Millisecond)
			wg.done()
		}); err != nil {
			t.Fatalf("Submit %d returned error: %v", i, err)
		}
	}

	select {
	case <-wg.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("not all tasks completed within 2s")
	}
}

func TestSubmitRejectsWhenSaturated(t *testing.T) {
	cfg := config.Scheduler{
		CoreWorkers:       1,
		MaxWorkers:        1,
		MaxTasksPerWorker: 1,
		WorkerQueueSize:   1,
		MaxSubmitRetries:  1,
	}
	s := New(context.Background(), cfg, zap.NewNop())
	t.Cleanup(s.Stop)

	block := make(chan struct{})
	defer close(block)

	// Occupy the single worker's only in-flight slot so every later task it
	// takes off its queue is counted as rejected.
	if err := s.Submit(context.Background(), func(ctx context.Context) { <-block }); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond) // let the worker pick up the in-flight task

	for i := 0; i < 5; i++ {
		_ = s.Submit(context.Background(), func(ctx context.Context) {})
	}

	stats := s.Stats()
	if stats.Rejected == 0 {
		t.Fatal("expected at least one rejected submission once the single worker saturated")
	}
}

// chanCounter is a minimal countdown latch built on a channel, avoiding a
// sync.WaitGroup so the test can also select on a timeout.
type chanCounter struct {
	ch      chan struct{}
	counter atomic.Int64
}

func (c *chanCounter) init(n int) {
	c.ch = make(chan struct{})
	c.counter.Store(int64(n))
}

func (c *chanCounter) done() {
	if c.counter.Add(-1) == 0 {
		close(c.ch)
	}
}
