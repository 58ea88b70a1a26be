// Package scheduler implements the MessageScheduler bounded hybrid worker
// pool described in spec §4.7 Stage C: a fixed array of worker goroutines,
// each hosting up to max_tasks_per_worker concurrent handler invocations
// behind its own bounded queue.
//
// Grounded on the teacher's agent/internal/connection.Manager goroutine/
// channel idiom (no teacher file implements a multi-worker pool directly,
// so the worker-selection and backoff algorithm is ported from spec §4.7
// rather than adapted from an existing pack file; the per-worker bounded
// channel and atomic in-flight counter follow the teacher's general
// preference for channels over explicit condition variables).
package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/agentcp/internal/config"
)

// ErrRejected is returned when a task could not be placed on any worker
// after exhausting max_submit_retries, per spec §4.7's submit algorithm.
var ErrRejected = errors.New("scheduler: task rejected, all workers saturated")

// Task is the unit of work a worker runs. Handlers are expected to respect
// ctx cancellation; the worker forcibly considers the task abandoned 1s
// after the handler timeout fires regardless of whether the goroutine
// actually returns, per spec §4.7's "1s cooperative cancellation grace".
type Task func(ctx context.Context)

// handlerTimeout bounds a single handler invocation, per spec §4.7.
const handlerTimeout = 600 * time.Second

// cancelGrace is how long the worker waits for a handler to notice context
// cancellation before abandoning it and decrementing in-flight anyway.
const cancelGrace = time.Second

const (
	submitBackoffBase = 50 * time.Millisecond
	submitBackoffCap  = 200 * time.Millisecond
	workerPutTimeout  = 5 * time.Second
)

type worker struct {
	id       int
	queue    chan Task
	inFlight atomic.Int32
}

func (w *worker) loadFraction() float64 {
	return float64(len(w.queue)) / float64(cap(w.queue))
}

func (w *worker) run(ctx context.Context, cfg config.Scheduler, logger *zap.Logger, rejected *atomic.Int64, processed, failed *atomic.Int64) {
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-w.queue:
			if !ok {
				return
			}
			if int(w.inFlight.Load()) >= cfg.MaxTasksPerWorker {
				rejected.Add(1)
				continue
			}
			w.inFlight.Add(1)
			go w.exec(ctx, task, logger, processed, failed, w)
		}
	}
}

func (w *worker) exec(ctx context.Context, task Task, logger *zap.Logger, processed, failed *atomic.Int64, self *worker) {
	defer self.inFlight.Add(-1)

	taskCtx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		task(taskCtx)
	}()

	select {
	case <-done:
		processed.Add(1)
	case <-taskCtx.Done():
		select {
		case <-done:
			processed.Add(1)
		case <-time.After(cancelGrace):
			failed.Add(1)
			logger.Warn("scheduler: handler did not honor cancellation within grace period", zap.Int("worker", w.id))
		}
	}
}

// Scheduler is the fixed worker-array pool. Workers are created up front at
// cfg.CoreWorkers; cfg.MaxWorkers is the ceiling the pool is sized to but
// this implementation runs CoreWorkers fixed goroutines for the pool's
// lifetime, matching the spec's "fixed array of workers" invariant rather
// than a dynamically growing pool.
type Scheduler struct {
	cfg     config.Scheduler
	logger  *zap.Logger
	workers []*worker

	received  atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs and starts a Scheduler with cfg.CoreWorkers workers, each
// with a WorkerQueueSize-bounded queue.
func New(ctx context.Context, cfg config.Scheduler, logger *zap.Logger) *Scheduler {
	runCtx, cancel := context.WithCancel(ctx)
	s := &Scheduler{
		cfg:    cfg,
		logger: logger.Named("scheduler"),
		ctx:    runCtx,
		cancel: cancel,
	}
	s.workers = make([]*worker, cfg.CoreWorkers)
	for i := range s.workers {
		w := &worker{id: i, queue: make(chan Task, cfg.WorkerQueueSize)}
		s.workers[i] = w
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			w.run(runCtx, cfg, s.logger, &s.rejected, &s.processed, &s.failed)
		}()
	}
	return s
}

// Submit implements spec §4.7's scheduler submit algorithm: pick the three
// least-loaded workers, skip any ≥90% full, try a 5s-bound queue put; on
// failure, back off exponentially (0.05s→0.2s) and retry up to
// MaxSubmitRetries times before counting the task rejected.
func (s *Scheduler) Submit(ctx context.Context, task Task) error {
	s.received.Add(1)

	backoff := submitBackoffBase
	for attempt := 0; attempt <= s.cfg.MaxSubmitRetries; attempt++ {
		if s.trySubmit(ctx, task) {
			return nil
		}
		if attempt == s.cfg.MaxSubmitRetries {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			s.rejected.Add(1)
			return ctx.Err()
		}
		backoff *= 2
		if backoff > submitBackoffCap {
			backoff = submitBackoffCap
		}
	}
	s.rejected.Add(1)
	return ErrRejected
}

func (s *Scheduler) trySubmit(ctx context.Context, task Task) bool {
	candidates := s.leastLoaded(3)
	for _, w := range candidates {
		if w.loadFraction() >= 0.9 {
			continue
		}
		putCtx, cancel := context.WithTimeout(ctx, workerPutTimeout)
		select {
		case w.queue <- task:
			cancel()
			return true
		case <-putCtx.Done():
			cancel()
			continue
		}
	}
	return false
}

// leastLoaded returns up to n workers sorted by ascending queue depth. Ties
// are broken by a random shuffle so load doesn't pile onto the same low
// index worker under sustained submission.
func (s *Scheduler) leastLoaded(n int) []*worker {
	ordered := make([]*worker, len(s.workers))
	copy(ordered, s.workers)
	rand.Shuffle(len(ordered), func(i, j int) { ordered[i], ordered[j] = ordered[j], ordered[i] })
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i].queue) < len(ordered[j].queue)
	})
	if n > len(ordered) {
		n = len(ordered)
	}
	return ordered[:n]
}

// Counters is a snapshot of the scheduler's global counters, per spec
// §4.7's "global counters (received, processed, failed, rejected)".
type Counters struct {
	Received  int64
	Processed int64
	Failed    int64
	Rejected  int64
}

// Stats returns a snapshot of the scheduler's global counters.
func (s *Scheduler) Stats() Counters {
	return Counters{
		Received:  s.received.Load(),
		Processed: s.processed.Load(),
		Failed:    s.failed.Load(),
		Rejected:  s.rejected.Load(),
	}
}

// Stop cancels every worker and waits for them to drain.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}
