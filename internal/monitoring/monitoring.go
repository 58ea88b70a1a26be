// Package monitoring implements the per-identity MonitoringService: a 10s
// snapshot loop that reads the metrics summary, updates the sliding
// windows, samples host resource usage, and persists a snapshot row to a
// local time-series store with try-lock-and-skip-on-contention semantics,
// per spec §4.8.
package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/arkeep-io/agentcp/internal/metrics"
)

const (
	snapshotInterval  = 10 * time.Second
	retentionSweep    = time.Hour
	defaultRetention  = 7 * 24 * time.Hour
)

// Service is the per-identity monitoring snapshot loop.
type Service struct {
	agentID   string
	collector *metrics.Collector
	windows   *metrics.Manager
	store     SnapshotStore
	logger    *zap.Logger
	retention time.Duration

	// wMu/writing implement the try-lock: a snapshot write skips rather
	// than queues when the previous tick's write is still in flight.
	wMu     sync.Mutex
	writing bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Service. retention defaults to 7 days when zero.
func New(agentID string, collector *metrics.Collector, store SnapshotStore, logger *zap.Logger, retention time.Duration) *Service {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Service{
		agentID:   agentID,
		collector: collector,
		windows:   metrics.NewManager(),
		store:     store,
		logger:    logger.Named("monitoring"),
		retention: retention,
	}
}

// Start launches the snapshot-tick and hourly-retention goroutines.
func (s *Service) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.snapshotLoop(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.retentionLoop(runCtx)
	}()
}

// Stop cancels both loops and waits for them to exit. Per spec §4.7's
// reset-orchestration note ("stop monitoring service non-blocking"), the
// caller is expected not to wait long: both loops check ctx.Done()
// promptly between ticks.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Service) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	summary := s.collector.Snapshot()
	s.windows.Update(summary)

	cpuPct, memPct := sampleHost()

	if !s.tryLockWrite() {
		s.logger.Debug("monitoring: snapshot write skipped, previous write still in flight")
		return
	}
	defer s.unlockWrite()

	row := Snapshot{
		AgentID:       s.agentID,
		Timestamp:     summary.Timestamp.UnixMilli(),
		ReceivedTotal: summary.ReceivedTotal,
		DispatchedOK:  summary.DispatchedOK,
		HandlerFailed: summary.HandlerFailed,
		QueueDropped:  summary.QueueDropped,
		CPUPercent:    cpuPct,
		MemPercent:    memPct,
	}
	if err := s.store.InsertSnapshot(ctx, row); err != nil {
		s.logger.Warn("monitoring: snapshot persist failed", zap.Error(err))
	}
}

func (s *Service) tryLockWrite() bool {
	s.wMu.Lock()
	defer s.wMu.Unlock()
	if s.writing {
		return false
	}
	s.writing = true
	return true
}

func (s *Service) unlockWrite() {
	s.wMu.Lock()
	s.writing = false
	s.wMu.Unlock()
}

func (s *Service) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(retentionSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.retention).UnixMilli()
			if err := s.store.DeleteOlderThan(ctx, cutoff); err != nil {
				s.logger.Warn("monitoring: retention cleanup failed", zap.Error(err))
			}
		}
	}
}

// Windows returns the current sliding-window statistics.
func (s *Service) Windows() []metrics.Stats {
	return s.windows.Snapshot()
}

func sampleHost() (cpuPercent, memPercent float64) {
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memPercent = vm.UsedPercent
	}
	return cpuPercent, memPercent
}
