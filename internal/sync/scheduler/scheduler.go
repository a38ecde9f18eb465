// Package scheduler runs sync passes in the background: on a timer and whenever
// connectivity comes back.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/csmsync/internal/connectivity"
	"github.com/kimhsiao/csmsync/internal/errors"
	"github.com/kimhsiao/csmsync/internal/logging"
	syncpkg "github.com/kimhsiao/csmsync/internal/sync"
	"github.com/kimhsiao/csmsync/internal/sync/queue"
)

// Scheduler manages background sync operations.
type Scheduler struct {
	engine       syncpkg.SyncEngineInterface
	probe        connectivity.Probe
	ledger       *queue.Ledger
	syncInterval time.Duration
	passTimeout  time.Duration
	now          func() time.Time

	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.RWMutex
	isRunning   bool
	unsubscribe func()
	lastSync    time.Time
	lastResult  *syncpkg.SyncResult
	lastErr     error
	inProgress  bool
	passes      int
	skipped     int
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // How often to sync when online (default: 30 seconds)
	PassTimeout  time.Duration // Upper bound of one pass (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: 30 * time.Second,
		PassTimeout:  5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. probe and ledger may be nil: without a probe
// every tick attempts a pass, without a ledger GetStatus reports no queue stats.
func NewScheduler(engine syncpkg.SyncEngineInterface, probe connectivity.Probe, ledger *queue.Ledger, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	def := DefaultSchedulerConfig()
	if config.SyncInterval <= 0 {
		config.SyncInterval = def.SyncInterval
	}
	if config.PassTimeout <= 0 {
		config.PassTimeout = def.PassTimeout
	}

	return &Scheduler{
		engine:       engine,
		probe:        probe,
		ledger:       ledger,
		syncInterval: config.SyncInterval,
		passTimeout:  config.PassTimeout,
		now:          time.Now,
		stopCh:       make(chan struct{}),
	}
}

// Start starts the timer loop and subscribes to connectivity changes. The scheduler
// stops on its own when ctx ends and can be started again.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	if s.probe != nil {
		s.unsubscribe = s.probe.Subscribe(func() {
			logging.Info("connectivity restored, triggering sync", nil)
			s.TriggerSync(ctx)
		})
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.periodicSyncLoop(ctx, stopCh)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval_seconds": s.syncInterval.Seconds(),
	})
}

// Stop stops the timer and unsubscribes, then waits for background passes to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.teardown()
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// teardown clears the running state. The caller holds mu.
func (s *Scheduler) teardown() {
	s.isRunning = false
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}

// periodicSyncLoop runs a pass on every tick while online.
func (s *Scheduler) periodicSyncLoop(ctx context.Context, stopCh chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			if s.isRunning && s.stopCh == stopCh {
				s.teardown()
			}
			s.mu.Unlock()
			logging.Info("Background sync scheduler stopped", map[string]interface{}{"reason": ctx.Err().Error()})
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				logging.Debug("Skipping sync - offline", nil)
				continue
			}
			s.TriggerSync(ctx)
		}
	}
}

// begin claims the pass guard. A background pass also needs the scheduler running
// and is registered with wg under the same lock Stop takes.
func (s *Scheduler) begin(background bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if background && !s.isRunning {
		return false
	}
	if s.inProgress {
		s.skipped++
		return false
	}
	s.inProgress = true
	if background {
		s.wg.Add(1)
	}
	return true
}

func (s *Scheduler) finish(res *syncpkg.SyncResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inProgress = false
	s.passes++
	s.lastResult = res
	s.lastErr = err
	if err == nil {
		s.lastSync = s.now()
	}
}

// runSync executes one pass. The caller holds the pass guard.
func (s *Scheduler) runSync(ctx context.Context) (*syncpkg.SyncResult, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.passTimeout)
	defer cancel()

	result, err := s.engine.Sync(syncCtx)
	s.finish(result, err)
	return result, err
}

// TriggerSync starts a pass in the background.
// Returns true if a pass was started, false if one is already in progress or the
// scheduler is not running.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if !s.begin(true) {
		logging.Debug("Sync not started: scheduler stopped or pass in progress", nil)
		return false
	}

	go func() {
		defer s.wg.Done()
		if _, err := s.runSync(ctx); err != nil {
			logging.ErrorWithCode("Background sync failed", string(codeOf(err)), err,
				map[string]interface{}{"interval_seconds": s.syncInterval.Seconds()})
		}
	}()
	return true
}

// SyncNow runs a pass and waits for completion, whether or not the scheduler is
// running. It fails with ErrSyncInProgress when another pass is running.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	if !s.begin(false) {
		return nil, errors.New(errors.ErrSyncInProgress, "sync already in progress")
	}
	return s.runSync(ctx)
}

func codeOf(err error) errors.ErrorCode {
	if code := errors.CodeOf(err); code != "" {
		return code
	}
	return errors.ErrSyncFailed
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning      bool                `json:"is_running"`
	IsOnline       bool                `json:"is_online"`
	SyncInProgress bool                `json:"sync_in_progress"`
	LastSyncTime   *time.Time          `json:"last_sync_time,omitempty"`
	LastResult     *syncpkg.SyncResult `json:"last_result,omitempty"`
	LastError      string              `json:"last_error,omitempty"`
	Passes         int                 `json:"passes"`
	SkippedPasses  int                 `json:"skipped_passes"`
	PendingItems   int                 `json:"pending_items"`
	QueueStats     *queue.Stats        `json:"queue_stats,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus(ctx context.Context) SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		SyncInProgress: s.inProgress,
		LastResult:     s.lastResult,
		Passes:         s.passes,
		SkippedPasses:  s.skipped,
	}
	if !s.lastSync.IsZero() {
		t := s.lastSync
		status.LastSyncTime = &t
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	s.mu.RUnlock()

	status.IsOnline = s.IsOnline()
	status.PendingItems = s.engine.PendingChanges()
	if s.ledger != nil {
		if st, err := s.ledger.Stats(ctx); err == nil {
			status.QueueStats = &st
		} else {
			logging.Warn("read ledger stats failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return status
}

// IsOnline reports the probe's view; without a probe the scheduler assumes online.
func (s *Scheduler) IsOnline() bool {
	if s.probe == nil {
		return true
	}
	return s.probe.IsOnline()
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Wait blocks until every background pass started so far has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
