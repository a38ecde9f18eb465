// Package scheduler tests for background sync scheduling functionality.
package scheduler

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/csmsync/internal/connectivity"
	"github.com/kimhsiao/csmsync/internal/db/dbtest"
	"github.com/kimhsiao/csmsync/internal/errors"
	syncpkg "github.com/kimhsiao/csmsync/internal/sync"
	"github.com/kimhsiao/csmsync/internal/sync/queue"
)

// =====================================================
// Test Helpers
// =====================================================

// fakeEngine counts passes. When gate is set each pass blocks until it is closed.
type fakeEngine struct {
	mu    sync.Mutex
	calls int
	err   error
	gate  chan struct{}
}

func (f *fakeEngine) Sync(ctx context.Context) (*syncpkg.SyncResult, error) {
	f.mu.Lock()
	f.calls++
	gate, err := f.gate, f.err
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return &syncpkg.SyncResult{Error: err.Error()}, err
	}
	return &syncpkg.SyncResult{Uploaded: 1}, nil
}

func (f *fakeEngine) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeEngine) SetEventHandler(syncpkg.SyncEventHandler) {}
func (f *fakeEngine) Status() syncpkg.SyncStatus               { return syncpkg.SyncStatusIdle }
func (f *fakeEngine) LastSync() *time.Time                     { return nil }
func (f *fakeEngine) PendingChanges() int                      { return 3 }
func (f *fakeEngine) LastError() error                         { return nil }

var _ syncpkg.SyncEngineInterface = (*fakeEngine)(nil)

func fastConfig() *SchedulerConfig {
	return &SchedulerConfig{SyncInterval: 10 * time.Millisecond, PassTimeout: time.Second}
}

// =====================================================
// Config Tests
// =====================================================

func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()
	assert.Equal(t, 30*time.Second, config.SyncInterval)
	assert.Equal(t, 5*time.Minute, config.PassTimeout)
}

func TestNewScheduler_fillsZeroConfig(t *testing.T) {
	s := NewScheduler(&fakeEngine{}, nil, nil, &SchedulerConfig{})
	assert.Equal(t, 30*time.Second, s.syncInterval)
	assert.Equal(t, 5*time.Minute, s.passTimeout)
	assert.False(t, s.IsRunning())
	assert.True(t, s.IsOnline(), "no probe means online")
}

// =====================================================
// Lifecycle Tests
// =====================================================

func TestScheduler_ticksRunPasses(t *testing.T) {
	engine := &fakeEngine{}
	s := NewScheduler(engine, connectivity.NewManual(true), nil, fastConfig())

	s.Start(context.Background())
	s.Start(context.Background()) // second start is a no-op
	assert.True(t, s.IsRunning())

	assert.Eventually(t, func() bool { return engine.Calls() >= 2 }, time.Second, 5*time.Millisecond)
	s.Stop()
	assert.False(t, s.IsRunning())

	n := engine.Calls()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, engine.Calls(), "no passes after Stop")
}

func TestScheduler_offlineTicksAreSkipped(t *testing.T) {
	engine := &fakeEngine{}
	s := NewScheduler(engine, connectivity.NewManual(false), nil, fastConfig())

	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()
	assert.Zero(t, engine.Calls())
}

func TestScheduler_errorsDoNotStopTicker(t *testing.T) {
	engine := &fakeEngine{err: stderrors.New("remote down")}
	s := NewScheduler(engine, nil, nil, fastConfig())

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return engine.Calls() >= 3 }, time.Second, 5*time.Millisecond)
	s.Stop()

	status := s.GetStatus(context.Background())
	assert.Equal(t, "remote down", status.LastError)
	assert.Nil(t, status.LastSyncTime)
}

func TestScheduler_connectivityRestoredTriggersPass(t *testing.T) {
	engine := &fakeEngine{}
	probe := connectivity.NewManual(false)
	s := NewScheduler(engine, probe, nil, &SchedulerConfig{SyncInterval: time.Hour})

	s.Start(context.Background())
	assert.Equal(t, 1, probe.Subscribers())

	probe.SetOnline(true)
	assert.Eventually(t, func() bool { return engine.Calls() == 1 }, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.Zero(t, probe.Subscribers(), "Stop unsubscribes")

	probe.SetOnline(false)
	probe.SetOnline(true)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, engine.Calls())
}

func TestScheduler_cancelledContextStops(t *testing.T) {
	engine := &fakeEngine{}
	probe := connectivity.NewManual(true)
	s := NewScheduler(engine, probe, nil, &SchedulerConfig{SyncInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	require.True(t, s.IsRunning())
	cancel()

	assert.Eventually(t, func() bool { return !s.IsRunning() }, time.Second, 5*time.Millisecond)
	assert.Zero(t, probe.Subscribers(), "unsubscribed when the context ends")
	assert.False(t, s.TriggerSync(context.Background()))
	s.Stop()

	s.Start(context.Background())
	assert.True(t, s.IsRunning())
	assert.True(t, s.TriggerSync(context.Background()))
	s.Stop()
	assert.Equal(t, 1, engine.Calls())
}

func TestScheduler_noPassAfterStop(t *testing.T) {
	engine := &fakeEngine{}
	s := NewScheduler(engine, nil, nil, &SchedulerConfig{SyncInterval: time.Hour})
	ctx := context.Background()

	assert.False(t, s.TriggerSync(ctx), "not started")

	s.Start(ctx)
	s.Stop()
	assert.False(t, s.TriggerSync(ctx))
	s.Wait()
	assert.Zero(t, engine.Calls())

	_, err := s.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, engine.Calls())
	assert.Zero(t, s.GetStatus(ctx).SkippedPasses)
}

// =====================================================
// Pass Guard Tests
// =====================================================

func TestScheduler_passGuard(t *testing.T) {
	gate := make(chan struct{})
	engine := &fakeEngine{gate: gate}
	s := NewScheduler(engine, nil, nil, &SchedulerConfig{SyncInterval: time.Hour})
	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop()

	require.True(t, s.TriggerSync(ctx))
	assert.Eventually(t, func() bool { return engine.Calls() == 1 }, time.Second, 5*time.Millisecond)

	assert.False(t, s.TriggerSync(ctx), "pass in flight")
	_, err := s.SyncNow(ctx)
	assert.Equal(t, errors.ErrSyncInProgress, errors.CodeOf(err))
	assert.True(t, s.GetStatus(ctx).SyncInProgress)

	close(gate)
	s.Wait()

	status := s.GetStatus(ctx)
	assert.False(t, status.SyncInProgress)
	assert.Equal(t, 1, status.Passes)
	assert.Equal(t, 2, status.SkippedPasses)
	assert.NotNil(t, status.LastSyncTime)
}

func TestScheduler_SyncNow(t *testing.T) {
	engine := &fakeEngine{}
	ledger := queue.NewLedger(dbtest.Open(t), queue.DefaultPolicy())
	s := NewScheduler(engine, nil, ledger, nil)
	ctx := context.Background()

	require.NoError(t, ledger.RecordDelete(ctx, 12, 7))

	res, err := s.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)

	status := s.GetStatus(ctx)
	assert.Equal(t, 1, status.Passes)
	assert.Equal(t, 3, status.PendingItems)
	require.NotNil(t, status.QueueStats)
	assert.Equal(t, 1, status.QueueStats.PendingDeletes)
	assert.Equal(t, res, status.LastResult)
}
