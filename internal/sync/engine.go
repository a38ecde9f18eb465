// Package sync reconciles the local store with the remote chain in passes.
//
// A pass has three phases. Push sends every pending local record: records with a
// temporary id are inserted along the chain in priority order, pending records with
// a remote id are updated on the primary. Delete retry replays unconfirmed remote
// deletes. Pull reads the caller's scope from the primary and keeps the newer copy of
// each record by updated_at.
package sync

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/kimhsiao/csmsync/internal/connectivity"
	"github.com/kimhsiao/csmsync/internal/db"
	"github.com/kimhsiao/csmsync/internal/errors"
	"github.com/kimhsiao/csmsync/internal/logging"
	"github.com/kimhsiao/csmsync/internal/models"
	"github.com/kimhsiao/csmsync/internal/remote"
	"github.com/kimhsiao/csmsync/internal/session"
	"github.com/kimhsiao/csmsync/internal/sync/conflict"
	"github.com/kimhsiao/csmsync/internal/sync/queue"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// Phases reported to observers.
const (
	PhasePush   = "push"
	PhaseDelete = "delete"
	PhasePull   = "pull"
)

// Record outcomes reported to observers.
const (
	ResultOK       = "ok"
	ResultFailed   = "failed"
	ResultDead     = "dead_lettered"
	ResultSkipped  = "skipped"
	ResultConflict = "conflict"
)

// SyncResult represents the result of a sync operation.
type SyncResult struct {
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
	Duration     time.Duration `json:"duration"`
	Uploaded     int           `json:"uploaded"`
	Downloaded   int           `json:"downloaded"`
	Conflicts    int           `json:"conflicts"`
	Deleted      int           `json:"deleted"`
	Failed       int           `json:"failed"`
	DeadLettered int           `json:"dead_lettered"`
	Skipped      int           `json:"skipped"`
	Error        string        `json:"error,omitempty"`
}

// Observer receives pass and record outcomes, for metrics.
type Observer interface {
	ObservePass(res *SyncResult, err error)
	ObserveRecord(phase, result string)
	ObserveBacklog(pending, deadLetters int)
}

// Store is the local persistence an engine needs.
type Store interface {
	db.CustomerStore
	db.ConflictLogRepository
	queue.Store
}

// Engine runs sync passes. Only one pass runs at a time.
type Engine struct {
	store    Store
	chain    *remote.Chain
	session  session.Provider
	ledger   *queue.Ledger
	resolver *conflict.Resolver
	probe    connectivity.Probe
	observer Observer
	now      func() time.Time

	mu       stdsync.Mutex
	handler  SyncEventHandler
	status   SyncStatus
	lastSync *time.Time
	pending  int
	lastErr  error
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the retry policy of the push ledger.
func WithPolicy(p queue.Policy) Option {
	return func(e *Engine) { e.ledger = queue.NewLedger(e.store, p).WithClock(e.clock) }
}

// WithClock overrides the engine clock, including the ledger and resolver clocks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithProbe makes Sync refuse to run while the probe reports offline.
func WithProbe(p connectivity.Probe) Option {
	return func(e *Engine) { e.probe = p }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// NewSyncEngine creates an engine reconciling store with chain on behalf of the
// session's user.
func NewSyncEngine(store Store, chain *remote.Chain, sess session.Provider, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		chain:   chain,
		session: sess,
		now:     time.Now,
		status:  SyncStatusIdle,
	}
	e.ledger = queue.NewLedger(store, queue.DefaultPolicy()).WithClock(e.clock)
	e.resolver = conflict.NewResolver().WithClock(e.clock)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) clock() time.Time { return e.now() }

// Ledger returns the push retry ledger.
func (e *Engine) Ledger() *queue.Ledger {
	return e.ledger
}

// SetEventHandler implements SyncEngineInterface.
func (e *Engine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// Status returns the current sync status.
func (e *Engine) Status() SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// LastSync returns the timestamp of the last successful sync.
func (e *Engine) LastSync() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastSync == nil {
		return nil
	}
	t := *e.lastSync
	return &t
}

// PendingChanges returns the pending record count measured at the end of the last pass.
func (e *Engine) PendingChanges() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// LastError returns the last sync error.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func (e *Engine) emit(ev SyncEvent) {
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (e *Engine) record(phase, result string) {
	if e.observer != nil {
		e.observer.ObserveRecord(phase, result)
	}
}

// RetryDeadLetters makes dead-lettered records eligible for the next pass.
func (e *Engine) RetryDeadLetters(ctx context.Context) (int, error) {
	return e.ledger.RetryDeadLetters(ctx)
}

// Sync runs one pass. Remote failures on individual records are counted in the
// result, not returned. An error is returned when the pass cannot start, when a
// local store operation fails, or when the pull read fails.
func (e *Engine) Sync(ctx context.Context) (*SyncResult, error) {
	if e.chain == nil || e.chain.Empty() {
		return nil, errors.New(errors.ErrSyncNotConfigured, "no remote backend configured")
	}
	if e.probe != nil && !e.probe.IsOnline() {
		return nil, errors.New(errors.ErrOffline, "cannot sync while offline")
	}
	user, ok := e.session.CurrentUser()
	if !ok {
		return nil, errors.New(errors.ErrUnauthenticated, "sync requires a signed-in user")
	}

	e.mu.Lock()
	if e.status == SyncStatusSyncing {
		e.mu.Unlock()
		return nil, errors.New(errors.ErrSyncInProgress, "sync already in progress")
	}
	e.status = SyncStatusSyncing
	e.mu.Unlock()

	result := &SyncResult{StartTime: e.now()}
	e.emit(SyncEvent{Type: EventPassStarted})

	err := e.run(ctx, user, result)

	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	if err != nil {
		result.Error = err.Error()
	}
	pending := e.measureBacklog(ctx)

	e.mu.Lock()
	e.lastErr = err
	e.pending = pending
	if err != nil {
		e.status = SyncStatusFailed
	} else {
		e.status = SyncStatusIdle
		end := result.EndTime
		e.lastSync = &end
	}
	e.mu.Unlock()

	if e.observer != nil {
		e.observer.ObservePass(result, err)
	}
	e.emit(SyncEvent{Type: EventPassFinished, Err: err})

	fields := map[string]interface{}{
		"uploaded":      result.Uploaded,
		"downloaded":    result.Downloaded,
		"conflicts":     result.Conflicts,
		"deleted":       result.Deleted,
		"failed":        result.Failed,
		"dead_lettered": result.DeadLettered,
		"skipped":       result.Skipped,
		"duration_ms":   result.Duration.Milliseconds(),
	}
	if err != nil {
		logging.ErrorWithCode("sync pass failed", string(errors.CodeOf(err)), err, fields)
		return result, err
	}
	logging.Info("sync pass completed", fields)
	return result, nil
}

func (e *Engine) run(ctx context.Context, user session.User, result *SyncResult) error {
	if err := e.push(ctx, result); err != nil {
		return err
	}
	if err := e.retryDeletes(ctx, result); err != nil {
		return err
	}
	return e.pull(ctx, user, result)
}

// measureBacklog counts pending records and dead letters. Failures are logged only.
func (e *Engine) measureBacklog(ctx context.Context) int {
	pending, err := e.store.Count(context.WithoutCancel(ctx), db.ListFilter{PendingOnly: true})
	if err != nil {
		logging.Warn("count pending records failed", map[string]interface{}{"error": err.Error()})
		return 0
	}
	if e.observer != nil {
		dead := 0
		if st, err := e.ledger.Stats(context.WithoutCancel(ctx)); err == nil {
			dead = st.DeadLetters + st.DeadDeletes
		}
		e.observer.ObserveBacklog(pending, dead)
	}
	return pending
}

// =====================================================
// Push
// =====================================================

func (e *Engine) push(ctx context.Context, result *SyncResult) error {
	records, err := e.store.List(ctx, db.ListFilter{PendingOnly: true})
	if err != nil {
		return err
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(errors.ErrSyncTimeout, "push interrupted", err)
		}

		ready, err := e.ledger.Ready(ctx, rec.ID)
		if err != nil {
			return err
		}
		if !ready {
			result.Skipped++
			e.record(PhasePush, ResultSkipped)
			continue
		}

		if rec.IsTemporary() {
			err = e.pushInsert(ctx, rec, result)
		} else {
			err = e.pushRecord(ctx, rec, result)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// pushInsert inserts a temporary-id record along the chain under an insert claim.
// A record claimed elsewhere, or gone since the listing, is skipped.
func (e *Engine) pushInsert(ctx context.Context, rec *models.Customer, result *SyncResult) error {
	claim, err := e.ledger.ClaimInsert(ctx, rec.ID)
	if err != nil {
		return err
	}
	if claim == nil {
		result.Skipped++
		e.record(PhasePush, ResultSkipped)
		return nil
	}

	// Send the row as it is now; the claim keeps other inserters away from it.
	cur, err := e.store.Get(ctx, rec.ID)
	if err != nil || cur == nil {
		if rerr := claim.Release(ctx); rerr != nil && err == nil {
			err = rerr
		}
		return err
	}

	stored, backend, err := e.chain.Insert(ctx, cur)
	if err != nil {
		if rerr := claim.Release(ctx); rerr != nil {
			return rerr
		}
		return e.pushRejected(ctx, cur, err, result)
	}
	return e.settle(ctx, cur, stored, backend, result)
}

// pushRecord sends a pending record that already has a remote id.
func (e *Engine) pushRecord(ctx context.Context, rec *models.Customer, result *SyncResult) error {
	stored, err := e.pushUpdate(ctx, rec)
	if err != nil {
		return e.pushRejected(ctx, rec, err, result)
	}
	return e.settle(ctx, rec, stored, e.chain.Primary().Name(), result)
}

// pushRejected counts a connectivity failure against the record. Other failures
// abort the pass.
func (e *Engine) pushRejected(ctx context.Context, rec *models.Customer, cause error, result *SyncResult) error {
	if !errors.IsConnectivity(cause) {
		return cause
	}
	return e.pushFailed(ctx, rec, cause, result)
}

// settle stores the confirmed remote copy of sent, keeping any local edit made while
// the push was in flight.
func (e *Engine) settle(ctx context.Context, sent, stored *models.Customer, backend string, result *SyncResult) error {
	stored.MarkSynced(e.now())
	_, outcome, err := e.store.Settle(ctx, sent.ID, sent.UpdatedAt, stored)
	if err != nil {
		return err
	}
	if err := e.ledger.Succeeded(ctx, sent.ID); err != nil {
		return err
	}

	result.Uploaded++
	e.record(PhasePush, ResultOK)
	e.emit(SyncEvent{Type: EventRecordPushed, RecordID: sent.ID, NewID: stored.ID, Backend: backend})
	logging.Debug("record pushed", map[string]interface{}{
		"local_id":  sent.ID,
		"remote_id": stored.ID,
		"backend":   backend,
		"outcome":   outcome.String(),
	})
	return nil
}

// pushUpdate sends the full field set of a pending record that already has a remote id.
func (e *Engine) pushUpdate(ctx context.Context, rec *models.Customer) (*models.Customer, error) {
	p, err := rec.ToPatch()
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "encode pending record", err)
	}
	return e.chain.Update(ctx, rec.ID, p)
}

func (e *Engine) pushFailed(ctx context.Context, rec *models.Customer, cause error, result *SyncResult) error {
	s, err := e.ledger.Failed(ctx, rec.ID, cause)
	if err != nil {
		return err
	}
	result.Failed++
	if s.Dead {
		result.DeadLettered++
		e.record(PhasePush, ResultDead)
		e.emit(SyncEvent{Type: EventRecordDead, RecordID: rec.ID, Err: cause})
		return nil
	}
	e.record(PhasePush, ResultFailed)
	e.emit(SyncEvent{Type: EventRecordFailed, RecordID: rec.ID, Err: cause})
	return nil
}

// =====================================================
// Delete retry
// =====================================================

func (e *Engine) retryDeletes(ctx context.Context, result *SyncResult) error {
	due, err := e.ledger.DueDeletes(ctx)
	if err != nil {
		return err
	}

	for _, d := range due {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(errors.ErrSyncTimeout, "delete retry interrupted", err)
		}

		err := e.chain.Delete(ctx, d.RecordID)
		if err == nil || remote.IsNotFound(err) {
			if err := e.ledger.DeleteSucceeded(ctx, d.RecordID); err != nil {
				return err
			}
			result.Deleted++
			e.record(PhaseDelete, ResultOK)
			e.emit(SyncEvent{Type: EventDeleteConfirmed, RecordID: d.RecordID})
			continue
		}
		if !errors.IsConnectivity(err) {
			return err
		}
		if err := e.ledger.DeleteFailed(ctx, d, err); err != nil {
			return err
		}
		result.Failed++
		if d.Dead {
			result.DeadLettered++
			e.record(PhaseDelete, ResultDead)
		} else {
			e.record(PhaseDelete, ResultFailed)
		}
	}
	return nil
}

// =====================================================
// Pull
// =====================================================

func (e *Engine) pull(ctx context.Context, user session.User, result *SyncResult) error {
	q := remote.Query{}
	if !user.Privileged() {
		q.OwnerID = &user.ID
	}

	records, err := e.chain.Query(ctx, q)
	if err != nil {
		return errors.Wrap(errors.ErrSyncFailed, "pull", err)
	}

	tombstones, err := e.ledger.PendingDeletes(ctx)
	if err != nil {
		return err
	}

	scope := q.Filter()
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(errors.ErrSyncTimeout, "pull interrupted", err)
		}
		if rec == nil || rec.ID <= 0 || !scope.Match(rec) {
			continue
		}
		if _, deleted := tombstones[rec.ID]; deleted {
			continue
		}

		local, err := e.store.Get(ctx, rec.ID)
		if err != nil {
			return err
		}
		if local == nil {
			if err := e.storeRemote(ctx, rec); err != nil {
				return err
			}
			result.Downloaded++
			e.record(PhasePull, ResultOK)
			e.emit(SyncEvent{Type: EventRecordPulled, RecordID: rec.ID})
			continue
		}

		c, differ := e.resolver.DetectConflict(local, rec)
		if !differ {
			continue
		}
		res, err := e.resolver.Resolve(c)
		if err != nil {
			return errors.Wrap(errors.ErrInternal, "resolve conflict", err)
		}
		logged, err := e.logConflict(ctx, res.ConflictLog)
		if err != nil {
			return err
		}
		if logged {
			result.Conflicts++
			e.record(PhasePull, ResultConflict)
			e.emit(SyncEvent{Type: EventConflict, RecordID: rec.ID})
		}

		if !res.RemoteWins {
			continue
		}
		if err := e.storeRemote(ctx, rec); err != nil {
			return err
		}
		if err := e.ledger.Forget(ctx, rec.ID); err != nil {
			return err
		}
		result.Downloaded++
		e.record(PhasePull, ResultOK)
		e.emit(SyncEvent{Type: EventRecordPulled, RecordID: rec.ID})
	}
	return nil
}

// logConflict writes the conflict log entry unless the newest entry of the record
// already holds the same pair of timestamps, so repeated pulls leave the log as is.
func (e *Engine) logConflict(ctx context.Context, entry *models.ConflictLog) (bool, error) {
	last, err := e.store.ListConflictLogs(ctx, entry.RecordID, 1)
	if err != nil {
		return false, err
	}
	if len(last) == 1 && last[0].LocalUpdatedAt == entry.LocalUpdatedAt &&
		last[0].RemoteUpdatedAt == entry.RemoteUpdatedAt {
		return false, nil
	}
	return true, e.store.CreateConflictLog(ctx, entry)
}

func (e *Engine) storeRemote(ctx context.Context, rec *models.Customer) error {
	cp := rec.Clone()
	cp.MarkSynced(e.now())
	return e.store.Put(ctx, cp)
}

var _ SyncEngineInterface = (*Engine)(nil)
