// Package queue is the push retry ledger: per-record failure counts, capped
// exponential backoff and dead-lettering, persisted in the local store so retries
// survive restarts.
package queue

import (
	"context"
	"time"

	"github.com/kimhsiao/csmsync/internal/db"
	"github.com/kimhsiao/csmsync/internal/ids"
	"github.com/kimhsiao/csmsync/internal/logging"
	"github.com/kimhsiao/csmsync/internal/models"
)

// Default retry policy.
const (
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffMax  = 10 * time.Minute
	DefaultMaxFailures = 8
	DefaultClaimTTL    = 2 * time.Minute
)

// Policy controls backoff and dead-lettering.
type Policy struct {
	// BackoffBase is the wait after the first failure; each further failure doubles it.
	BackoffBase time.Duration
	// BackoffMax caps the wait.
	BackoffMax time.Duration
	// MaxFailures consecutive failures dead-letter a record.
	MaxFailures int
	// ClaimTTL bounds an insert claim left behind by a caller that died mid-insert.
	ClaimTTL time.Duration
}

// DefaultPolicy returns 2s doubling up to 10m, dead-lettering after 8 failures.
func DefaultPolicy() Policy {
	return Policy{
		BackoffBase: DefaultBackoffBase,
		BackoffMax:  DefaultBackoffMax,
		MaxFailures: DefaultMaxFailures,
		ClaimTTL:    DefaultClaimTTL,
	}
}

func (p Policy) normalized() Policy {
	if p.BackoffBase <= 0 {
		p.BackoffBase = DefaultBackoffBase
	}
	if p.BackoffMax < p.BackoffBase {
		p.BackoffMax = DefaultBackoffMax
	}
	if p.MaxFailures <= 0 {
		p.MaxFailures = DefaultMaxFailures
	}
	if p.ClaimTTL <= 0 {
		p.ClaimTTL = DefaultClaimTTL
	}
	return p
}

// Backoff returns the wait after the given number of consecutive failures.
// Formula: base * 2^(failures-1), capped at max.
func (p Policy) Backoff(failures int) time.Duration {
	p = p.normalized()
	if failures <= 0 {
		return 0
	}
	d := p.BackoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}

// Store persists ledger entries, delete tombstones and insert claims.
type Store interface {
	db.SyncStateRepository
	db.PendingDeleteRepository
	db.InsertClaimRepository
}

// Ledger tracks push and delete retries.
type Ledger struct {
	store  Store
	policy Policy
	now    func() time.Time
}

// NewLedger creates a ledger over store.
func NewLedger(store Store, policy Policy) *Ledger {
	return &Ledger{store: store, policy: policy.normalized(), now: time.Now}
}

// WithClock overrides the ledger clock.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Policy returns the effective policy.
func (l *Ledger) Policy() Policy {
	return l.policy
}

// Ready reports whether a push of recordID may be attempted now. A record with no
// entry is always ready; a dead-lettered one never is.
func (l *Ledger) Ready(ctx context.Context, recordID int64) (bool, error) {
	s, err := l.store.GetSyncState(ctx, recordID)
	if err != nil {
		return false, err
	}
	if s == nil {
		return true, nil
	}
	return !s.Dead && s.NextRetryAt <= l.now().UnixMilli(), nil
}

// Succeeded forgets the failures of recordID.
func (l *Ledger) Succeeded(ctx context.Context, recordID int64) error {
	return l.store.ClearSyncState(ctx, recordID)
}

// Failed counts a push failure and schedules the next attempt. The returned entry
// has Dead set once MaxFailures is reached.
func (l *Ledger) Failed(ctx context.Context, recordID int64, cause error) (*models.SyncState, error) {
	s, err := l.store.GetSyncState(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		s = &models.SyncState{RecordID: recordID}
	}

	now := l.now()
	s.Failures++
	s.LastError = errText(cause)
	s.UpdatedAt = now.Unix()
	s.NextRetryAt = now.Add(l.policy.Backoff(s.Failures)).UnixMilli()
	if s.Failures >= l.policy.MaxFailures {
		s.Dead = true
	}

	if err := l.store.SaveSyncState(ctx, s); err != nil {
		return nil, err
	}

	if s.Dead {
		logging.Warn("record dead-lettered", map[string]interface{}{
			"record_id": recordID,
			"failures":  s.Failures,
			"error":     s.LastError,
		})
	} else {
		logging.Debug("push failed, retry scheduled", map[string]interface{}{
			"record_id":     recordID,
			"failures":      s.Failures,
			"next_retry_at": s.NextRetryTime().UTC().Format(time.RFC3339),
		})
	}
	return s, nil
}

// Forget drops the entry of a record that no longer exists locally.
func (l *Ledger) Forget(ctx context.Context, recordID int64) error {
	return l.store.ClearSyncState(ctx, recordID)
}

// DeadLetters returns dead-lettered push entries.
func (l *Ledger) DeadLetters(ctx context.Context) ([]*models.SyncState, error) {
	return l.store.ListDeadLetters(ctx)
}

// RetryDeadLetters revives every dead-lettered push and delete so the next pass
// attempts them again.
func (l *Ledger) RetryDeadLetters(ctx context.Context) (int, error) {
	n, err := l.store.ReviveDeadLetters(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("dead letters revived", map[string]interface{}{"count": n})
	}
	return n, nil
}

// =====================================================
// Insert claims
// =====================================================

// Claim is a held insert claim on a temporary-id record.
type Claim struct {
	store    Store
	RecordID int64
	Holder   string
}

// ClaimInsert claims the remote insert of a temporary-id record. A nil claim means
// another caller is inserting it or the record is gone. Settling the record drops
// the claim; callers whose insert failed Release it.
func (l *Ledger) ClaimInsert(ctx context.Context, recordID int64) (*Claim, error) {
	holder := ids.NewUUID()
	now := l.now()
	ok, err := l.store.ClaimInsert(ctx, recordID, holder, now.UnixMilli(), now.Add(l.policy.ClaimTTL).UnixMilli())
	if err != nil || !ok {
		return nil, err
	}
	return &Claim{store: l.store, RecordID: recordID, Holder: holder}, nil
}

// Release drops the claim.
func (c *Claim) Release(ctx context.Context) error {
	return c.store.ReleaseInsert(ctx, c.RecordID, c.Holder)
}

// =====================================================
// Pending deletes
// =====================================================

// RecordDelete stores a tombstone for a remote delete still to be done.
func (l *Ledger) RecordDelete(ctx context.Context, recordID, ownerID int64) error {
	return l.store.AddPendingDelete(ctx, recordID, ownerID)
}

// DueDeletes returns tombstones whose backoff elapsed.
func (l *Ledger) DueDeletes(ctx context.Context) ([]*models.PendingDelete, error) {
	all, err := l.store.ListPendingDeletes(ctx)
	if err != nil {
		return nil, err
	}
	now := l.now().UnixMilli()
	due := make([]*models.PendingDelete, 0, len(all))
	for _, d := range all {
		if !d.Dead && d.NextRetryAt <= now {
			due = append(due, d)
		}
	}
	return due, nil
}

// PendingDeletes returns every tombstone keyed by record id.
func (l *Ledger) PendingDeletes(ctx context.Context) (map[int64]*models.PendingDelete, error) {
	all, err := l.store.ListPendingDeletes(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]*models.PendingDelete, len(all))
	for _, d := range all {
		out[d.RecordID] = d
	}
	return out, nil
}

// DeleteSucceeded removes the tombstone.
func (l *Ledger) DeleteSucceeded(ctx context.Context, recordID int64) error {
	return l.store.RemovePendingDelete(ctx, recordID)
}

// DeleteFailed counts a delete failure with the same backoff as pushes.
func (l *Ledger) DeleteFailed(ctx context.Context, d *models.PendingDelete, cause error) error {
	now := l.now()
	d.Failures++
	d.LastError = errText(cause)
	d.NextRetryAt = now.Add(l.policy.Backoff(d.Failures)).UnixMilli()
	if d.Failures >= l.policy.MaxFailures {
		d.Dead = true
		logging.Warn("pending delete dead-lettered", map[string]interface{}{
			"record_id": d.RecordID,
			"failures":  d.Failures,
			"error":     d.LastError,
		})
	}
	return l.store.SavePendingDelete(ctx, d)
}

// Stats summarizes the ledger.
type Stats struct {
	Retrying       int `json:"retrying"`
	DeadLetters    int `json:"dead_letters"`
	PendingDeletes int `json:"pending_deletes"`
	DeadDeletes    int `json:"dead_deletes"`
}

// Stats counts ledger entries by state.
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	states, err := l.store.ListSyncStates(ctx)
	if err != nil {
		return st, err
	}
	for _, s := range states {
		if s.Dead {
			st.DeadLetters++
		} else {
			st.Retrying++
		}
	}
	deletes, err := l.store.ListPendingDeletes(ctx)
	if err != nil {
		return st, err
	}
	for _, d := range deletes {
		if d.Dead {
			st.DeadDeletes++
		} else {
			st.PendingDeletes++
		}
	}
	return st, nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
