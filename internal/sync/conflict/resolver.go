// Package conflict decides which copy of a customer record survives a pull.
//
// The rule is last writer wins on updated_at: the remote copy replaces the local one
// only when it is strictly newer. Equal timestamps keep the local copy.
package conflict

import (
	"time"

	"github.com/kimhsiao/csmsync/internal/logging"
	"github.com/kimhsiao/csmsync/internal/models"
)

// Resolver compares local and remote copies of a record.
type Resolver struct {
	now func() time.Time
}

// NewResolver creates a new Resolver.
func NewResolver() *Resolver {
	return &Resolver{now: time.Now}
}

// WithClock overrides the clock stamped on conflict logs.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Conflict is a pair of copies of the same record whose updated_at differ.
type Conflict struct {
	RecordID int64
	Local    *models.Customer
	Remote   *models.Customer
}

// ResolveResult is the outcome of resolving a conflict.
type ResolveResult struct {
	Winner      *models.Customer
	Loser       *models.Customer
	RemoteWins  bool
	ConflictLog *models.ConflictLog
}

// Newer reports whether timestamp a is strictly after b. Timestamps that parse are
// compared as instants; otherwise the strings are compared, which orders the ISO
// forms correctly. An empty timestamp is older than any other.
func Newer(a, b string) bool {
	if a == b {
		return false
	}
	if b == "" {
		return true
	}
	if a == "" {
		return false
	}
	ta, okA := models.ParseTime(a)
	tb, okB := models.ParseTime(b)
	if okA && okB {
		return ta.After(tb)
	}
	return a > b
}

// DetectConflict returns the conflict between local and remote, if any. A missing
// copy is not a conflict.
func (r *Resolver) DetectConflict(local, remote *models.Customer) (*Conflict, bool) {
	if local == nil || remote == nil {
		return nil, false
	}
	if local.ID != remote.ID {
		return nil, false
	}
	if local.UpdatedAt == remote.UpdatedAt {
		return nil, false
	}
	return &Conflict{RecordID: local.ID, Local: local, Remote: remote}, true
}

// Resolve applies last writer wins to the conflict.
func (r *Resolver) Resolve(c *Conflict) (*ResolveResult, error) {
	if c == nil || c.Local == nil || c.Remote == nil {
		return nil, ErrInvalidConflict
	}
	if c.Local.ID != c.Remote.ID {
		return nil, ErrItemIDMismatch
	}

	res := &ResolveResult{Winner: c.Local, Loser: c.Remote}
	resolution := models.ResolutionLocalWins
	if Newer(c.Remote.UpdatedAt, c.Local.UpdatedAt) {
		res.Winner, res.Loser = c.Remote, c.Local
		res.RemoteWins = true
		resolution = models.ResolutionRemoteWins
	}

	res.ConflictLog = &models.ConflictLog{
		RecordID:        c.Local.ID,
		LocalUpdatedAt:  c.Local.UpdatedAt,
		RemoteUpdatedAt: c.Remote.UpdatedAt,
		Resolution:      resolution,
		DetectedAt:      r.now().Unix(),
	}

	logging.Debug("conflict resolved", map[string]interface{}{
		"record_id":         c.Local.ID,
		"local_updated_at":  c.Local.UpdatedAt,
		"remote_updated_at": c.Remote.UpdatedAt,
		"resolution":        resolution,
		"local_pending":     c.Local.IsPending(),
	})
	return res, nil
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: both records must be non-nil"}
	ErrItemIDMismatch  = &ConflictError{Message: "record ID mismatch"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}
