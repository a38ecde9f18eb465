// Package remote defines the remote store contract and the ordered fallback chain
// over the configured backends.
package remote

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/kimhsiao/csmsync/internal/db"
	"github.com/kimhsiao/csmsync/internal/errors"
	"github.com/kimhsiao/csmsync/internal/models"
)

// Operations reported in RemoteError and metrics.
const (
	OpQuery       = "query"
	OpGet         = "get"
	OpInsert      = "insert"
	OpUpdate      = "update"
	OpDelete      = "delete"
	OpListHistory = "list_history"
	OpAddHistory  = "add_history"
)

// Query selects remote records. Zero values match everything.
type Query struct {
	OwnerID  *int64
	Category string
	Search   string
}

// Filter converts the query to the equivalent local store predicate.
func (q Query) Filter() db.ListFilter {
	return db.ListFilter{OwnerID: q.OwnerID, Category: q.Category, Search: q.Search}
}

// Backend is one remote store.
type Backend interface {
	Name() string
	// Query returns matching records ordered by updated_at descending.
	Query(ctx context.Context, q Query) ([]*models.Customer, error)
	// Insert stores a new record and returns it with its remote id. The input id
	// is never sent.
	Insert(ctx context.Context, c *models.Customer) (*models.Customer, error)
	// Update applies a partial update and returns the stored record.
	Update(ctx context.Context, id int64, p models.Patch) (*models.Customer, error)
	// Delete removes a record.
	Delete(ctx context.Context, id int64) error
}

// Getter fetches one record; absent returns nil, nil.
type Getter interface {
	Get(ctx context.Context, id int64) (*models.Customer, error)
}

// HistoryBackend stores the next-step history of customers.
type HistoryBackend interface {
	ListNextSteps(ctx context.Context, customerID int64) ([]*models.NextStepHistory, error)
	AddNextStep(ctx context.Context, entry *models.NextStepHistory) (*models.NextStepHistory, error)
}

// HistoryOnUpdate is implemented by backends that append next-step history
// themselves when an update changes next_step.
type HistoryOnUpdate interface {
	AppendsHistoryOnUpdate() bool
}

// RemoteError carries the detail of a failed remote call.
type RemoteError struct {
	Backend string
	Op      string
	Status  int
	Err     error
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Backend, e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Fail wraps a backend failure as errors.ErrRemoteUnavailable.
func Fail(backend, op string, status int, err error) error {
	if err == nil {
		err = stderrors.New(http.StatusText(status))
	}
	return errors.Wrap(errors.ErrRemoteUnavailable, backend+" "+op, &RemoteError{
		Backend: backend,
		Op:      op,
		Status:  status,
		Err:     err,
	})
}

// NotFound builds the failure reported for an absent remote record.
func NotFound(backend, op string, id int64) error {
	return Fail(backend, op, http.StatusNotFound, fmt.Errorf("customer %d not found", id))
}

// IsNotFound reports whether err is a remote 404.
func IsNotFound(err error) bool {
	var re *RemoteError
	return stderrors.As(err, &re) && re.Status == http.StatusNotFound
}

// IsForbidden reports whether err is a remote 403.
func IsForbidden(err error) bool {
	var re *RemoteError
	return stderrors.As(err, &re) && re.Status == http.StatusForbidden
}

// StatusOf returns the HTTP-like status of a remote failure, or 0.
func StatusOf(err error) int {
	var re *RemoteError
	if stderrors.As(err, &re) {
		return re.Status
	}
	return 0
}
