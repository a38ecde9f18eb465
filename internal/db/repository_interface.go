// Package db provides repository interfaces for csmsync data models.
package db

import (
	"context"

	"github.com/kimhsiao/csmsync/internal/models"
)

// CustomerStore is the local store contract used by the reconciler.
type CustomerStore interface {
	// Get retrieves a customer by id; absent returns nil, nil.
	Get(ctx context.Context, id int64) (*models.Customer, error)

	// Put upserts a customer by id.
	Put(ctx context.Context, c *models.Customer) error

	// Delete removes a customer.
	Delete(ctx context.Context, id int64) error

	// List returns customers matching the filter, unordered.
	List(ctx context.Context, f ListFilter) ([]*models.Customer, error)

	// Exists reports whether id is held locally.
	Exists(ctx context.Context, id int64) (bool, error)

	// Settle applies the remote copy of a record pushed under localID, unless the
	// local row changed since the snapshot with sentUpdatedAt was sent.
	Settle(ctx context.Context, localID int64, sentUpdatedAt string, stored *models.Customer) (*models.Customer, SettleOutcome, error)

	// Count returns the number of customers matching the filter.
	Count(ctx context.Context, f ListFilter) (int, error)
}

// SyncStateRepository persists the push retry ledger.
type SyncStateRepository interface {
	GetSyncState(ctx context.Context, recordID int64) (*models.SyncState, error)
	SaveSyncState(ctx context.Context, s *models.SyncState) error
	ClearSyncState(ctx context.Context, recordID int64) error
	ListSyncStates(ctx context.Context) ([]*models.SyncState, error)
	ListDeadLetters(ctx context.Context) ([]*models.SyncState, error)
	ReviveDeadLetters(ctx context.Context) (int, error)
}

// PendingDeleteRepository persists tombstones of unconfirmed remote deletes.
type PendingDeleteRepository interface {
	AddPendingDelete(ctx context.Context, recordID, ownerID int64) error
	SavePendingDelete(ctx context.Context, d *models.PendingDelete) error
	ListPendingDeletes(ctx context.Context) ([]*models.PendingDelete, error)
	RemovePendingDelete(ctx context.Context, recordID int64) error
}

// InsertClaimRepository guards remote inserts of temporary-id records so that one
// record is inserted by one caller at a time, across processes sharing the store.
type InsertClaimRepository interface {
	// ClaimInsert takes the claim of recordID for holder until expiresAt (unix ms).
	// It reports false when the record is gone or another live claim holds it.
	ClaimInsert(ctx context.Context, recordID int64, holder string, nowMs, expiresAt int64) (bool, error)
	// ReleaseInsert drops holder's claim.
	ReleaseInsert(ctx context.Context, recordID int64, holder string) error
}

// ConflictLogRepository defines operations for conflict log persistence.
type ConflictLogRepository interface {
	// CreateConflictLog creates a new conflict log entry.
	CreateConflictLog(ctx context.Context, log *models.ConflictLog) error

	// ListConflictLogs returns the newest entries, optionally for one record.
	ListConflictLogs(ctx context.Context, recordID int64, limit int) ([]*models.ConflictLog, error)
}

// SyncRepository combines repositories needed for sync operations.
type SyncRepository interface {
	CustomerStore
	SyncStateRepository
	PendingDeleteRepository
	InsertClaimRepository
	ConflictLogRepository
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ CustomerStore           = (*Repository)(nil)
	_ SyncStateRepository     = (*Repository)(nil)
	_ PendingDeleteRepository = (*Repository)(nil)
	_ InsertClaimRepository   = (*Repository)(nil)
	_ ConflictLogRepository   = (*Repository)(nil)
	_ SyncRepository          = (*Repository)(nil)
)
