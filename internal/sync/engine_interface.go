// Package sync provides synchronization interfaces and implementations.
package sync

import (
	"context"
	"time"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// Sync performs one push, delete-retry and pull pass.
	// Returns the sync result with statistics or an error if the pass could not run.
	Sync(ctx context.Context) (*SyncResult, error)

	// SetEventHandler sets the event handler for sync notifications.
	// The handler receives events during sync operations.
	SetEventHandler(handler SyncEventHandler)

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the timestamp of the last successful sync.
	LastSync() *time.Time

	// PendingChanges returns the number of local records not yet confirmed remotely.
	PendingChanges() int

	// LastError returns the last error that occurred during sync.
	LastError() error
}

// SyncEventType names a sync notification.
type SyncEventType string

const (
	EventPassStarted     SyncEventType = "pass_started"
	EventRecordPushed    SyncEventType = "record_pushed"
	EventRecordFailed    SyncEventType = "record_failed"
	EventRecordDead      SyncEventType = "record_dead_lettered"
	EventRecordPulled    SyncEventType = "record_pulled"
	EventConflict        SyncEventType = "conflict"
	EventDeleteConfirmed SyncEventType = "delete_confirmed"
	EventPassFinished    SyncEventType = "pass_finished"
)

// SyncEvent is one notification emitted during a pass.
type SyncEvent struct {
	Type     SyncEventType
	RecordID int64
	// NewID is the remote id a pushed record was remapped to.
	NewID   int64
	Backend string
	Err     error
}

// SyncEventHandler receives sync events. It is called synchronously from the pass.
type SyncEventHandler func(SyncEvent)
