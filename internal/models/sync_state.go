package models

import "time"

// SyncState is the push retry ledger entry of one pending record. NextRetryAt is in
// unix milliseconds, UpdatedAt in unix seconds.
type SyncState struct {
	RecordID    int64  `db:"record_id" json:"record_id"`
	Failures    int    `db:"failures" json:"failures"`
	NextRetryAt int64  `db:"next_retry_at" json:"next_retry_at"`
	Dead        bool   `db:"dead" json:"dead"`
	LastError   string `db:"last_error" json:"last_error,omitempty"`
	UpdatedAt   int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for SyncState.
func (SyncState) TableName() string {
	return "sync_state"
}

// NextRetryTime returns the NextRetryAt as time.Time.
func (s *SyncState) NextRetryTime() time.Time {
	return time.UnixMilli(s.NextRetryAt)
}

// PendingDelete is a tombstone for a remote delete that has not been confirmed.
// NextRetryAt is in unix milliseconds.
type PendingDelete struct {
	RecordID    int64  `db:"record_id" json:"record_id"`
	OwnerID     int64  `db:"owner_id" json:"owner_id"`
	Failures    int    `db:"failures" json:"failures"`
	NextRetryAt int64  `db:"next_retry_at" json:"next_retry_at"`
	Dead        bool   `db:"dead" json:"dead"`
	LastError   string `db:"last_error" json:"last_error,omitempty"`
	CreatedAt   int64  `db:"created_at" json:"created_at"`
}

// TableName returns the table name for PendingDelete.
func (PendingDelete) TableName() string {
	return "pending_deletes"
}
