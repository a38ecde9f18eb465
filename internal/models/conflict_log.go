package models

import "time"

// Conflict resolutions recorded in ConflictLog.
const (
	ResolutionRemoteWins = "remote_wins"
	ResolutionLocalWins  = "local_wins"
)

// ConflictLog records a pull-phase comparison where local and remote copies differed.
type ConflictLog struct {
	ID              UUID   `db:"id" json:"id"`
	RecordID        int64  `db:"record_id" json:"record_id"`
	LocalUpdatedAt  string `db:"local_updated_at" json:"local_updated_at"`
	RemoteUpdatedAt string `db:"remote_updated_at" json:"remote_updated_at"`
	Resolution      string `db:"resolution" json:"resolution"`
	DetectedAt      int64  `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}
