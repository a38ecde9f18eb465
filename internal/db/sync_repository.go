package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/kimhsiao/csmsync/internal/ids"
	"github.com/kimhsiao/csmsync/internal/models"
)

// =====================================================
// SyncState Operations
// =====================================================

// GetSyncState returns the retry ledger entry of a record, or nil if it has none.
func (r *Repository) GetSyncState(ctx context.Context, recordID int64) (*models.SyncState, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT record_id, failures, next_retry_at, dead, last_error, updated_at
		FROM sync_state WHERE record_id = ?`)
	if err != nil {
		return nil, dbErr("prepare get sync state", err)
	}

	var s models.SyncState
	err = stmt.QueryRowContext(ctx, recordID).Scan(&s.RecordID, &s.Failures, &s.NextRetryAt, &s.Dead, &s.LastError, &s.UpdatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr(fmt.Sprintf("get sync state %d", recordID), err)
	}
	return &s, nil
}

// SaveSyncState upserts a retry ledger entry.
func (r *Repository) SaveSyncState(ctx context.Context, s *models.SyncState) error {
	if s.UpdatedAt == 0 {
		s.UpdatedAt = time.Now().Unix()
	}
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO sync_state (record_id, failures, next_retry_at, dead, last_error, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(record_id) DO UPDATE SET
		failures = excluded.failures,
		next_retry_at = excluded.next_retry_at,
		dead = excluded.dead,
		last_error = excluded.last_error,
		updated_at = excluded.updated_at`,
		s.RecordID, s.Failures, s.NextRetryAt, s.Dead, s.LastError, s.UpdatedAt)
	if err != nil {
		return dbErr(fmt.Sprintf("save sync state %d", s.RecordID), err)
	}
	return nil
}

// ClearSyncState removes a record's retry ledger entry.
func (r *Repository) ClearSyncState(ctx context.Context, recordID int64) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM sync_state WHERE record_id = ?", recordID); err != nil {
		return dbErr(fmt.Sprintf("clear sync state %d", recordID), err)
	}
	return nil
}

func scanSyncStates(rows *sql.Rows) ([]*models.SyncState, error) {
	defer rows.Close()
	var out []*models.SyncState
	for rows.Next() {
		var s models.SyncState
		if err := rows.Scan(&s.RecordID, &s.Failures, &s.NextRetryAt, &s.Dead, &s.LastError, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// ListSyncStates returns every retry ledger entry.
func (r *Repository) ListSyncStates(ctx context.Context) ([]*models.SyncState, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT record_id, failures, next_retry_at, dead, last_error, updated_at
		FROM sync_state ORDER BY record_id`)
	if err != nil {
		return nil, dbErr("list sync states", err)
	}
	out, err := scanSyncStates(rows)
	if err != nil {
		return nil, dbErr("scan sync states", err)
	}
	return out, nil
}

// ListDeadLetters returns ledger entries that exhausted their retries.
func (r *Repository) ListDeadLetters(ctx context.Context) ([]*models.SyncState, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT record_id, failures, next_retry_at, dead, last_error, updated_at
		FROM sync_state WHERE dead = 1 ORDER BY record_id`)
	if err != nil {
		return nil, dbErr("list dead letters", err)
	}
	out, err := scanSyncStates(rows)
	if err != nil {
		return nil, dbErr("scan dead letters", err)
	}
	return out, nil
}

// ReviveDeadLetters resets every dead-lettered push and tombstone so the next pass
// retries them. It returns the number of entries revived.
func (r *Repository) ReviveDeadLetters(ctx context.Context) (int, error) {
	now := time.Now().Unix()
	res, err := r.db.ExecContext(ctx,
		"UPDATE sync_state SET dead = 0, failures = 0, next_retry_at = 0, updated_at = ? WHERE dead = 1", now)
	if err != nil {
		return 0, dbErr("revive dead letters", err)
	}
	n, _ := res.RowsAffected()

	res, err = r.db.ExecContext(ctx,
		"UPDATE pending_deletes SET dead = 0, failures = 0, next_retry_at = 0 WHERE dead = 1")
	if err != nil {
		return 0, dbErr("revive dead deletes", err)
	}
	m, _ := res.RowsAffected()
	return int(n + m), nil
}

// =====================================================
// PendingDelete Operations
// =====================================================

const addPendingDeleteSQL = `
INSERT INTO pending_deletes (record_id, owner_id, created_at) VALUES (?, ?, ?)
ON CONFLICT(record_id) DO NOTHING`

// AddPendingDelete records a remote delete to retry. An existing tombstone is kept.
func (r *Repository) AddPendingDelete(ctx context.Context, recordID, ownerID int64) error {
	_, err := r.db.ExecContext(ctx, addPendingDeleteSQL, recordID, ownerID, time.Now().Unix())
	if err != nil {
		return dbErr(fmt.Sprintf("add pending delete %d", recordID), err)
	}
	return nil
}

// SavePendingDelete updates a tombstone's retry bookkeeping.
func (r *Repository) SavePendingDelete(ctx context.Context, d *models.PendingDelete) error {
	if d.CreatedAt == 0 {
		d.CreatedAt = time.Now().Unix()
	}
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO pending_deletes (record_id, owner_id, failures, next_retry_at, dead, last_error, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(record_id) DO UPDATE SET
		failures = excluded.failures,
		next_retry_at = excluded.next_retry_at,
		dead = excluded.dead,
		last_error = excluded.last_error`,
		d.RecordID, d.OwnerID, d.Failures, d.NextRetryAt, d.Dead, d.LastError, d.CreatedAt)
	if err != nil {
		return dbErr(fmt.Sprintf("save pending delete %d", d.RecordID), err)
	}
	return nil
}

// ListPendingDeletes returns every tombstone, dead ones included.
func (r *Repository) ListPendingDeletes(ctx context.Context) ([]*models.PendingDelete, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT record_id, owner_id, failures, next_retry_at, dead, last_error, created_at
		FROM pending_deletes ORDER BY record_id`)
	if err != nil {
		return nil, dbErr("list pending deletes", err)
	}
	defer rows.Close()

	var out []*models.PendingDelete
	for rows.Next() {
		var d models.PendingDelete
		if err := rows.Scan(&d.RecordID, &d.OwnerID, &d.Failures, &d.NextRetryAt, &d.Dead, &d.LastError, &d.CreatedAt); err != nil {
			return nil, dbErr("scan pending delete", err)
		}
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("iterate pending deletes", err)
	}
	return out, nil
}

// RemovePendingDelete drops a tombstone once the remote delete is confirmed.
func (r *Repository) RemovePendingDelete(ctx context.Context, recordID int64) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM pending_deletes WHERE record_id = ?", recordID); err != nil {
		return dbErr(fmt.Sprintf("remove pending delete %d", recordID), err)
	}
	return nil
}

// =====================================================
// Insert Claims
// =====================================================

// ClaimInsert takes the insert claim of a temporary-id record. The claim is granted
// when the record is still held locally and no other holder's claim is live at nowMs.
func (r *Repository) ClaimInsert(ctx context.Context, recordID int64, holder string, nowMs, expiresAt int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
	INSERT INTO insert_claims (record_id, holder, expires_at)
	SELECT ?, ?, ? WHERE EXISTS (SELECT 1 FROM customers WHERE id = ?)
	ON CONFLICT(record_id) DO UPDATE SET
		holder = excluded.holder,
		expires_at = excluded.expires_at
	WHERE insert_claims.expires_at <= ? OR insert_claims.holder = excluded.holder`,
		recordID, holder, expiresAt, recordID, nowMs)
	if err != nil {
		return false, dbErr(fmt.Sprintf("claim insert %d", recordID), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbErr(fmt.Sprintf("claim insert %d", recordID), err)
	}
	return n == 1, nil
}

// ReleaseInsert drops holder's claim on recordID. Releasing a claim that is not held
// is not an error.
func (r *Repository) ReleaseInsert(ctx context.Context, recordID int64, holder string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM insert_claims WHERE record_id = ? AND holder = ?", recordID, holder)
	if err != nil {
		return dbErr(fmt.Sprintf("release insert %d", recordID), err)
	}
	return nil
}

// =====================================================
// ConflictLog Operations
// =====================================================

// CreateConflictLog creates a new conflict log entry.
func (r *Repository) CreateConflictLog(ctx context.Context, log *models.ConflictLog) error {
	if log.ID == "" {
		log.ID = models.UUID(ids.NewUUID())
	}
	if log.DetectedAt == 0 {
		log.DetectedAt = time.Now().Unix()
	}

	query := `
	INSERT INTO conflict_log (id, record_id, local_updated_at, remote_updated_at, resolution, detected_at)
	VALUES (?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query, log.ID, log.RecordID, log.LocalUpdatedAt,
		log.RemoteUpdatedAt, log.Resolution, log.DetectedAt)
	if err != nil {
		return dbErr(fmt.Sprintf("create conflict log %d", log.RecordID), err)
	}
	return nil
}

// ListConflictLogs returns the newest conflict log entries, optionally for one record
// (recordID 0 means all records).
func (r *Repository) ListConflictLogs(ctx context.Context, recordID int64, limit int) ([]*models.ConflictLog, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, record_id, local_updated_at, remote_updated_at, resolution, detected_at
		FROM conflict_log`
	args := []interface{}{}
	if recordID != 0 {
		query += " WHERE record_id = ?"
		args = append(args, recordID)
	}
	query += " ORDER BY detected_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr("list conflict logs", err)
	}
	defer rows.Close()

	var out []*models.ConflictLog
	for rows.Next() {
		var l models.ConflictLog
		if err := rows.Scan(&l.ID, &l.RecordID, &l.LocalUpdatedAt, &l.RemoteUpdatedAt, &l.Resolution, &l.DetectedAt); err != nil {
			return nil, dbErr("scan conflict log", err)
		}
		out = append(out, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("iterate conflict logs", err)
	}
	return out, nil
}
