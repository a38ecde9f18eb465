// Package db provides CRUD repository operations for csmsync data models.
package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/csmsync/internal/errors"
	"github.com/kimhsiao/csmsync/internal/models"
)

// Repository is the local store. Every failure is wrapped as errors.ErrDatabase.
type Repository struct {
	db *sql.DB

	// Prepared statements for the hot single-row queries, prepared on first use.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

func dbErr(op string, err error) error {
	return errors.Wrap(errors.ErrDatabase, op, err)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// =====================================================
// Customer Operations
// =====================================================

const upsertCustomerSQL = `
INSERT INTO customers (id, owner_id, category, status, customer_name, company_name,
	contact_person, name, search_text, updated_at, synced_at, is_local, data)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	owner_id = excluded.owner_id,
	category = excluded.category,
	status = excluded.status,
	customer_name = excluded.customer_name,
	company_name = excluded.company_name,
	contact_person = excluded.contact_person,
	name = excluded.name,
	search_text = excluded.search_text,
	updated_at = excluded.updated_at,
	synced_at = excluded.synced_at,
	is_local = excluded.is_local,
	data = excluded.data`

func putCustomer(ctx context.Context, ex execer, c *models.Customer) error {
	data, err := c.Encode()
	if err != nil {
		return fmt.Errorf("encode customer %d: %w", c.ID, err)
	}
	_, err = ex.ExecContext(ctx, upsertCustomerSQL,
		c.ID, c.OwnerID, c.Category, c.Status, c.CustomerName, c.CompanyName,
		c.ContactPerson, c.Name, c.SearchText(), c.UpdatedAt, c.SyncedAt, c.IsLocal, string(data))
	return err
}

// Get retrieves a customer by id. An absent record returns nil, nil.
func (r *Repository) Get(ctx context.Context, id int64) (*models.Customer, error) {
	stmt, err := r.PrepareStmt(ctx, "SELECT data FROM customers WHERE id = ?")
	if err != nil {
		return nil, dbErr("prepare get customer", err)
	}

	var data string
	if err := stmt.QueryRowContext(ctx, id).Scan(&data); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, dbErr(fmt.Sprintf("get customer %d", id), err)
	}

	c, err := models.DecodeCustomer([]byte(data))
	if err != nil {
		return nil, dbErr(fmt.Sprintf("decode customer %d", id), err)
	}
	c.ID = id
	return c, nil
}

// Put upserts a customer by id. The stored copy is replaced, never merged.
func (r *Repository) Put(ctx context.Context, c *models.Customer) error {
	if c == nil {
		return errors.New(errors.ErrInvalid, "put nil customer")
	}
	if c.ID == 0 {
		return errors.New(errors.ErrInvalid, "customer id must be non-zero")
	}
	if err := putCustomer(ctx, r.db, c); err != nil {
		return dbErr(fmt.Sprintf("put customer %d", c.ID), err)
	}
	return nil
}

// Delete removes a customer. Deleting an absent record is not an error.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM customers WHERE id = ?", id); err != nil {
		return dbErr(fmt.Sprintf("delete customer %d", id), err)
	}
	return nil
}

// Exists reports whether a record with id is held locally.
func (r *Repository) Exists(ctx context.Context, id int64) (bool, error) {
	stmt, err := r.PrepareStmt(ctx, "SELECT EXISTS(SELECT 1 FROM customers WHERE id = ?)")
	if err != nil {
		return false, dbErr("prepare exists", err)
	}
	var exists bool
	if err := stmt.QueryRowContext(ctx, id).Scan(&exists); err != nil {
		return false, dbErr(fmt.Sprintf("exists customer %d", id), err)
	}
	return exists, nil
}

// List returns the customers matching f. Order is by id and carries no meaning.
func (r *Repository) List(ctx context.Context, f ListFilter) ([]*models.Customer, error) {
	query, args := f.selectSQL("id", "data")
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr("list customers", err)
	}
	defer rows.Close()

	var out []*models.Customer
	for rows.Next() {
		var (
			id   int64
			data string
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, dbErr("scan customer", err)
		}
		c, err := models.DecodeCustomer([]byte(data))
		if err != nil {
			return nil, dbErr(fmt.Sprintf("decode customer %d", id), err)
		}
		c.ID = id
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("iterate customers", err)
	}
	return out, nil
}

// Count returns the number of customers matching f.
func (r *Repository) Count(ctx context.Context, f ListFilter) (int, error) {
	query, args := f.countSQL()
	var n int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, dbErr("count customers", err)
	}
	return n, nil
}

// SettleOutcome reports how Settle applied a confirmed remote copy.
type SettleOutcome int

const (
	// Settled stored the remote copy as synced.
	Settled SettleOutcome = iota
	// SettledPending kept a local edit made after the snapshot was sent. The record
	// stays pending under the remote id so the next push sends it.
	SettledPending
	// SettledDeleted found the record deleted locally while it was in flight.
	SettledDeleted
)

func (o SettleOutcome) String() string {
	switch o {
	case Settled:
		return "settled"
	case SettledPending:
		return "pending"
	case SettledDeleted:
		return "deleted"
	}
	return fmt.Sprintf("SettleOutcome(%d)", int(o))
}

func getCustomerTx(ctx context.Context, tx *sql.Tx, id int64) (*models.Customer, error) {
	var data string
	if err := tx.QueryRowContext(ctx, "SELECT data FROM customers WHERE id = ?", id).Scan(&data); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	c, err := models.DecodeCustomer([]byte(data))
	if err != nil {
		return nil, err
	}
	c.ID = id
	return c, nil
}

// Settle applies stored, the remote copy of a record pushed under localID, in one
// transaction. stored must carry the remote id and the caller's synced flags.
//
// When the local row still has sentUpdatedAt, stored replaces it. When the row was
// edited in the meantime, the local fields are kept under the remote id and stay
// pending. When the row was deleted in the meantime and the push created the remote
// record, a pending delete is recorded for the remote id. A temporary localID is
// always removed together with its retry entry and insert claim.
func (r *Repository) Settle(ctx context.Context, localID int64, sentUpdatedAt string, stored *models.Customer) (*models.Customer, SettleOutcome, error) {
	if stored == nil || stored.ID <= 0 {
		return nil, Settled, errors.New(errors.ErrInvalid, "settled copy must carry a remote id")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, Settled, dbErr("begin settle", err)
	}
	defer tx.Rollback()

	cur, err := getCustomerTx(ctx, tx, localID)
	if err != nil {
		return nil, Settled, dbErr(fmt.Sprintf("settle read %d", localID), err)
	}

	var (
		out     *models.Customer
		outcome SettleOutcome
	)
	switch {
	case cur == nil:
		outcome = SettledDeleted
		if localID != stored.ID {
			_, err := tx.ExecContext(ctx, addPendingDeleteSQL, stored.ID, stored.OwnerID, time.Now().Unix())
			if err != nil {
				return nil, outcome, dbErr(fmt.Sprintf("settle tombstone %d", stored.ID), err)
			}
		}
	case cur.UpdatedAt != sentUpdatedAt:
		outcome = SettledPending
		out = cur.Clone()
		out.ID = stored.ID
		if out.CreatedAt == "" {
			out.CreatedAt = stored.CreatedAt
		}
		out.MarkPending()
	default:
		outcome = Settled
		out = stored
	}

	if localID != stored.ID {
		for _, q := range []string{
			"DELETE FROM customers WHERE id = ?",
			"DELETE FROM sync_state WHERE record_id = ?",
			"DELETE FROM insert_claims WHERE record_id = ?",
		} {
			if _, err := tx.ExecContext(ctx, q, localID); err != nil {
				return nil, outcome, dbErr(fmt.Sprintf("settle remove %d", localID), err)
			}
		}
	}
	if out != nil {
		if err := putCustomer(ctx, tx, out); err != nil {
			return nil, outcome, dbErr(fmt.Sprintf("settle put %d", out.ID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, outcome, dbErr("commit settle", err)
	}
	return out, outcome, nil
}
