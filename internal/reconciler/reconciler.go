// Package reconciler is the single entry point for customer reads and writes.
//
// Every write lands in the local store first. When the probe reports online the
// write is then tried against the primary remote only; a remote failure leaves the
// local copy flagged pending for the sync engine. Connectivity failures are never
// returned from Create, Update, Delete or List. Local store failures and
// authorization failures are.
package reconciler

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/kimhsiao/csmsync/internal/connectivity"
	"github.com/kimhsiao/csmsync/internal/db"
	"github.com/kimhsiao/csmsync/internal/errors"
	"github.com/kimhsiao/csmsync/internal/ids"
	"github.com/kimhsiao/csmsync/internal/logging"
	"github.com/kimhsiao/csmsync/internal/models"
	"github.com/kimhsiao/csmsync/internal/remote"
	"github.com/kimhsiao/csmsync/internal/session"
	"github.com/kimhsiao/csmsync/internal/sync/conflict"
	"github.com/kimhsiao/csmsync/internal/sync/queue"
)

// DefaultIDRetries bounds the temporary id collision retries of Create.
const DefaultIDRetries = 8

// Store is the local persistence the reconciler writes through.
type Store interface {
	db.CustomerStore
	queue.Store
}

// Options holds reconciler configuration.
type Options struct {
	// IDRetries is how many temporary id candidates Create tries before giving up.
	IDRetries int
	// Now is the clock (default time.Now).
	Now func() time.Time
	// IDSource perturbs temporary ids (default ids.DefaultSource).
	IDSource ids.Source
}

// DefaultOptions returns the default configuration.
func DefaultOptions() *Options {
	return &Options{
		IDRetries: DefaultIDRetries,
		Now:       time.Now,
		IDSource:  ids.DefaultSource,
	}
}

// ListOptions filters List.
type ListOptions struct {
	Category string
	Search   string
}

// Reconciler applies the local-first write policy.
type Reconciler struct {
	store   Store
	session session.Provider
	probe   connectivity.Probe
	chain   *remote.Chain
	ledger  *queue.Ledger
	opts    Options
}

// New creates a Reconciler. probe may be nil, in which case the remote is always
// attempted.
func New(store Store, sess session.Provider, probe connectivity.Probe, chain *remote.Chain, opts *Options) *Reconciler {
	o := *DefaultOptions()
	if opts != nil {
		if opts.IDRetries > 0 {
			o.IDRetries = opts.IDRetries
		}
		if opts.Now != nil {
			o.Now = opts.Now
		}
		if opts.IDSource != nil {
			o.IDSource = opts.IDSource
		}
	}
	if chain == nil {
		chain = remote.NewChain(nil)
	}
	return &Reconciler{
		store:   store,
		session: sess,
		probe:   probe,
		chain:   chain,
		ledger:  queue.NewLedger(store, queue.DefaultPolicy()).WithClock(o.Now),
		opts:    o,
	}
}

func (r *Reconciler) now() time.Time { return r.opts.Now() }

// online reports whether a remote attempt is worth making.
func (r *Reconciler) online() bool {
	if r.chain.Empty() {
		return false
	}
	return r.probe == nil || r.probe.IsOnline()
}

func (r *Reconciler) user() (session.User, error) {
	u, ok := r.session.CurrentUser()
	if !ok {
		return session.User{}, errors.New(errors.ErrUnauthenticated, "no signed-in user")
	}
	return u, nil
}

// authorize rejects access to another owner's record by a non-privileged caller.
func authorize(u session.User, c *models.Customer) error {
	if u.Privileged() || c.OwnerID == u.ID {
		return nil
	}
	return errors.New(errors.ErrPermission, "record belongs to another user")
}

// load returns the local record id after the authorization check.
func (r *Reconciler) load(ctx context.Context, u session.User, id int64) (*models.Customer, error) {
	c, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errors.New(errors.ErrNotFound, "customer not found")
	}
	if err := authorize(u, c); err != nil {
		return nil, err
	}
	return c, nil
}

// identityFields are never taken from caller input.
var identityFields = []string{
	models.FieldID, models.FieldIsLocal, models.FieldSyncedAt,
	models.FieldCreatedBy, models.FieldCreatedAt, models.FieldUpdatedAt,
}

// newTempID draws temporary ids until one is free locally.
func (r *Reconciler) newTempID(ctx context.Context) (int64, error) {
	for i := 0; i < r.opts.IDRetries; i++ {
		id := ids.TempID(r.now(), r.opts.IDSource)
		taken, err := r.store.Exists(ctx, id)
		if err != nil {
			return 0, err
		}
		if !taken {
			return id, nil
		}
		logging.Debug("temporary id collision, retrying", map[string]interface{}{"id": id, "attempt": i + 1})
	}
	return 0, errors.New(errors.ErrInternal, "could not allocate a temporary id")
}

// =====================================================
// Writes
// =====================================================

// Create stores a new record owned by the caller under a temporary id and, when
// online, inserts it on the primary remote and remaps it to the remote id.
func (r *Reconciler) Create(ctx context.Context, fields models.Patch) (*models.Customer, error) {
	u, err := r.user()
	if err != nil {
		return nil, err
	}

	rec, err := models.NewCustomer(fields.Without(identityFields...).Without(models.FieldOwnerID))
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "invalid customer fields", err)
	}
	id, err := r.newTempID(ctx)
	if err != nil {
		return nil, err
	}

	now := models.FormatTime(r.now())
	rec.ID = id
	rec.OwnerID = u.ID
	rec.CreatedBy = u.ID
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.MarkPending()
	if err := r.store.Put(ctx, rec); err != nil {
		return nil, err
	}

	if !r.online() {
		return rec, nil
	}

	// The sync engine may already be inserting the record; never insert it twice.
	claim, err := r.ledger.ClaimInsert(ctx, id)
	if err != nil {
		return nil, err
	}
	if claim == nil {
		return rec, nil
	}

	stored, err := r.chain.InsertPrimary(ctx, rec)
	if err != nil {
		if rerr := claim.Release(ctx); rerr != nil {
			return nil, rerr
		}
		logging.Warn("remote create failed, kept locally", map[string]interface{}{
			"local_id": id,
			"error":    err.Error(),
		})
		return rec, nil
	}

	stored.MarkSynced(r.now())
	out, outcome, err := r.store.Settle(ctx, id, rec.UpdatedAt, stored)
	if err != nil {
		return nil, err
	}
	if outcome == db.SettledDeleted {
		return nil, errors.New(errors.ErrNotFound, "customer was deleted while it was created")
	}
	return out, nil
}

// Update merges fields into the local copy, then tries the primary for records that
// already have a remote id.
func (r *Reconciler) Update(ctx context.Context, id int64, fields models.Patch) (*models.Customer, error) {
	u, err := r.user()
	if err != nil {
		return nil, err
	}
	cur, err := r.load(ctx, u, id)
	if err != nil {
		return nil, err
	}
	return r.update(ctx, u, cur, fields, true)
}

func (r *Reconciler) update(ctx context.Context, u session.User, cur *models.Customer, fields models.Patch, history bool) (*models.Customer, error) {
	strip := identityFields
	if !u.Privileged() {
		strip = append(append([]string(nil), identityFields...), models.FieldOwnerID)
	}
	patch := fields.Without(strip...)

	merged, err := cur.Merge(patch)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "invalid customer fields", err)
	}
	merged.UpdatedAt = models.FormatTime(r.now())
	merged.MarkPending()
	if err := r.store.Put(ctx, merged); err != nil {
		return nil, err
	}

	if merged.IsTemporary() || !r.online() {
		return merged, nil
	}

	// A copy already pending carries earlier unsent edits; send every field.
	send := patch
	if cur.IsPending() {
		if send, err = merged.ToPatch(); err != nil {
			return nil, errors.Wrap(errors.ErrInternal, "encode pending record", err)
		}
	}

	stored, err := r.chain.Update(ctx, merged.ID, send)
	if err != nil {
		logging.Warn("remote update failed, marked pending", map[string]interface{}{
			"id":    merged.ID,
			"error": err.Error(),
		})
		return merged, nil
	}

	stored.MarkSynced(r.now())
	out, outcome, err := r.store.Settle(ctx, merged.ID, merged.UpdatedAt, stored)
	if err != nil {
		return nil, err
	}
	if err := r.store.ClearSyncState(ctx, stored.ID); err != nil {
		return nil, err
	}

	if history && stored.NextStep != "" && stored.NextStep != cur.NextStep {
		r.appendHistory(ctx, u, stored.ID, stored.NextStep)
	}
	if outcome == db.SettledDeleted {
		return stored, nil
	}
	return out, nil
}

// appendHistory records a next-step change, unless the primary does it on update.
// Failures are logged only.
func (r *Reconciler) appendHistory(ctx context.Context, u session.User, id int64, step string) {
	if h, ok := r.chain.Primary().(remote.HistoryOnUpdate); ok && h.AppendsHistoryOnUpdate() {
		return
	}
	if hb, _ := r.chain.History(); hb == nil {
		return
	}
	_, err := r.chain.AddNextStep(ctx, &models.NextStepHistory{
		CustomerID: id,
		NextStep:   step,
		CreatedBy:  u.ID,
		Username:   u.Username,
		CreatedAt:  models.FormatTime(r.now()),
	})
	if err != nil {
		logging.Warn("append next-step history failed", map[string]interface{}{"id": id, "error": err.Error()})
	}
}

// Delete removes the local record and, for records with a remote id, the remote copy.
// A remote delete that cannot be confirmed is kept as a pending delete for the sync
// engine. Deleting an absent record is not an error.
func (r *Reconciler) Delete(ctx context.Context, id int64) error {
	u, err := r.user()
	if err != nil {
		return err
	}
	cur, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur == nil {
		return nil
	}
	if err := authorize(u, cur); err != nil {
		return err
	}

	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	if err := r.store.ClearSyncState(ctx, id); err != nil {
		return err
	}
	if cur.IsTemporary() {
		return nil
	}

	if r.online() {
		err := r.chain.Delete(ctx, id)
		if err == nil || remote.IsNotFound(err) {
			return nil
		}
		logging.Warn("remote delete failed, recorded for retry", map[string]interface{}{
			"id":    id,
			"error": err.Error(),
		})
	}
	return r.store.AddPendingDelete(ctx, id, cur.OwnerID)
}

// =====================================================
// Reads
// =====================================================

// List returns the caller's records matching opts, newest first. When online the
// primary's result replaces the local one and is written through to the local store.
func (r *Reconciler) List(ctx context.Context, opts ListOptions) ([]*models.Customer, error) {
	u, err := r.user()
	if err != nil {
		return nil, err
	}

	q := remote.Query{Category: opts.Category, Search: strings.TrimSpace(opts.Search)}
	if !u.Privileged() {
		q.OwnerID = &u.ID
	}
	scope := q.Filter()

	local, err := r.store.List(ctx, scope)
	if err != nil {
		return nil, err
	}
	if !r.online() {
		return sortNewestFirst(local), nil
	}

	remoteRecs, err := r.chain.Query(ctx, q)
	if err != nil {
		logging.Debug("remote list failed, serving local", map[string]interface{}{"error": err.Error()})
		return sortNewestFirst(local), nil
	}

	out, err := r.writeThrough(ctx, scope, remoteRecs)
	if err != nil {
		return nil, err
	}
	// Records never seen by a remote are only known locally.
	for _, c := range local {
		if c.IsTemporary() {
			out = append(out, c)
		}
	}
	return sortNewestFirst(out), nil
}

// writeThrough caches remote records locally and returns those within scope. A local
// copy with a pending write is returned in place of the remote one and kept.
func (r *Reconciler) writeThrough(ctx context.Context, scope db.ListFilter, recs []*models.Customer) ([]*models.Customer, error) {
	out := make([]*models.Customer, 0, len(recs))
	syncedAt := r.now()
	for _, rec := range recs {
		if rec == nil || rec.ID <= 0 || !scope.Match(rec) {
			continue
		}
		cur, err := r.store.Get(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		if cur != nil && cur.IsPending() {
			if scope.Match(cur) {
				out = append(out, cur)
			}
			continue
		}
		cp := rec.Clone()
		cp.MarkSynced(syncedAt)
		if err := r.store.Put(ctx, cp); err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func sortNewestFirst(recs []*models.Customer) []*models.Customer {
	sort.SliceStable(recs, func(i, j int) bool {
		return conflict.Newer(recs[i].UpdatedAt, recs[j].UpdatedAt)
	})
	return recs
}

// Get returns one local record.
func (r *Reconciler) Get(ctx context.Context, id int64) (*models.Customer, error) {
	u, err := r.user()
	if err != nil {
		return nil, err
	}
	return r.load(ctx, u, id)
}

// =====================================================
// Next-step history
// =====================================================

// NextStepHistory returns the history of a customer, newest first. History lives
// remotely only: offline, or when the remote fails, the result is empty.
func (r *Reconciler) NextStepHistory(ctx context.Context, customerID int64) ([]*models.NextStepHistory, error) {
	u, err := r.user()
	if err != nil {
		return nil, err
	}
	c, err := r.load(ctx, u, customerID)
	if err != nil {
		return nil, err
	}
	if c.IsTemporary() || !r.online() {
		return []*models.NextStepHistory{}, nil
	}
	if hb, _ := r.chain.History(); hb == nil {
		return []*models.NextStepHistory{}, nil
	}

	entries, err := r.chain.ListNextSteps(ctx, customerID)
	if err != nil {
		logging.Debug("remote history failed", map[string]interface{}{"id": customerID, "error": err.Error()})
		return []*models.NextStepHistory{}, nil
	}
	return entries, nil
}

// AddNextStep appends a history entry and sets the customer's next_step. It needs
// the remote and fails with ErrOffline without it.
func (r *Reconciler) AddNextStep(ctx context.Context, customerID int64, step string) (*models.NextStepHistory, error) {
	u, err := r.user()
	if err != nil {
		return nil, err
	}
	step = strings.TrimSpace(step)
	if step == "" {
		return nil, errors.New(errors.ErrValidation, "next step must not be empty")
	}
	c, err := r.load(ctx, u, customerID)
	if err != nil {
		return nil, err
	}
	if c.IsTemporary() {
		return nil, errors.New(errors.ErrOffline, "customer has not reached a remote yet")
	}
	if hb, _ := r.chain.History(); hb == nil || !r.online() {
		return nil, errors.New(errors.ErrOffline, "next-step history requires connectivity")
	}

	entry, err := r.chain.AddNextStep(ctx, &models.NextStepHistory{
		CustomerID: customerID,
		NextStep:   step,
		CreatedBy:  u.ID,
		Username:   u.Username,
		CreatedAt:  models.FormatTime(r.now()),
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrOffline, "add next step", err)
	}

	if _, err := r.update(ctx, u, c, models.Patch{models.FieldNextStep: step}, false); err != nil {
		return nil, err
	}
	return entry, nil
}
