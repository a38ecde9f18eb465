package reconciler

import (
	"context"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/csmsync/internal/connectivity"
	"github.com/kimhsiao/csmsync/internal/db"
	"github.com/kimhsiao/csmsync/internal/db/dbtest"
	"github.com/kimhsiao/csmsync/internal/errors"
	"github.com/kimhsiao/csmsync/internal/models"
	"github.com/kimhsiao/csmsync/internal/remote"
	"github.com/kimhsiao/csmsync/internal/remote/memory"
	"github.com/kimhsiao/csmsync/internal/session"
	syncpkg "github.com/kimhsiao/csmsync/internal/sync"
	"github.com/kimhsiao/csmsync/internal/sync/scheduler"
)

var (
	alice = session.User{ID: 7, Username: "alice", Role: session.RoleMember}
	bob   = session.User{ID: 8, Username: "bob", Role: session.RoleMember}
	admin = session.User{ID: 1, Username: "root", Role: session.RoleAdmin}
)

type clock struct {
	mu stdsync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	ctx       context.Context
	store     *db.Repository
	primary   *memory.Backend
	secondary *memory.Backend
	chain     *remote.Chain
	probe     *connectivity.Manual
	session   *session.Static
	clock     *clock
	rec       *Reconciler
}

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()
	h := &harness{
		ctx:     context.Background(),
		store:   dbtest.Open(t),
		probe:   connectivity.NewManual(online),
		session: session.NewStatic(alice),
		clock:   &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.primary = memory.New("primary").WithClock(h.clock.now)
	h.secondary = memory.New("legacy").WithClock(h.clock.now)
	h.chain = remote.NewChain([]remote.Backend{h.primary, h.secondary})
	h.rec = New(h.store, h.session, h.probe, h.chain, &Options{Now: h.clock.now})
	return h
}

// seed stores the same synced record remotely and locally.
func (h *harness) seed(t *testing.T, c *models.Customer) {
	t.Helper()
	h.primary.Seed(c)
	cp := c.Clone()
	cp.MarkSynced(h.clock.now())
	require.NoError(t, h.store.Put(h.ctx, cp))
}

func (h *harness) local(t *testing.T, id int64) *models.Customer {
	t.Helper()
	c, err := h.store.Get(h.ctx, id)
	require.NoError(t, err)
	return c
}

func (h *harness) count(t *testing.T, f db.ListFilter) int {
	t.Helper()
	n, err := h.store.Count(h.ctx, f)
	require.NoError(t, err)
	return n
}

func customer(id, owner int64, name, updatedAt string) *models.Customer {
	return &models.Customer{ID: id, OwnerID: owner, CustomerName: name, CompanyName: name, UpdatedAt: updatedAt}
}

// leakyBackend ignores the owner scope of queries.
type leakyBackend struct{ *memory.Backend }

func (l leakyBackend) Query(ctx context.Context, q remote.Query) ([]*models.Customer, error) {
	return l.Backend.Query(ctx, remote.Query{})
}

// gatedBackend holds the first Insert until release is closed. Later inserts pass.
type gatedBackend struct {
	*memory.Backend
	once    stdsync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedBackend) Insert(ctx context.Context, c *models.Customer) (*models.Customer, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.Backend.Insert(ctx, c)
}

// gatePrimary puts a gate in front of the primary and rebuilds the reconciler.
func (h *harness) gatePrimary() *gatedBackend {
	g := &gatedBackend{Backend: h.primary, entered: make(chan struct{}), release: make(chan struct{})}
	h.chain = remote.NewChain([]remote.Backend{g, h.secondary}, remote.WithTimeout(time.Minute))
	h.rec = New(h.store, h.session, h.probe, h.chain, &Options{Now: h.clock.now})
	return g
}

// =====================================================
// Create Tests
// =====================================================

func TestCreate_onlineRemapsToRemoteID(t *testing.T) {
	h := newHarness(t, true)

	got, err := h.rec.Create(h.ctx, models.Patch{"company_name": "Acme", "status": "进行中"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ID)
	assert.False(t, got.IsPending())
	assert.Equal(t, alice.ID, got.OwnerID)
	assert.Equal(t, alice.ID, got.CreatedBy)

	assert.Equal(t, 1, h.count(t, db.ListFilter{}))
	assert.Zero(t, h.count(t, db.ListFilter{LocalIDsOnly: true}))
	assert.Equal(t, "Acme", h.primary.Snapshot(1).CompanyName)
}

func TestCreate_offlineKeepsTemporaryRecord(t *testing.T) {
	h := newHarness(t, false)

	got, err := h.rec.Create(h.ctx, models.Patch{"company_name": "Acme"})
	require.NoError(t, err)
	assert.Less(t, got.ID, int64(0))
	assert.True(t, got.IsLocal)
	assert.Empty(t, got.SyncedAt)
	assert.Equal(t, got, h.local(t, got.ID))
	assert.Zero(t, h.primary.Calls(remote.OpInsert))
}

func TestCreate_primaryFailureNeverWritesSecondary(t *testing.T) {
	h := newHarness(t, true)
	h.primary.SetDown(true, remote.OpInsert)

	got, err := h.rec.Create(h.ctx, models.Patch{"company_name": "Acme"})
	require.NoError(t, err, "remote failures are not surfaced")
	assert.True(t, got.IsTemporary())
	assert.True(t, got.IsPending())
	assert.Zero(t, h.secondary.Calls(remote.OpInsert))
	assert.Equal(t, 1, h.count(t, db.ListFilter{PendingOnly: true}))
}

func TestCreate_ignoresCallerIdentityFields(t *testing.T) {
	h := newHarness(t, false)

	got, err := h.rec.Create(h.ctx, models.Patch{
		"id": 99, "owner_id": bob.ID, "created_by": bob.ID, "synced_at": "2020-01-01T00:00:00Z", "customer_name": "x",
	})
	require.NoError(t, err)
	assert.True(t, got.IsTemporary())
	assert.Equal(t, alice.ID, got.OwnerID)
	assert.Equal(t, alice.ID, got.CreatedBy)
	assert.Empty(t, got.SyncedAt)
}

func TestCreate_retriesTemporaryIDCollisions(t *testing.T) {
	h := newHarness(t, false)
	draws := []int{5, 5, 6}
	h.rec = New(h.store, h.session, h.probe, h.chain, &Options{
		Now: h.clock.now,
		IDSource: func(n int) int {
			d := draws[0]
			draws = draws[1:]
			return d
		},
	})
	taken := -(h.clock.now().UnixMilli()*1000 + 5)
	require.NoError(t, h.store.Put(h.ctx, customer(taken, alice.ID, "existing", "")))

	got, err := h.rec.Create(h.ctx, models.Patch{"customer_name": "new"})
	require.NoError(t, err)
	assert.Equal(t, taken-1, got.ID)
	assert.Equal(t, "existing", h.local(t, taken).CustomerName)
}

func TestCreate_givesUpAfterIDRetries(t *testing.T) {
	h := newHarness(t, false)
	h.rec = New(h.store, h.session, h.probe, h.chain, &Options{
		Now:       h.clock.now,
		IDRetries: 2,
		IDSource:  func(int) int { return 0 },
	})
	require.NoError(t, h.store.Put(h.ctx, customer(-(h.clock.now().UnixMilli()*1000), alice.ID, "existing", "")))

	_, err := h.rec.Create(h.ctx, models.Patch{"customer_name": "new"})
	assert.Equal(t, errors.ErrInternal, errors.CodeOf(err))
}

func TestCreate_requiresSession(t *testing.T) {
	h := newHarness(t, true)
	h.session.Set(nil)

	_, err := h.rec.Create(h.ctx, models.Patch{"customer_name": "x"})
	assert.Equal(t, errors.ErrUnauthenticated, errors.CodeOf(err))
}

// =====================================================
// Update Tests
// =====================================================

func TestUpdate_onlineTakesRemoteCopy(t *testing.T) {
	h := newHarness(t, true)
	h.seed(t, customer(10, alice.ID, "Acme", "2024-05-01T00:00:00.000Z"))
	h.clock.advance(time.Minute)

	got, err := h.rec.Update(h.ctx, 10, models.Patch{"status": "已完成"})
	require.NoError(t, err)
	assert.False(t, got.IsPending())
	assert.Equal(t, "已完成", got.Status)
	assert.Equal(t, "Acme", got.CustomerName)
	assert.Equal(t, h.primary.Snapshot(10).UpdatedAt, got.UpdatedAt)
	assert.Equal(t, got, h.local(t, 10))
}

func TestUpdate_remoteFailureMarksPending(t *testing.T) {
	h := newHarness(t, true)
	h.seed(t, customer(10, alice.ID, "Acme", "2024-05-01T00:00:00.000Z"))
	h.primary.SetDown(true, remote.OpUpdate)

	got, err := h.rec.Update(h.ctx, 10, models.Patch{"status": "暂停"})
	require.NoError(t, err)
	assert.True(t, got.IsLocal)
	assert.Empty(t, got.SyncedAt)
	assert.Equal(t, "暂停", h.local(t, 10).Status)
	assert.Zero(t, h.secondary.Calls(remote.OpUpdate))
}

func TestUpdate_resendsEarlierPendingEdits(t *testing.T) {
	h := newHarness(t, true)
	h.seed(t, customer(10, alice.ID, "Acme", "2024-05-01T00:00:00.000Z"))

	h.primary.SetDown(true, remote.OpUpdate)
	_, err := h.rec.Update(h.ctx, 10, models.Patch{"status": "暂停"})
	require.NoError(t, err)

	h.primary.SetDown(false, remote.OpUpdate)
	got, err := h.rec.Update(h.ctx, 10, models.Patch{"notes": "called"})
	require.NoError(t, err)
	assert.False(t, got.IsPending())

	remoteCopy := h.primary.Snapshot(10)
	assert.Equal(t, "暂停", remoteCopy.Status)
	assert.Equal(t, "called", remoteCopy.Notes)
}

// Consecutive offline updates, the later one wins locally.
func TestUpdate_offlineUpdatesAccumulate(t *testing.T) {
	h := newHarness(t, false)
	h.seed(t, customer(10, alice.ID, "Acme", "2024-05-01T00:00:00.000Z"))

	t10 := time.Date(2024, 6, 1, 0, 0, 10, 0, time.UTC)
	t20 := time.Date(2024, 6, 1, 0, 0, 20, 0, time.UTC)

	h.clock.set(t10)
	_, err := h.rec.Update(h.ctx, 10, models.Patch{"status": "A"})
	require.NoError(t, err)
	h.clock.set(t20)
	_, err = h.rec.Update(h.ctx, 10, models.Patch{"status": "B"})
	require.NoError(t, err)

	got := h.local(t, 10)
	assert.Equal(t, "B", got.Status)
	assert.Equal(t, models.FormatTime(t20), got.UpdatedAt)
	assert.True(t, got.IsPending())
	assert.Zero(t, h.primary.Calls(remote.OpUpdate))
}

func TestUpdate_temporaryRecordIsNotSentRemotely(t *testing.T) {
	h := newHarness(t, true)
	h.primary.SetDown(true, remote.OpInsert)
	created, err := h.rec.Create(h.ctx, models.Patch{"customer_name": "draft"})
	require.NoError(t, err)

	got, err := h.rec.Update(h.ctx, created.ID, models.Patch{"customer_name": "final"})
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "final", got.CustomerName)
	assert.True(t, got.IsPending())
	assert.Zero(t, h.primary.Calls(remote.OpUpdate))
}

func TestUpdate_authorization(t *testing.T) {
	h := newHarness(t, true)
	h.seed(t, customer(11, bob.ID, "Bob's", "2024-05-01T00:00:00.000Z"))

	_, err := h.rec.Update(h.ctx, 11, models.Patch{"status": "x"})
	assert.Equal(t, errors.ErrPermission, errors.CodeOf(err))
	assert.Empty(t, h.local(t, 11).Status, "a rejected update writes nothing")

	_, err = h.rec.Update(h.ctx, 404, models.Patch{"status": "x"})
	assert.Equal(t, errors.ErrNotFound, errors.CodeOf(err))

	h.session.Set(&admin)
	got, err := h.rec.Update(h.ctx, 11, models.Patch{"status": "x", "owner_id": alice.ID})
	require.NoError(t, err)
	assert.Equal(t, alice.ID, got.OwnerID, "privileged callers may reassign")
}

func TestUpdate_nextStepChangeAppendsHistory(t *testing.T) {
	h := newHarness(t, true)
	h.seed(t, customer(10, alice.ID, "Acme", "2024-05-01T00:00:00.000Z"))

	_, err := h.rec.Update(h.ctx, 10, models.Patch{"next_step": "send quote"})
	require.NoError(t, err)
	_, err = h.rec.Update(h.ctx, 10, models.Patch{"next_step": "send quote", "notes": "same step"})
	require.NoError(t, err)

	entries, err := h.primary.ListNextSteps(h.ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "send quote", entries[0].NextStep)
	assert.Equal(t, "alice", entries[0].Username)
}

// =====================================================
// Delete Tests
// =====================================================

func TestDelete_online(t *testing.T) {
	h := newHarness(t, true)
	h.seed(t, customer(10, alice.ID, "Acme", "2024-05-01T00:00:00.000Z"))

	require.NoError(t, h.rec.Delete(h.ctx, 10))
	assert.Nil(t, h.local(t, 10))
	assert.Nil(t, h.primary.Snapshot(10))

	pending, err := h.store.ListPendingDeletes(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// The remote delete cannot be done, the caller still sees success.
func TestDelete_remoteFailureIsRecorded(t *testing.T) {
	h := newHarness(t, true)
	h.seed(t, customer(10, alice.ID, "Acme", "2024-05-01T00:00:00.000Z"))
	h.primary.SetDown(true)
	h.secondary.SetDown(true)

	require.NoError(t, h.rec.Delete(h.ctx, 10))
	assert.Nil(t, h.local(t, 10))

	pending, err := h.store.ListPendingDeletes(h.ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(10), pending[0].RecordID)
	assert.Equal(t, alice.ID, pending[0].OwnerID)
}

func TestDelete_offlineIsRecorded(t *testing.T) {
	h := newHarness(t, false)
	h.seed(t, customer(10, alice.ID, "Acme", "2024-05-01T00:00:00.000Z"))

	require.NoError(t, h.rec.Delete(h.ctx, 10))
	assert.Zero(t, h.primary.Calls(remote.OpDelete))

	pending, err := h.store.ListPendingDeletes(h.ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestDelete_temporaryAndAbsentRecords(t *testing.T) {
	h := newHarness(t, true)
	h.primary.SetDown(true, remote.OpInsert)
	created, err := h.rec.Create(h.ctx, models.Patch{"customer_name": "draft"})
	require.NoError(t, err)

	require.NoError(t, h.rec.Delete(h.ctx, created.ID))
	require.NoError(t, h.rec.Delete(h.ctx, 12345))
	assert.Zero(t, h.primary.Calls(remote.OpDelete))
	assert.Zero(t, h.count(t, db.ListFilter{}))

	pending, err := h.store.ListPendingDeletes(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDelete_otherOwnerIsRejected(t *testing.T) {
	h := newHarness(t, true)
	h.seed(t, customer(11, bob.ID, "Bob's", "2024-05-01T00:00:00.000Z"))

	err := h.rec.Delete(h.ctx, 11)
	assert.Equal(t, errors.ErrPermission, errors.CodeOf(err))
	assert.NotNil(t, h.local(t, 11))
	assert.NotNil(t, h.primary.Snapshot(11))
}

// =====================================================
// List Tests
// =====================================================

func TestList_remoteFailureServesLocal(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.store.Put(h.ctx, customer(1, alice.ID, "older", "2024-05-01T00:00:00.000Z")))
	require.NoError(t, h.store.Put(h.ctx, customer(2, alice.ID, "newer", "2024-05-02T00:00:00.000Z")))
	require.NoError(t, h.store.Put(h.ctx, customer(3, bob.ID, "other", "2024-05-03T00:00:00.000Z")))
	h.primary.SetDown(true)

	got, err := h.rec.List(h.ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "newer", got[0].CustomerName)
	assert.Equal(t, "older", got[1].CustomerName)
}

func TestList_neverLeaksOtherOwners(t *testing.T) {
	h := newHarness(t, true)
	leaky := leakyBackend{h.primary}
	h.rec = New(h.store, h.session, h.probe, remote.NewChain([]remote.Backend{leaky}), &Options{Now: h.clock.now})
	h.primary.Seed(customer(1, alice.ID, "mine", "2024-05-01T00:00:00.000Z"))
	h.primary.Seed(customer(2, bob.ID, "theirs", "2024-05-02T00:00:00.000Z"))
	require.NoError(t, h.store.Put(h.ctx, customer(3, bob.ID, "cached", "2024-05-03T00:00:00.000Z")))

	for _, online := range []bool{true, false} {
		h.probe.SetOnline(online)
		got, err := h.rec.List(h.ctx, ListOptions{})
		require.NoError(t, err)
		for _, c := range got {
			assert.Equal(t, alice.ID, c.OwnerID, "online=%v leaked record %d", online, c.ID)
		}
	}
	assert.Nil(t, h.local(t, 2), "out-of-scope remote records are not cached")
}

func TestList_writesThroughAndKeepsPendingCopies(t *testing.T) {
	h := newHarness(t, true)
	h.primary.Seed(customer(1, alice.ID, "remote-only", "2024-05-01T00:00:00.000Z"))
	h.primary.Seed(customer(2, alice.ID, "remote-version", "2024-05-02T00:00:00.000Z"))

	pending := customer(2, alice.ID, "local-edit", "2024-05-03T00:00:00.000Z")
	pending.MarkPending()
	require.NoError(t, h.store.Put(h.ctx, pending))

	draft := customer(-5, alice.ID, "draft", "2024-05-04T00:00:00.000Z")
	draft.MarkPending()
	require.NoError(t, h.store.Put(h.ctx, draft))

	got, err := h.rec.List(h.ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"draft", "local-edit", "remote-only"},
		[]string{got[0].CustomerName, got[1].CustomerName, got[2].CustomerName})

	cached := h.local(t, 1)
	require.NotNil(t, cached)
	assert.False(t, cached.IsPending())
	assert.Equal(t, "local-edit", h.local(t, 2).CustomerName)
}

func TestList_filters(t *testing.T) {
	h := newHarness(t, false)
	a := customer(1, alice.ID, "Acme Games", "2024-05-01T00:00:00.000Z")
	a.Category = "建联中"
	b := customer(2, alice.ID, "Beta", "2024-05-02T00:00:00.000Z")
	b.Category = "已签约"
	b.ContactPerson = "Ada ACME"
	for _, c := range []*models.Customer{a, b} {
		require.NoError(t, h.store.Put(h.ctx, c))
	}

	tests := []struct {
		name string
		opts ListOptions
		want []int64
	}{
		{"all", ListOptions{}, []int64{2, 1}},
		{"category", ListOptions{Category: "建联中"}, []int64{1}},
		{"search is case-insensitive across fields", ListOptions{Search: "acme"}, []int64{2, 1}},
		{"search and category", ListOptions{Search: " acme ", Category: "已签约"}, []int64{2}},
		{"no match", ListOptions{Search: "zzz"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.rec.List(h.ctx, tt.opts)
			require.NoError(t, err)
			var ids []int64
			for _, c := range got {
				ids = append(ids, c.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestList_privilegedSeesEveryOwner(t *testing.T) {
	h := newHarness(t, true)
	h.session.Set(&admin)
	h.primary.Seed(customer(1, alice.ID, "a", "2024-05-01T00:00:00.000Z"))
	h.primary.Seed(customer(2, bob.ID, "b", "2024-05-02T00:00:00.000Z"))

	got, err := h.rec.List(h.ctx, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestGet(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.store.Put(h.ctx, customer(1, alice.ID, "a", "")))
	require.NoError(t, h.store.Put(h.ctx, customer(2, bob.ID, "b", "")))

	got, err := h.rec.Get(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "a", got.CustomerName)

	_, err = h.rec.Get(h.ctx, 2)
	assert.Equal(t, errors.ErrPermission, errors.CodeOf(err))
	_, err = h.rec.Get(h.ctx, 3)
	assert.Equal(t, errors.ErrNotFound, errors.CodeOf(err))
}

// =====================================================
// Next-step History Tests
// =====================================================

func TestAddNextStep(t *testing.T) {
	h := newHarness(t, true)
	h.seed(t, customer(10, alice.ID, "Acme", "2024-05-01T00:00:00.000Z"))

	entry, err := h.rec.AddNextStep(h.ctx, 10, "  book demo  ")
	require.NoError(t, err)
	assert.Equal(t, "book demo", entry.NextStep)
	assert.Equal(t, alice.ID, entry.CreatedBy)

	assert.Equal(t, "book demo", h.local(t, 10).NextStep)
	assert.Equal(t, "book demo", h.primary.Snapshot(10).NextStep)

	history, err := h.rec.NextStepHistory(h.ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1, "setting next_step through history does not append twice")
}

func TestAddNextStep_rejected(t *testing.T) {
	h := newHarness(t, false)
	h.seed(t, customer(10, alice.ID, "Acme", "2024-05-01T00:00:00.000Z"))

	_, err := h.rec.AddNextStep(h.ctx, 10, "   ")
	assert.Equal(t, errors.ErrValidation, errors.CodeOf(err))

	_, err = h.rec.AddNextStep(h.ctx, 10, "call")
	assert.Equal(t, errors.ErrOffline, errors.CodeOf(err))

	history, err := h.rec.NextStepHistory(h.ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

// =====================================================
// End-to-end Tests
// =====================================================

func newEngine(h *harness) *syncpkg.Engine {
	return syncpkg.NewSyncEngine(h.store, h.chain, h.session,
		syncpkg.WithClock(h.clock.now), syncpkg.WithProbe(h.probe))
}

// An offline create is pushed by one scheduler pass.
func TestEndToEnd_offlineCreateSyncedByScheduler(t *testing.T) {
	h := newHarness(t, false)

	created, err := h.rec.Create(h.ctx, models.Patch{"company_name": "Acme"})
	require.NoError(t, err)
	assert.Less(t, created.ID, int64(0))
	assert.True(t, created.IsLocal)
	assert.Equal(t, 1, h.count(t, db.ListFilter{}))

	h.probe.SetOnline(true)
	engine := newEngine(h)
	s := scheduler.NewScheduler(engine, h.probe, engine.Ledger(), nil)
	_, err = s.SyncNow(h.ctx)
	require.NoError(t, err)

	all, err := h.store.List(h.ctx, db.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Acme", all[0].CompanyName)
	assert.Greater(t, all[0].ID, int64(0))
	assert.False(t, all[0].IsLocal)
	assert.NotEmpty(t, all[0].SyncedAt)
	assert.Nil(t, h.local(t, created.ID))
}

// A newer remote copy replaces the local one on pull.
func TestEndToEnd_pullTakesNewerRemote(t *testing.T) {
	h := newHarness(t, true)
	remoteCopy := customer(10, alice.ID, "Acme (renamed)", "2024-01-02T00:00:00.000Z")
	remoteCopy.Status = "已签约"
	h.primary.Seed(remoteCopy)
	localCopy := customer(10, alice.ID, "Acme", "2024-01-01T00:00:00.000Z")
	localCopy.MarkSynced(h.clock.now())
	require.NoError(t, h.store.Put(h.ctx, localCopy))

	_, err := newEngine(h).Sync(h.ctx)
	require.NoError(t, err)

	got := h.local(t, 10)
	assert.Equal(t, "Acme (renamed)", got.CustomerName)
	assert.Equal(t, "已签约", got.Status)
	assert.Equal(t, "2024-01-02T00:00:00.000Z", got.UpdatedAt)
}

// A delete recorded while offline is finished by the next pass and the record is
// not pulled back in the meantime.
func TestEndToEnd_offlineDeleteFinishedByPass(t *testing.T) {
	h := newHarness(t, false)
	h.seed(t, customer(10, alice.ID, "Acme", "2024-05-01T00:00:00.000Z"))
	require.NoError(t, h.rec.Delete(h.ctx, 10))

	h.probe.SetOnline(true)
	res, err := newEngine(h).Sync(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Nil(t, h.local(t, 10))
	assert.Nil(t, h.primary.Snapshot(10))
}

// An edit made while the record's first insert is in flight survives the remap and
// reaches the remote on the next pass.
func TestEndToEnd_editDuringPushIsKept(t *testing.T) {
	h := newHarness(t, false)
	created, err := h.rec.Create(h.ctx, models.Patch{"company_name": "Acme", "status": "A"})
	require.NoError(t, err)

	g := h.gatePrimary()
	h.probe.SetOnline(true)
	engine := newEngine(h)

	done := make(chan error, 1)
	go func() {
		_, err := engine.Sync(h.ctx)
		done <- err
	}()
	<-g.entered
	h.clock.advance(time.Second)
	_, err = h.rec.Update(h.ctx, created.ID, models.Patch{"status": "B"})
	require.NoError(t, err)
	close(g.release)
	require.NoError(t, <-done)

	all, err := h.store.List(h.ctx, db.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	got := all[0]
	assert.Greater(t, got.ID, int64(0))
	assert.Equal(t, "B", got.Status)
	assert.True(t, got.IsPending())
	assert.Equal(t, "A", h.primary.Snapshot(got.ID).Status)

	_, err = engine.Sync(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, "B", h.primary.Snapshot(got.ID).Status)
	assert.False(t, h.local(t, got.ID).IsPending())
	assert.Equal(t, 1, h.primary.Len())
}

// A create whose insert is in flight is not inserted again by a concurrent pass.
func TestEndToEnd_createAndPassInsertOnce(t *testing.T) {
	h := newHarness(t, true)
	g := h.gatePrimary()
	engine := newEngine(h)

	type createResult struct {
		rec *models.Customer
		err error
	}
	done := make(chan createResult, 1)
	go func() {
		rec, err := h.rec.Create(h.ctx, models.Patch{"company_name": "Acme"})
		done <- createResult{rec, err}
	}()
	<-g.entered

	res, err := engine.Sync(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Uploaded)
	assert.Equal(t, 1, res.Skipped)

	close(g.release)
	created := <-done
	require.NoError(t, created.err)
	assert.Greater(t, created.rec.ID, int64(0))

	_, err = engine.Sync(h.ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, h.count(t, db.ListFilter{}))
	assert.Equal(t, 1, h.primary.Len())
	assert.Zero(t, h.secondary.Len())
}

// A record deleted while its insert is in flight is deleted remotely by the same pass.
func TestEndToEnd_deleteDuringPushIsNotResurrected(t *testing.T) {
	h := newHarness(t, false)
	created, err := h.rec.Create(h.ctx, models.Patch{"company_name": "Acme"})
	require.NoError(t, err)

	g := h.gatePrimary()
	h.probe.SetOnline(true)
	engine := newEngine(h)

	type passResult struct {
		res *syncpkg.SyncResult
		err error
	}
	done := make(chan passResult, 1)
	go func() {
		res, err := engine.Sync(h.ctx)
		done <- passResult{res, err}
	}()
	<-g.entered
	require.NoError(t, h.rec.Delete(h.ctx, created.ID))
	close(g.release)
	pass := <-done
	require.NoError(t, pass.err)

	assert.Equal(t, 1, pass.res.Deleted)
	assert.Zero(t, h.primary.Len())
	assert.Zero(t, h.count(t, db.ListFilter{}))

	_, err = engine.Sync(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, h.count(t, db.ListFilter{}))
}
