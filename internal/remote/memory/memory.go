// Package memory is an in-process remote backend. The api server uses it in
// development mode; tests use it to stand in for either remote.
package memory

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/csmsync/internal/models"
	"github.com/kimhsiao/csmsync/internal/remote"
)

// ErrDown is returned by every call while the backend is marked down.
var ErrDown = stderrors.New("backend unavailable")

// Backend stores records in memory. Stored records carry remote semantics: ids are
// assigned sequentially from 1, updated_at is stamped on every write.
type Backend struct {
	name string
	now  func() time.Time

	mu      sync.Mutex
	nextID  int64
	records map[int64]*models.Customer
	history map[int64][]*models.NextStepHistory
	histID  int64
	down    map[string]bool // op -> failing; "" fails everything
	calls   map[string]int
}

// New returns an empty backend.
func New(name string) *Backend {
	return &Backend{
		name:    name,
		now:     time.Now,
		nextID:  1,
		records: make(map[int64]*models.Customer),
		history: make(map[int64][]*models.NextStepHistory),
		down:    make(map[string]bool),
		calls:   make(map[string]int),
	}
}

// WithClock overrides the clock used for timestamps.
func (b *Backend) WithClock(now func() time.Time) *Backend {
	b.now = now
	return b
}

// Name implements remote.Backend.
func (b *Backend) Name() string { return b.name }

// SetDown makes the listed operations fail; with no operations every call fails.
func (b *Backend) SetDown(down bool, ops ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(ops) == 0 {
		ops = []string{""}
	}
	for _, op := range ops {
		if down {
			b.down[op] = true
		} else {
			delete(b.down, op)
		}
	}
}

// Calls returns how many times op was invoked, failed calls included.
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// enter records the call and reports whether it must fail. Callers hold b.mu.
func (b *Backend) enter(op string) error {
	b.calls[op]++
	if b.down[""] || b.down[op] {
		return remote.Fail(b.name, op, 503, ErrDown)
	}
	return nil
}

// Seed stores c verbatim, keeping its id and timestamps.
func (b *Backend) Seed(c *models.Customer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := c.Clone()
	cp.IsLocal = false
	b.records[cp.ID] = cp
	if cp.ID >= b.nextID {
		b.nextID = cp.ID + 1
	}
}

// Snapshot returns a copy of the stored record, or nil.
func (b *Backend) Snapshot(id int64) *models.Customer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.records[id].Clone()
}

// Len returns the number of stored records.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Query implements remote.Backend.
func (b *Backend) Query(ctx context.Context, q remote.Query) ([]*models.Customer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(remote.OpQuery); err != nil {
		return nil, err
	}
	filter := q.Filter()
	out := make([]*models.Customer, 0, len(b.records))
	for _, c := range b.records {
		if filter.Match(c) {
			out = append(out, c.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// Get implements remote.Getter.
func (b *Backend) Get(ctx context.Context, id int64) (*models.Customer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(remote.OpGet); err != nil {
		return nil, err
	}
	return b.records[id].Clone(), nil
}

// Insert implements remote.Backend.
func (b *Backend) Insert(ctx context.Context, c *models.Customer) (*models.Customer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(remote.OpInsert); err != nil {
		return nil, err
	}
	now := models.FormatTime(b.now())
	cp := c.Clone()
	cp.ID = b.nextID
	b.nextID++
	cp.IsLocal = false
	cp.SyncedAt = ""
	cp.CreatedAt = now
	cp.UpdatedAt = now
	b.records[cp.ID] = cp
	return cp.Clone(), nil
}

// Update implements remote.Backend. Nil values and empty strings in p are ignored.
func (b *Backend) Update(ctx context.Context, id int64, p models.Patch) (*models.Customer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(remote.OpUpdate); err != nil {
		return nil, err
	}
	cur, ok := b.records[id]
	if !ok {
		return nil, remote.NotFound(b.name, remote.OpUpdate, id)
	}
	merged, err := cur.Merge(p.Compact().Without(models.FieldSyncedAt, models.FieldIsLocal))
	if err != nil {
		return nil, remote.Fail(b.name, remote.OpUpdate, 400, err)
	}
	merged.UpdatedAt = models.FormatTime(b.now())
	b.records[id] = merged
	return merged.Clone(), nil
}

// Delete implements remote.Backend.
func (b *Backend) Delete(ctx context.Context, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(remote.OpDelete); err != nil {
		return err
	}
	if _, ok := b.records[id]; !ok {
		return remote.NotFound(b.name, remote.OpDelete, id)
	}
	delete(b.records, id)
	delete(b.history, id)
	return nil
}

// ListNextSteps implements remote.HistoryBackend, newest first.
func (b *Backend) ListNextSteps(ctx context.Context, customerID int64) ([]*models.NextStepHistory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(remote.OpListHistory); err != nil {
		return nil, err
	}
	entries := b.history[customerID]
	out := make([]*models.NextStepHistory, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		cp := *entries[i]
		out = append(out, &cp)
	}
	return out, nil
}

// AddNextStep implements remote.HistoryBackend.
func (b *Backend) AddNextStep(ctx context.Context, entry *models.NextStepHistory) (*models.NextStepHistory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(remote.OpAddHistory); err != nil {
		return nil, err
	}
	b.histID++
	cp := *entry
	cp.ID = b.histID
	if cp.CreatedAt == "" {
		cp.CreatedAt = models.FormatTime(b.now())
	}
	b.history[cp.CustomerID] = append(b.history[cp.CustomerID], &cp)
	out := cp
	return &out, nil
}

var (
	_ remote.Backend        = (*Backend)(nil)
	_ remote.Getter         = (*Backend)(nil)
	_ remote.HistoryBackend = (*Backend)(nil)
)
