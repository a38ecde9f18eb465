package remote

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/kimhsiao/csmsync/internal/errors"
	"github.com/kimhsiao/csmsync/internal/logging"
	"github.com/kimhsiao/csmsync/internal/models"
)

// DefaultTimeout bounds every remote call made through a Chain.
const DefaultTimeout = 8 * time.Second

// Observer is told about every remote call.
type Observer interface {
	ObserveRemote(backend, op string, err error)
}

// Chain is the ordered list of remote backends. The first backend is the primary:
// reads, updates and deletes go to it alone. Only Insert falls back along the chain.
type Chain struct {
	backends []Backend
	timeout  time.Duration
	observer Observer
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) ChainOption {
	return func(c *Chain) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithObserver sets the call observer.
func WithObserver(o Observer) ChainOption {
	return func(c *Chain) { c.observer = o }
}

// NewChain returns a chain over backends in priority order. Nil backends are skipped.
func NewChain(backends []Backend, opts ...ChainOption) *Chain {
	c := &Chain{timeout: DefaultTimeout}
	for _, b := range backends {
		if b != nil {
			c.backends = append(c.backends, b)
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Backends returns the backends in priority order.
func (c *Chain) Backends() []Backend {
	return append([]Backend(nil), c.backends...)
}

// Primary returns the first backend, or nil for an empty chain.
func (c *Chain) Primary() Backend {
	if c == nil || len(c.backends) == 0 {
		return nil
	}
	return c.backends[0]
}

// Empty reports whether no backend is configured.
func (c *Chain) Empty() bool {
	return c.Primary() == nil
}

// Timeout returns the per-call timeout.
func (c *Chain) Timeout() time.Duration {
	return c.timeout
}

func (c *Chain) observe(b Backend, op string, err error) {
	if c.observer != nil {
		c.observer.ObserveRemote(b.Name(), op, err)
	}
}

var errNoBackend = errors.New(errors.ErrRemoteUnavailable, "no remote backend configured")

// wrap makes sure every failure surfacing from a backend is in the connectivity class.
func wrap(b Backend, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errors.ErrRemoteUnavailable) {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(errors.ErrSyncTimeout, b.Name()+" "+op, &RemoteError{Backend: b.Name(), Op: op, Err: err})
	}
	return Fail(b.Name(), op, 0, err)
}

func (c *Chain) call(ctx context.Context, b Backend, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	err := wrap(b, op, fn(ctx))
	c.observe(b, op, err)
	return err
}

// Query runs q against the primary.
func (c *Chain) Query(ctx context.Context, q Query) ([]*models.Customer, error) {
	b := c.Primary()
	if b == nil {
		return nil, errNoBackend
	}
	var out []*models.Customer
	err := c.call(ctx, b, OpQuery, func(ctx context.Context) error {
		var err error
		out, err = b.Query(ctx, q)
		return err
	})
	return out, err
}

// InsertPrimary inserts on the primary only.
func (c *Chain) InsertPrimary(ctx context.Context, rec *models.Customer) (*models.Customer, error) {
	b := c.Primary()
	if b == nil {
		return nil, errNoBackend
	}
	return c.insertOn(ctx, b, rec)
}

func (c *Chain) insertOn(ctx context.Context, b Backend, rec *models.Customer) (*models.Customer, error) {
	var out *models.Customer
	err := c.call(ctx, b, OpInsert, func(ctx context.Context) error {
		var err error
		out, err = b.Insert(ctx, rec)
		if err == nil && (out == nil || out.ID <= 0) {
			err = stderrors.New("insert returned no remote id")
		}
		return err
	})
	return out, err
}

// Insert tries every backend in priority order and stops at the first success. It
// returns the stored record and the name of the backend that accepted it. When all
// backends fail the joined failures are returned.
func (c *Chain) Insert(ctx context.Context, rec *models.Customer) (*models.Customer, string, error) {
	if c.Empty() {
		return nil, "", errNoBackend
	}
	var errs []error
	for i, b := range c.backends {
		out, err := c.insertOn(ctx, b, rec)
		if err == nil {
			if i > 0 {
				logging.Warn("insert fell back to secondary remote", map[string]interface{}{
					"backend":  b.Name(),
					"local_id": rec.ID,
				})
			}
			return out, b.Name(), nil
		}
		errs = append(errs, err)
	}
	return nil, "", errors.Wrap(errors.ErrRemoteUnavailable, "insert on every backend", stderrors.Join(errs...))
}

// Update applies p to record id on the primary.
func (c *Chain) Update(ctx context.Context, id int64, p models.Patch) (*models.Customer, error) {
	b := c.Primary()
	if b == nil {
		return nil, errNoBackend
	}
	var out *models.Customer
	err := c.call(ctx, b, OpUpdate, func(ctx context.Context) error {
		var err error
		out, err = b.Update(ctx, id, p)
		if err == nil && out == nil {
			err = stderrors.New("update returned no record")
		}
		return err
	})
	return out, err
}

// Delete removes record id on the primary.
func (c *Chain) Delete(ctx context.Context, id int64) error {
	b := c.Primary()
	if b == nil {
		return errNoBackend
	}
	return c.call(ctx, b, OpDelete, func(ctx context.Context) error {
		return b.Delete(ctx, id)
	})
}

// History returns the first backend that stores next-step history.
func (c *Chain) History() (HistoryBackend, Backend) {
	for _, b := range c.backends {
		if h, ok := b.(HistoryBackend); ok {
			return h, b
		}
	}
	return nil, nil
}

// ListNextSteps reads history through the first history-capable backend.
func (c *Chain) ListNextSteps(ctx context.Context, customerID int64) ([]*models.NextStepHistory, error) {
	h, b := c.History()
	if h == nil {
		return nil, errNoBackend
	}
	var out []*models.NextStepHistory
	err := c.call(ctx, b, OpListHistory, func(ctx context.Context) error {
		var err error
		out, err = h.ListNextSteps(ctx, customerID)
		return err
	})
	return out, err
}

// AddNextStep appends history through the first history-capable backend.
func (c *Chain) AddNextStep(ctx context.Context, entry *models.NextStepHistory) (*models.NextStepHistory, error) {
	h, b := c.History()
	if h == nil {
		return nil, errNoBackend
	}
	var out *models.NextStepHistory
	err := c.call(ctx, b, OpAddHistory, func(ctx context.Context) error {
		var err error
		out, err = h.AddNextStep(ctx, entry)
		return err
	})
	return out, err
}
