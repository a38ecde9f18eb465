package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/kimhsiao/csmsync/internal/logging"
)

const stateKey = "online"

// CheckFunc returns nil when the remote answers.
type CheckFunc func(ctx context.Context) error

// Poller runs a check on an interval. A check that returns nil within the timeout
// means online. The last result is cached with a TTL of twice the interval, so a
// stalled poller degrades to offline instead of reporting a stale online state.
type Poller struct {
	target   string
	check    CheckFunc
	timeout  time.Duration
	interval time.Duration
	state    *cache.Cache
	subs     subscribers

	mu      sync.Mutex
	online  bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewPingProbe polls check. target names the remote in logs.
func NewPingProbe(target string, check CheckFunc, interval, timeout time.Duration) *Poller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Poller{
		target:   target,
		check:    check,
		timeout:  timeout,
		interval: interval,
		state:    cache.New(2*interval, 4*interval),
	}
}

// NewHTTPProbe polls a health endpoint. Any 2xx answer means online.
func NewHTTPProbe(url string, interval, timeout time.Duration) *Poller {
	client := &http.Client{}
	return NewPingProbe(url, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("health status %d", resp.StatusCode)
		}
		return nil
	}, interval, timeout)
}

// Target returns what the poller checks.
func (p *Poller) Target() string { return p.target }

// IsOnline implements Probe.
func (p *Poller) IsOnline() bool {
	v, ok := p.state.Get(stateKey)
	if !ok {
		return false
	}
	online, _ := v.(bool)
	return online
}

// Subscribe implements Probe.
func (p *Poller) Subscribe(fn func()) func() {
	return p.subs.add(fn)
}

// Check runs the check once, records the result and fires transitions.
func (p *Poller) Check(ctx context.Context) bool {
	online := p.poll(ctx)
	p.state.SetDefault(stateKey, online)

	p.mu.Lock()
	was := p.online
	p.online = online
	p.mu.Unlock()

	if online != was {
		logging.Info("connectivity changed", map[string]interface{}{
			"online": online,
			"target": p.target,
		})
	}
	if online && !was {
		p.subs.notify()
	}
	return online
}

func (p *Poller) poll(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.check(ctx); err != nil {
		logging.Debug("connectivity check failed", map[string]interface{}{
			"target": p.target,
			"error":  err.Error(),
		})
		return false
	}
	return true
}

// Start begins polling in the background. The first check runs immediately.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	stopCh := p.stopCh
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.Check(ctx)
		for {
			select {
			case <-ticker.C:
				p.Check(ctx)
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts polling and waits for the poller to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
}

var _ Probe = (*Poller)(nil)
