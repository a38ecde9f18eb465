// Package connectivity reports whether the remotes are reachable and announces
// offline-to-online transitions.
package connectivity

import (
	"sync"
)

// Probe is the connectivity collaborator.
type Probe interface {
	// IsOnline reports the last known state without blocking.
	IsOnline() bool
	// Subscribe registers fn to run on every offline-to-online transition.
	Subscribe(fn func()) (unsubscribe func())
}

// subscribers is a set of transition callbacks.
type subscribers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func()
}

func (s *subscribers) add(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func())
	}
	id := s.next
	s.next++
	s.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fns, id)
			s.mu.Unlock()
		})
	}
}

func (s *subscribers) notify() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (s *subscribers) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fns)
}

// Manual is a Probe whose state is set by the host.
type Manual struct {
	mu     sync.RWMutex
	online bool
	subs   subscribers
}

// NewManual returns a Manual probe in the given state.
func NewManual(online bool) *Manual {
	return &Manual{online: online}
}

// IsOnline implements Probe.
func (m *Manual) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline changes the state; going online notifies subscribers synchronously.
func (m *Manual) SetOnline(online bool) {
	m.mu.Lock()
	was := m.online
	m.online = online
	m.mu.Unlock()

	if online && !was {
		m.subs.notify()
	}
}

// Subscribe implements Probe.
func (m *Manual) Subscribe(fn func()) func() {
	return m.subs.add(fn)
}

// Subscribers returns the number of registered callbacks.
func (m *Manual) Subscribers() int {
	return m.subs.count()
}

var _ Probe = (*Manual)(nil)
