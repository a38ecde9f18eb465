package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =====================================================
// Manual Probe Tests
// =====================================================

func TestManual_transitionsNotify(t *testing.T) {
	m := NewManual(false)
	var fired int32
	unsubscribe := m.Subscribe(func() { atomic.AddInt32(&fired, 1) })

	m.SetOnline(true)
	m.SetOnline(true) // no transition
	m.SetOnline(false)
	m.SetOnline(true)

	assert.Equal(t, int32(2), atomic.LoadInt32(&fired))
	assert.True(t, m.IsOnline())

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, m.Subscribers())

	m.SetOnline(false)
	m.SetOnline(true)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fired))
}

// =====================================================
// HTTP Probe Tests
// =====================================================

func TestHTTPProbe_Check(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewHTTPProbe(srv.URL, time.Hour, time.Second)
	var fired int32
	p.Subscribe(func() { atomic.AddInt32(&fired, 1) })

	assert.False(t, p.IsOnline(), "unknown state is offline")
	assert.False(t, p.Check(context.Background()))
	assert.False(t, p.IsOnline())

	healthy.Store(true)
	assert.True(t, p.Check(context.Background()))
	assert.True(t, p.IsOnline())
	assert.True(t, p.Check(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestHTTPProbe_unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := NewHTTPProbe(url, time.Hour, 200*time.Millisecond)
	assert.False(t, p.Check(context.Background()))
}

func TestHTTPProbe_StartStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewHTTPProbe(srv.URL, 10*time.Millisecond, time.Second)
	online := make(chan struct{}, 1)
	p.Subscribe(func() {
		select {
		case online <- struct{}{}:
		default:
		}
	})

	p.Start(context.Background())
	p.Start(context.Background()) // second start is a no-op

	select {
	case <-online:
	case <-time.After(2 * time.Second):
		t.Fatal("probe never reported online")
	}
	require.True(t, p.IsOnline())

	p.Stop()
	p.Stop()
}

// =====================================================
// Ping Probe Tests
// =====================================================

func TestPingProbe_Check(t *testing.T) {
	var reachable atomic.Bool
	p := NewPingProbe("primary", func(ctx context.Context) error {
		if reachable.Load() {
			return nil
		}
		return errors.New("connection refused")
	}, time.Hour, time.Second)
	assert.Equal(t, "primary", p.Target())

	var fired int32
	p.Subscribe(func() { atomic.AddInt32(&fired, 1) })

	assert.False(t, p.Check(context.Background()))
	reachable.Store(true)
	assert.True(t, p.Check(context.Background()))
	assert.True(t, p.IsOnline())
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))

	reachable.Store(false)
	assert.False(t, p.Check(context.Background()))
	assert.False(t, p.IsOnline())
}

func TestPingProbe_timeoutIsOffline(t *testing.T) {
	p := NewPingProbe("primary", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, time.Hour, 20*time.Millisecond)

	start := time.Now()
	assert.False(t, p.Check(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
}
