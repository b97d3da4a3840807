package crawler

import (
	"context"
	"sync"
	"time"
)

// HostGate tracks per-host earliest-retry timestamps. A host is held when
// it answers 429 with a Retry-After; callers wait out the hold before the
// next request to that host.
type HostGate struct {
	holds map[string]time.Time
	mu    sync.Mutex
}

// NewHostGate creates an empty gate.
func NewHostGate() *HostGate {
	return &HostGate{
		holds: make(map[string]time.Time),
	}
}

// Wait blocks until the host accepts requests again (with context support).
func (g *HostGate) Wait(ctx context.Context, host string) error {
	g.mu.Lock()
	hold := time.Until(g.holds[host])
	g.mu.Unlock()

	if hold <= 0 {
		return nil
	}

	timer := time.NewTimer(hold)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Hold blocks a host until the given time. Later deadlines win; a hold
// already further in the future is kept.
func (g *HostGate) Hold(host string, until time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if until.After(g.holds[host]) {
		g.holds[host] = until
	}
}

// NextAllowed reports when the host accepts requests again. The zero time
// means the host is unrestricted.
func (g *HostGate) NextAllowed(host string) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holds[host]
}
