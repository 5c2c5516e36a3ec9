// Package resource implements the connection accounting consulted before a
// remote host is allowed to start a handshake.
package resource

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultAttemptsPerMin = 12
	defaultBurst          = 6
	idleExpiry            = 10 * time.Minute
)

type hostState struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Monitor tracks per-host connection attempt budgets. A host that burns
// through its budget is told to disconnect before any handshake work happens.
type Monitor struct {
	mu    sync.Mutex
	hosts map[netip.Addr]*hostState
	limit rate.Limit
	burst int
	now   func() time.Time
}

// NewMonitor creates a monitor allowing attemptsPerMin inbound attempts per
// remote host with the given burst. Zero values select defaults.
func NewMonitor(attemptsPerMin, burst int) *Monitor {
	if attemptsPerMin <= 0 {
		attemptsPerMin = defaultAttemptsPerMin
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return &Monitor{
		hosts: make(map[netip.Addr]*hostState),
		limit: rate.Limit(float64(attemptsPerMin) / 60.0),
		burst: burst,
		now:   time.Now,
	}
}

// Consumer is the admission token handed out per connection attempt.
type Consumer struct {
	disconnect bool
}

// Disconnect reports whether the attempt should be dropped for being over
// quota.
func (c Consumer) Disconnect() bool { return c.disconnect }

// NewInboundConsumer charges one connection attempt against the remote host.
func (m *Monitor) NewInboundConsumer(remote netip.AddrPort) Consumer {
	host := remote.Addr()
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.hosts[host]
	if !ok {
		state = &hostState{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.hosts[host] = state
	}
	state.lastSeen = now
	m.sweepLocked(now)
	return Consumer{disconnect: !state.limiter.AllowN(now, 1)}
}

// sweepLocked drops hosts that have been idle long enough that their budget
// is fully replenished anyway.
func (m *Monitor) sweepLocked(now time.Time) {
	if len(m.hosts) < 1024 {
		return
	}
	for host, state := range m.hosts {
		if now.Sub(state.lastSeen) > idleExpiry {
			delete(m.hosts, host)
		}
	}
}
