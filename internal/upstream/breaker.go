package upstream

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrOriginDown is returned without dialing when a tenant's origin has
// failed repeatedly and its cooldown has not elapsed.
var ErrOriginDown = errors.New("upstream origin marked down")

const (
	// tripAfter is how many consecutive transport failures mark an
	// origin down. HTTP error statuses never count; a 404 from a live
	// server is still a live server.
	tripAfter = 5
	// cooldown is how long a down origin stays down before one probe
	// request is let through.
	cooldown = 30 * time.Second
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// breaker tracks transport health for one tenant's origin.
type breaker struct {
	state   breakerState
	fails   int
	until   time.Time // open: when to probe again
	probing bool      // half-open: a probe is in flight
}

// tripGuard keeps one breaker per tenant so a dead overlay vendor stops
// costing a full dial timeout on every compositor request.
type tripGuard struct {
	mu    sync.Mutex
	clock clock.Clock
	byID  map[string]*breaker
}

func newTripGuard(clk clock.Clock) *tripGuard {
	return &tripGuard{clock: clk, byID: make(map[string]*breaker)}
}

// allow reports whether a request for the tenant may dial upstream.
// Exactly one probe passes per cooldown while the origin is down.
func (g *tripGuard) allow(tenantID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	b := g.byID[tenantID]
	if b == nil {
		b = &breaker{}
		g.byID[tenantID] = b
	}

	switch b.state {
	case stateClosed:
		return nil
	case stateOpen:
		if g.clock.Now().Before(b.until) {
			return ErrOriginDown
		}
		b.state = stateHalfOpen
		b.probing = true
		return nil
	default: // half-open
		if b.probing {
			return ErrOriginDown
		}
		b.probing = true
		return nil
	}
}

// record reports the outcome of an allowed request. ok means the dial
// and response round-trip completed, whatever the status code was.
func (g *tripGuard) record(tenantID string, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	b := g.byID[tenantID]
	if b == nil {
		return
	}

	switch b.state {
	case stateClosed:
		if ok {
			b.fails = 0
			return
		}
		b.fails++
		if b.fails >= tripAfter {
			b.state = stateOpen
			b.until = g.clock.Now().Add(cooldown)
		}
	case stateHalfOpen:
		b.probing = false
		if ok {
			b.state = stateClosed
			b.fails = 0
			return
		}
		b.state = stateOpen
		b.until = g.clock.Now().Add(cooldown)
	}
}
