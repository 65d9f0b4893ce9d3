package tenant

import (
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// GraceWindow is how long a finished activation keeps attracting calls.
// Asynchronous work kicked off by a tenant's scripts routinely lands just
// after the activation window closes; this decaying hint catches it.
const GraceWindow = 6000 * time.Millisecond

// Resolver attributes an outgoing call to a tenant without true ambient
// context propagation. Resolution order, first match wins:
//
//  1. the currently active tenant (manual dynamic scope)
//  2. the last tenant, if it deactivated within GraceWindow
//  3. the static origin map built from tenant upstream + known origins
//
// The active/last mechanism is best-effort: two tenants activating on the
// same tick can misattribute each other's calls. That limitation is
// inherent to the heuristic and deliberately not papered over.
type Resolver struct {
	mu     sync.Mutex
	clock  clock.Clock
	grace  time.Duration
	active string
	last   string
	lastAt time.Time

	origins func() map[string]string
}

// NewResolver builds a resolver over an origin-map snapshot provider,
// typically Registry.OriginMap.
func NewResolver(origins func() map[string]string) *Resolver {
	return &Resolver{
		clock:   clock.New(),
		grace:   GraceWindow,
		origins: origins,
	}
}

// WithClock substitutes the wall clock, for tests.
func (r *Resolver) WithClock(c clock.Clock) *Resolver {
	r.clock = c
	return r
}

// Activate marks id as the tenant on whose behalf the current bounded
// operation runs. The returned restore func must be called when the
// operation finishes; it re-establishes the previous activation (depth-1
// save/restore) and records the grace-window hint.
func (r *Resolver) Activate(id string) (restore func()) {
	r.mu.Lock()
	prev := r.active
	r.active = id
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		r.last = id
		r.lastAt = r.clock.Now()
		r.active = prev
		r.mu.Unlock()
	}
}

// Resolve attributes rawURL to a tenant. ok is false when no heuristic
// matches; callers must fail closed rather than guess.
func (r *Resolver) Resolve(rawURL string) (id string, ok bool) {
	r.mu.Lock()
	if r.active != "" {
		id = r.active
		r.mu.Unlock()
		return id, true
	}
	if r.last != "" && r.clock.Since(r.lastAt) < r.grace {
		id = r.last
		r.mu.Unlock()
		return id, true
	}
	r.mu.Unlock()

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", false
	}
	origin, valid := normalizeOrigin(u.Scheme + "://" + u.Host)
	if !valid {
		return "", false
	}
	id, ok = r.origins()[origin]
	return id, ok
}
