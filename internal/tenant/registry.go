package tenant

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"sync"

	"github.com/goccy/go-yaml"
)

// Isolation selects how a tenant's markup is mounted by the compositor.
type Isolation string

const (
	IsolationShadow Isolation = "shadow"
	IsolationLight  Isolation = "light"
	IsolationIframe Isolation = "iframe"
)

// Tenant is one independently-sourced overlay page. ID and UpstreamURL are
// immutable after construction; known origins grow via discovery.
type Tenant struct {
	ID          string
	UpstreamURL *url.URL
	Isolation   Isolation

	origins map[string]struct{}
}

// Origin returns the canonical upstream origin (scheme://host).
func (t *Tenant) Origin() string {
	return t.UpstreamURL.Scheme + "://" + t.UpstreamURL.Host
}

// FileConfig mirrors the tenants file schema.
type FileConfig struct {
	DefaultOverlay string         `yaml:"defaultOverlay"`
	Overlays       []TenantConfig `yaml:"overlays"`
}

// TenantConfig is one overlay entry in the tenants file.
type TenantConfig struct {
	ID        string   `yaml:"id"`
	URL       string   `yaml:"url"`
	Origins   []string `yaml:"origins"`
	Isolation string   `yaml:"isolation"`
}

// Registry is the static tenant table. Tenants are loaded once at startup;
// only the known-origin sets mutate afterwards (append-only).
type Registry struct {
	mu        sync.RWMutex
	order     []*Tenant
	byID      map[string]*Tenant
	defaultID string
}

// LoadFile reads the tenants file (YAML or JSON) and builds a Registry.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenants file: %w", err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse tenants file: %w", err)
	}
	return New(fc)
}

// New builds a Registry from decoded configuration.
func New(fc FileConfig) (*Registry, error) {
	r := &Registry{byID: make(map[string]*Tenant), defaultID: fc.DefaultOverlay}

	for _, tc := range fc.Overlays {
		if tc.ID == "" {
			return nil, fmt.Errorf("tenant with empty id")
		}
		if _, dup := r.byID[tc.ID]; dup {
			return nil, fmt.Errorf("duplicate tenant id %q", tc.ID)
		}
		u, err := url.Parse(tc.URL)
		if err != nil || !u.IsAbs() {
			return nil, fmt.Errorf("tenant %q: invalid upstream url %q", tc.ID, tc.URL)
		}

		iso := Isolation(tc.Isolation)
		switch iso {
		case IsolationShadow, IsolationLight, IsolationIframe:
		case "":
			iso = IsolationShadow
		default:
			return nil, fmt.Errorf("tenant %q: unknown isolation %q", tc.ID, tc.Isolation)
		}

		t := &Tenant{
			ID:          tc.ID,
			UpstreamURL: u,
			Isolation:   iso,
			origins:     make(map[string]struct{}),
		}
		for _, o := range tc.Origins {
			if origin, ok := normalizeOrigin(o); ok {
				t.origins[origin] = struct{}{}
			}
		}

		r.order = append(r.order, t)
		r.byID[t.ID] = t
	}

	if r.defaultID != "" {
		if _, ok := r.byID[r.defaultID]; !ok {
			return nil, fmt.Errorf("default overlay %q not configured", r.defaultID)
		}
	}
	return r, nil
}

// Get returns the tenant with the given id.
func (r *Registry) Get(id string) (*Tenant, bool) {
	t, ok := r.byID[id]
	return t, ok
}

// All returns tenants in configuration order.
func (r *Registry) All() []*Tenant {
	return r.order
}

// DefaultID returns the configured default tenant id, or "".
func (r *Registry) DefaultID() string {
	return r.defaultID
}

// AddOrigins merges discovered origins into a tenant's known-origin set.
// The tenant's own canonical origin is never recorded. Safe to call
// repeatedly; returns how many origins were new.
func (r *Registry) AddOrigins(id string, origins ...string) int {
	t, ok := r.byID[id]
	if !ok {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	canonical := t.Origin()
	added := 0
	for _, o := range origins {
		origin, ok := normalizeOrigin(o)
		if !ok || origin == canonical {
			continue
		}
		if _, seen := t.origins[origin]; !seen {
			t.origins[origin] = struct{}{}
			added++
		}
	}
	return added
}

// KnownOrigins returns a sorted snapshot of a tenant's extra origins.
func (r *Registry) KnownOrigins(id string) []string {
	t, ok := r.byID[id]
	if !ok {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(t.origins))
	for o := range t.origins {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

// OriginMap returns origin -> tenant id for every canonical and known
// origin. Earlier-configured tenants win when two claim the same origin.
func (r *Registry) OriginMap() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m := make(map[string]string)
	for _, t := range r.order {
		if _, taken := m[t.Origin()]; !taken {
			m[t.Origin()] = t.ID
		}
		for o := range t.origins {
			if _, taken := m[o]; !taken {
				m[o] = t.ID
			}
		}
	}
	return m
}

// normalizeOrigin reduces a URL to scheme://host. WebSocket schemes map to
// their HTTP equivalents so ws and http references coalesce.
func normalizeOrigin(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	scheme := u.Scheme
	switch scheme {
	case "ws":
		scheme = "http"
	case "wss":
		scheme = "https"
	case "http", "https":
	default:
		return "", false
	}
	return scheme + "://" + u.Host, true
}
