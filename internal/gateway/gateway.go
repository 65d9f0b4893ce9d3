// Package gateway implements the HTTP surface of the overlay proxy: the
// wrapped-URL proxy endpoint, overlay page delivery, ambiguous-request
// fallback routes, and the scripts served to the compositor page.
package gateway

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stagecast/overlayproxy/internal/infrastructure/logging"
	"github.com/stagecast/overlayproxy/internal/infrastructure/monitoring"
	"github.com/stagecast/overlayproxy/internal/rewrite"
	"github.com/stagecast/overlayproxy/internal/tenant"
	"github.com/stagecast/overlayproxy/internal/upstream"
)

// Diagnostic response headers. Every proxied response says which tenant
// served it and what upstream URL it resolved to, so misattribution is
// debuggable from the browser's network tab alone.
const (
	HeaderResolvedURL    = "X-Resolved-Url"
	HeaderUpstreamStatus = "X-Upstream-Status"
	HeaderOverlay        = "X-Overlay"
	HeaderProxyError     = "X-Proxy-Error"
	HeaderProxyWarn      = "X-Proxy-Warn"
)

// bareFilename matches root-level asset requests like /widget.js that
// lost every overlay hint.
var bareFilename = regexp.MustCompile(`(?i)^/[^/?#]+\.(?:js|mjs|css|map|json|png|jpg|jpeg|gif|webp|svg|woff2?|woff|ttf)$`)

// overlayPath extracts the tenant id from an /overlay/<id>... path.
var overlayPath = regexp.MustCompile(`/overlay/([^/?#]+)`)

// defaultAbsPrefixes are well-known absolute asset paths overlay pages
// request without any attribution hint.
var defaultAbsPrefixes = []string{"/cdn-cgi/", "/assets/", "/static/", "/build/", "/s/", "/dist/"}

// Config tunes the gateway.
type Config struct {
	CacheSeconds int
	UnwrapDepth  int
	ControlPath  string
	TunnelPath   string
	AbsPrefixes  []string
	Grace        time.Duration
}

// Gateway holds the handlers' shared collaborators.
type Gateway struct {
	cfg      Config
	reg      *tenant.Registry
	fetch    *upstream.Fetcher
	resolver *tenant.Resolver
	metrics  *monitoring.Metrics
	log      *logging.Logger
}

// New assembles a Gateway.
func New(cfg Config, reg *tenant.Registry, fetch *upstream.Fetcher, resolver *tenant.Resolver, metrics *monitoring.Metrics, log *logging.Logger) *Gateway {
	if cfg.UnwrapDepth <= 0 {
		cfg.UnwrapDepth = rewrite.DefaultUnwrapDepth
	}
	if len(cfg.AbsPrefixes) == 0 {
		cfg.AbsPrefixes = defaultAbsPrefixes
	}
	return &Gateway{
		cfg:      cfg,
		reg:      reg,
		fetch:    fetch,
		resolver: resolver,
		metrics:  metrics,
		log:      log,
	}
}

// BareFilePattern reports whether path looks like a root-level asset
// request that should go through candidate resolution.
func (g *Gateway) BareFilePattern(path string) bool {
	return bareFilename.MatchString(path)
}

// AbsPrefixes returns the absolute asset prefixes the AbsPrefix handler
// should be mounted on.
func (g *Gateway) AbsPrefixes() []string {
	return g.cfg.AbsPrefixes
}

// inferOverlayID attributes a request to a tenant: the explicit overlay
// query parameter wins, then the Referer (a wrapped /proxy URL or an
// /overlay/<id> page), then the configured default.
func (g *Gateway) inferOverlayID(r *http.Request) string {
	if id := r.URL.Query().Get("overlay"); id != "" {
		return id
	}
	if base := g.refererBase(r); base.overlayID != "" {
		return base.overlayID
	}
	return g.reg.DefaultID()
}

// refererBase recovers tenant attribution from the Referer header. A
// referer of /proxy?overlay=x&url=y names both the tenant and the page
// the request is relative to; an /overlay/<id> referer names a
// configured tenant whose upstream URL is the base.
type refererBase struct {
	overlayID string
	baseURL   string
}

func (g *Gateway) refererBase(r *http.Request) refererBase {
	ref := r.Header.Get("Referer")
	if ref == "" {
		return refererBase{}
	}
	ru, err := url.Parse(ref)
	if err != nil {
		return refererBase{}
	}

	if ru.Path == "/proxy" {
		q := ru.Query()
		return refererBase{overlayID: q.Get("overlay"), baseURL: q.Get("url")}
	}
	if m := overlayPath.FindStringSubmatch(ru.Path); m != nil {
		if t, ok := g.reg.Get(m[1]); ok {
			return refererBase{overlayID: t.ID, baseURL: t.UpstreamURL.String()}
		}
	}
	return refererBase{}
}

// spoofedHeader clones the inbound headers with the request identity
// replaced by the tenant's own, so upstream origin checks pass.
func spoofedHeader(inbound http.Header, t *tenant.Tenant) http.Header {
	h := inbound.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Del("Host")
	h.Del("Cookie")
	h.Set("Origin", t.Origin())
	h.Set("Referer", t.UpstreamURL.String())
	return h
}

// candidateTenants orders tenants for trial resolution: the hinted
// tenant first, then the rest in configuration order. Without a hint the
// resolver's recently-served tenant, when one exists, takes its place, so
// asset requests that follow an overlay page render try that tenant
// first.
func (g *Gateway) candidateTenants(hintID string) []*tenant.Tenant {
	if hintID == "" {
		if id, ok := g.resolver.Resolve(""); ok {
			hintID = id
		}
	}
	all := g.reg.All()
	out := make([]*tenant.Tenant, 0, len(all))
	if t, ok := g.reg.Get(hintID); ok {
		out = append(out, t)
	}
	for _, t := range all {
		if len(out) > 0 && t == out[0] {
			continue
		}
		out = append(out, t)
	}
	return out
}

// stripOverlayParam removes the overlay parameter from a request URL,
// returning path plus remaining query.
func stripOverlayParam(u *url.URL) string {
	q := u.Query()
	q.Del("overlay")
	if enc := q.Encode(); enc != "" {
		return u.Path + "?" + enc
	}
	return u.Path
}

func setUpstreamHeaders(c *gin.Context, resolvedURL, overlayID string, status int) {
	c.Header(HeaderResolvedURL, resolvedURL)
	c.Header(HeaderUpstreamStatus, strconv.Itoa(status))
	c.Header(HeaderOverlay, overlayID)
}
