package gateway

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stagecast/overlayproxy/internal/tenant"
	"github.com/stagecast/overlayproxy/internal/upstream"
)

const maxPassthroughBody = 8 << 20

// Generic relays any request that reached no other route to the inferred
// tenant's origin, same path and query. Overlay pages are written
// against their own origin, so server-relative calls (polling endpoints,
// API routes) land here and only tenant attribution decides where they
// go.
func (g *Gateway) Generic(c *gin.Context) {
	overlayID := g.inferOverlayID(c.Request)
	if overlayID == "" {
		g.log.Warn("request without overlay attribution",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("referer", c.GetHeader("Referer")))
		c.Header(HeaderProxyError, "overlay-missing")
		c.String(http.StatusBadRequest, "Overlay not resolved")
		return
	}
	t, ok := g.reg.Get(overlayID)
	if !ok {
		c.String(http.StatusNotFound, "Overlay not found")
		return
	}

	upstreamURL := t.Origin() + stripOverlayParam(c.Request.URL)
	asset, err := g.passthrough(c, t, upstreamURL)
	if err != nil {
		c.Header(HeaderProxyError, "generic")
		c.String(http.StatusBadGateway, err.Error())
		return
	}

	setUpstreamHeaders(c, upstreamURL, t.ID, asset.Status)
	c.Header("Cache-Control", orNoStore(asset.CacheControl))
	c.Data(asset.Status, orOctetStream(asset.ContentType), asset.Body)
}

// WSPrefixHTTP relays plain HTTP requests on realtime prefixes
// (socket.io long-polling and friends). Candidates are tried in order
// because polling transports rebuild their URLs and drop the overlay
// hint mid-session.
func (g *Gateway) WSPrefixHTTP(c *gin.Context) {
	suffix := stripOverlayParam(c.Request.URL)

	for _, t := range g.candidateTenants(c.Query("overlay")) {
		upstreamURL := t.Origin() + suffix
		asset, err := g.passthrough(c, t, upstreamURL)
		if err != nil {
			continue
		}

		setUpstreamHeaders(c, upstreamURL, t.ID, asset.Status)
		c.Header("Cache-Control", "no-store")
		c.Data(asset.Status, orOctetStream(asset.ContentType), asset.Body)
		return
	}
	c.String(http.StatusNotFound, "no overlay matched")
}

// AbsPrefix relays requests under well-known absolute asset prefixes
// (/assets/, /static/, ...) by trying each tenant's origin until one
// answers with something other than 404.
func (g *Gateway) AbsPrefix(c *gin.Context) {
	hint := g.refererBase(c.Request).overlayID
	pathWithQuery := c.Request.URL.RequestURI()

	for _, t := range g.candidateTenants(hint) {
		upstreamURL := t.Origin() + pathWithQuery
		asset, err := g.passthrough(c, t, upstreamURL)
		if err != nil || asset.Status == http.StatusNotFound {
			continue
		}

		setUpstreamHeaders(c, upstreamURL, t.ID, asset.Status)
		c.Header("Cache-Control", g.orDefaultCache(asset.CacheControl))
		c.Data(asset.Status, orOctetStream(asset.ContentType), asset.Body)
		return
	}
	c.String(http.StatusNotFound, "Not found on any overlay origin")
}

// BareFile resolves root-level asset requests (/widget.js) that carry no
// overlay hint at all. The referer's base page, when known, anchors the
// first candidate; every tenant's upstream URL is tried as a base after
// that. 404s move on to the next candidate, success is cached per tenant
// by the fetcher.
func (g *Gateway) BareFile(c *gin.Context) {
	base := g.refererBase(c.Request)
	// Resolved without the leading slash so the file is looked up beside
	// the base page, not at the origin root. Overlay pages live under
	// nested paths, so that is where their assets are.
	filename := strings.TrimPrefix(c.Request.URL.Path, "/")

	type candidate struct {
		overlayID string
		baseURL   string
	}
	var candidates []candidate
	if base.baseURL != "" {
		candidates = append(candidates, candidate{base.overlayID, base.baseURL})
	} else if t, ok := g.reg.Get(base.overlayID); ok {
		candidates = append(candidates, candidate{t.ID, t.UpstreamURL.String()})
	} else if id, ok := g.resolver.Resolve(""); ok {
		if t, ok := g.reg.Get(id); ok {
			candidates = append(candidates, candidate{t.ID, t.UpstreamURL.String()})
		}
	}
	for _, t := range g.reg.All() {
		dup := false
		for _, cand := range candidates {
			if cand.baseURL == t.UpstreamURL.String() {
				dup = true
				break
			}
		}
		if !dup {
			candidates = append(candidates, candidate{t.ID, t.UpstreamURL.String()})
		}
	}

	for _, cand := range candidates {
		baseURL, err := url.Parse(cand.baseURL)
		if err != nil {
			continue
		}
		ref, err := url.Parse(filename)
		if err != nil {
			continue
		}
		upstreamURL := baseURL.ResolveReference(ref).String()

		asset, err := g.fetch.FetchAsset(c.Request.Context(), cand.overlayID, upstreamURL, c.Request.Header)
		if err != nil || asset.Status == http.StatusNotFound {
			continue
		}

		c.Header(HeaderResolvedURL, upstreamURL)
		c.Header(HeaderOverlay, cand.overlayID)
		c.Header("Cache-Control", asset.CacheControl)
		if asset.ETag != "" {
			c.Header("ETag", asset.ETag)
		}
		c.Data(asset.Status, orOctetStream(asset.ContentType), asset.Body)
		return
	}
	c.String(http.StatusNotFound, "Not found on any overlay base")
}

func (g *Gateway) passthrough(c *gin.Context, t *tenant.Tenant, upstreamURL string) (upstream.Asset, error) {
	var body []byte
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		var err error
		body, err = io.ReadAll(io.LimitReader(c.Request.Body, maxPassthroughBody))
		if err != nil {
			return upstream.Asset{}, err
		}
	}

	return g.fetch.Passthrough(c.Request.Context(), t.ID, c.Request.Method, upstreamURL,
		spoofedHeader(c.Request.Header, t), body)
}

// orNoStore keeps the upstream's caching intent and only forbids caching
// when the upstream expressed none.
func orNoStore(cacheControl string) string {
	if cacheControl == "" {
		return "no-store"
	}
	return cacheControl
}

func orOctetStream(contentType string) string {
	if contentType == "" {
		return "application/octet-stream"
	}
	return contentType
}

func (g *Gateway) orDefaultCache(cacheControl string) string {
	if cacheControl == "" {
		return fmt.Sprintf("public, max-age=%d", g.cfg.CacheSeconds)
	}
	return cacheControl
}
