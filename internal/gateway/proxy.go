package gateway

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stagecast/overlayproxy/internal/rewrite"
)

// Proxy serves /proxy?overlay=<id>&url=<encoded>[&scope=<selector>], the
// endpoint every rewritten reference points at. The url parameter is
// unwrapped before fetching so re-proxied references never stack.
// Stylesheets get their url() references rewritten and, when a scope
// selector rides along, confined to the tenant's subtree.
func (g *Gateway) Proxy(c *gin.Context) {
	raw := c.Query("url")
	if raw == "" {
		c.String(http.StatusBadRequest, "Missing url")
		return
	}

	overlayID := g.inferOverlayID(c.Request)
	if overlayID == "" {
		g.log.Warn("proxy request without overlay attribution",
			zap.String("url", raw),
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

	resolved := rewrite.UnwrapDepth(raw, g.cfg.UnwrapDepth)

	asset, err := g.fetch.FetchAsset(c.Request.Context(), t.ID, resolved, spoofedHeader(c.Request.Header, t))
	if err != nil {
		c.Header(HeaderProxyError, "proxy-route")
		c.String(http.StatusBadGateway, err.Error())
		return
	}

	body := asset.Body
	contentType := asset.ContentType

	if strings.HasPrefix(strings.ToLower(contentType), "text/css") {
		start := time.Now()
		// Relative url() references resolve against the stylesheet's own
		// URL, not the tenant's page.
		origin := t.UpstreamURL
		if u, err := url.Parse(resolved); err == nil && u.Host != "" {
			origin = u
		}
		rewritten := rewrite.CSSDepth(string(asset.Body), origin, t.ID, g.cfg.UnwrapDepth)
		if scope := c.Query("scope"); scope != "" {
			scoped, err := rewrite.Scope(rewritten, scope)
			if err != nil {
				// Degrade to rewritten-but-unscoped CSS; the overlay
				// still renders, just without style confinement.
				c.Header(HeaderProxyWarn, "css-scope-failed: "+err.Error())
				g.metrics.RecordScopeFailure(t.ID)
			} else {
				rewritten = scoped
			}
		}
		body = []byte(rewritten)
		contentType = "text/css; charset=utf-8"
		g.metrics.RewriteDuration.WithLabelValues("css").Observe(time.Since(start).Seconds())
	}

	setUpstreamHeaders(c, resolved, t.ID, asset.Status)
	c.Header("Cache-Control", asset.CacheControl)
	if asset.ETag != "" {
		c.Header("ETag", asset.ETag)
	}
	c.Data(asset.Status, contentType, body)
}
