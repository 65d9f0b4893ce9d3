package gateway

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gin-gonic/gin"
	"github.com/microcosm-cc/bluemonday"

	"github.com/stagecast/overlayproxy/internal/rewrite"
	"github.com/stagecast/overlayproxy/internal/tenant"
)

var errorText = bluemonday.StrictPolicy()

// fetchAndRewrite pulls a tenant's page and rewrites it for delivery.
// The tenant is activated in the resolver for the duration so that
// follow-up requests racing in during the fetch attribute correctly.
func (g *Gateway) fetchAndRewrite(c *gin.Context, t *tenant.Tenant, scopeSelector string) (int, string, error) {
	restore := g.resolver.Activate(t.ID)
	defer restore()

	page, err := g.fetch.FetchPage(c.Request.Context(), t.ID, t.UpstreamURL.String(), c.Request.Header)
	if err != nil {
		return 0, "", err
	}

	start := time.Now()
	html, err := rewrite.HTML(page.Text, rewrite.HTMLOptions{
		Origin:        t.UpstreamURL,
		TenantID:      t.ID,
		ScopeSelector: scopeSelector,
		UnwrapDepth:   g.cfg.UnwrapDepth,
	})
	if err != nil {
		return 0, "", err
	}
	g.metrics.RecordPageRewrite(t.ID, time.Since(start))

	return page.Status, html, nil
}

// Overlay serves a tenant's page, rewritten but unscoped.
func (g *Gateway) Overlay(c *gin.Context) {
	t, ok := g.reg.Get(c.Param("id"))
	if !ok {
		c.String(http.StatusNotFound, "Overlay not found")
		return
	}

	status, html, err := g.fetchAndRewrite(c, t, "")
	if err != nil {
		c.Header(HeaderProxyError, "overlay")
		c.Header(HeaderResolvedURL, t.UpstreamURL.String())
		c.Header(HeaderOverlay, t.ID)
		c.String(http.StatusBadGateway, err.Error())
		return
	}

	setUpstreamHeaders(c, t.UpstreamURL.String(), t.ID, status)
	c.Data(status, "text/html; charset=utf-8", []byte(html))
}

// OverlayFragment serves only the page's body content, for compositors
// that graft the overlay into an existing document.
func (g *Gateway) OverlayFragment(c *gin.Context) {
	t, ok := g.reg.Get(c.Param("id"))
	if !ok {
		c.String(http.StatusNotFound, "Overlay not found")
		return
	}

	status, html, err := g.fetchAndRewrite(c, t, "")
	if err != nil {
		c.Header(HeaderProxyError, "overlay-fragment")
		c.Header(HeaderResolvedURL, t.UpstreamURL.String())
		c.Header(HeaderOverlay, t.ID)
		c.String(http.StatusBadGateway, err.Error())
		return
	}

	setUpstreamHeaders(c, t.UpstreamURL.String(), t.ID, status)
	c.Data(status, "text/html; charset=utf-8", []byte(bodyInnerHTML(html)))
}

// OverlayFull serves the tenant's page prepared for direct mounting,
// scoped when the tenant runs in light isolation. Failures answer 200
// with a diagnostic page: a broadcast scene must keep rendering, so the
// error shows up in the canvas and the response headers instead of
// breaking the composition.
func (g *Gateway) OverlayFull(c *gin.Context) {
	t, ok := g.reg.Get(c.Param("id"))
	if !ok {
		c.String(http.StatusNotFound, "Overlay not found")
		return
	}

	scopeSelector := ""
	if t.Isolation == tenant.IsolationLight {
		scopeSelector = fmt.Sprintf("[data-ov=%q]", t.ID)
	}

	status, html, err := g.fetchAndRewrite(c, t, scopeSelector)
	if err != nil {
		msg := errorText.Sanitize(err.Error())
		c.Header(HeaderProxyError, "overlay-full:"+msg)
		c.Header(HeaderResolvedURL, t.UpstreamURL.String())
		c.Header(HeaderOverlay, t.ID)
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(
			`<!doctype html><meta charset="utf-8"><body style="color:#f55;background:#111;font:14px/1.4 monospace;padding:12px">`+
				`Overlay rewrite failed. Check console/network headers.<br>`+msg+`</body>`))
		return
	}

	setUpstreamHeaders(c, t.UpstreamURL.String(), t.ID, status)
	c.Data(status, "text/html; charset=utf-8", []byte(html))
}

// bodyInnerHTML extracts the inner HTML of the body element, falling
// back to the whole document when there is no parseable body.
func bodyInnerHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	inner, err := doc.Find("body").Html()
	if err != nil || inner == "" {
		return html
	}
	return inner
}
