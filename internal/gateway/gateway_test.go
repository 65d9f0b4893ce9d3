package gateway

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagecast/overlayproxy/internal/cookies"
	"github.com/stagecast/overlayproxy/internal/infrastructure/logging"
	"github.com/stagecast/overlayproxy/internal/infrastructure/monitoring"
	"github.com/stagecast/overlayproxy/internal/tenant"
	"github.com/stagecast/overlayproxy/internal/upstream"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// promauto registers against the default registry, so one collector set
// serves every test in the package.
var testMetrics = monitoring.NewMetrics()

type fixture struct {
	gw       *Gateway
	reg      *tenant.Registry
	upstream *httptest.Server
}

func newFixture(t *testing.T, defaultOverlay string) *fixture {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/widget", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head><link rel="stylesheet" href="/main.css"></head><body><img src="/logo.png">streamelements widget</body></html>`))
	})
	mux.HandleFunc("/board", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head></head><body>blerps board</body></html>`))
	})
	mux.HandleFunc("/main.css", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		w.Write([]byte(`html{color:red}.a{background:url('/bg.png')}`))
	})
	mux.HandleFunc("/widget.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Write([]byte(`console.log("widget")`))
	})
	mux.HandleFunc("/styles/nested.css", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		w.Write([]byte(`.b{background:url(img.png)}`))
	})
	mux.HandleFunc("/nested/widget.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Write([]byte(`console.log("nested")`))
	})
	mux.HandleFunc("/api/cached", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "private, max-age=30")
		w.Write([]byte(`{"cached":true}`))
	})
	mux.HandleFunc("/api/poll", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"events":[]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	reg, err := tenant.New(tenant.FileConfig{
		DefaultOverlay: defaultOverlay,
		Overlays: []tenant.TenantConfig{
			{ID: "streamelements", URL: srv.URL + "/widget"},
			{ID: "blerps", URL: srv.URL + "/board", Isolation: "light"},
		},
	})
	require.NoError(t, err)

	fetch := upstream.New(cookies.NewStore(), upstream.Config{
		CacheTTL:     time.Minute,
		CacheEntries: 64,
	}, logging.NewNop())

	gw := New(Config{
		CacheSeconds: 60,
		ControlPath:  "/_control",
		TunnelPath:   "/__ws",
		AbsPrefixes:  []string{"/assets/", "/static/"},
		Grace:        6 * time.Second,
	}, reg, fetch, tenant.NewResolver(reg.OriginMap), testMetrics, logging.NewNop())

	return &fixture{gw: gw, reg: reg, upstream: srv}
}

func (f *fixture) router() *gin.Engine {
	r := gin.New()
	r.GET("/proxy", f.gw.Proxy)
	r.GET("/overlay/:id", f.gw.Overlay)
	r.GET("/overlay/:id/fragment", f.gw.OverlayFragment)
	r.GET("/overlay/:id/full", f.gw.OverlayFull)
	r.GET("/config.json", f.gw.ConfigJSON)
	r.GET("/config.js", f.gw.ConfigJS)
	r.GET("/runtime-shims.js", f.gw.RuntimeShims)
	r.GET("/__worker-bootstrap", f.gw.WorkerBootstrap)
	r.NoRoute(func(c *gin.Context) {
		if f.gw.BareFilePattern(c.Request.URL.Path) {
			f.gw.BareFile(c)
			return
		}
		f.gw.Generic(c)
	})
	return r
}

func get(r http.Handler, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestInferOverlayIDPriority(t *testing.T) {
	f := newFixture(t, "streamelements")

	// Explicit query parameter wins over referer and default.
	req := httptest.NewRequest(http.MethodGet, "/proxy?overlay=blerps&url=x", nil)
	req.Header.Set("Referer", "http://proxy.local/overlay/streamelements")
	assert.Equal(t, "blerps", f.gw.inferOverlayID(req))

	// Referer wins over default.
	req = httptest.NewRequest(http.MethodGet, "/logo.png", nil)
	req.Header.Set("Referer", "http://proxy.local/overlay/blerps")
	assert.Equal(t, "blerps", f.gw.inferOverlayID(req))

	// Wrapped-proxy referer carries attribution too.
	req = httptest.NewRequest(http.MethodGet, "/logo.png", nil)
	req.Header.Set("Referer", "http://proxy.local/proxy?overlay=blerps&url=http%3A%2F%2Fx")
	assert.Equal(t, "blerps", f.gw.inferOverlayID(req))

	// Nothing else: default.
	req = httptest.NewRequest(http.MethodGet, "/logo.png", nil)
	assert.Equal(t, "streamelements", f.gw.inferOverlayID(req))
}

func TestProxyMissingURL(t *testing.T) {
	f := newFixture(t, "")
	w := get(f.router(), "/proxy", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Missing url", w.Body.String())
}

func TestProxyOverlayMissing(t *testing.T) {
	f := newFixture(t, "") // no default, no referer
	w := get(f.router(), "/proxy?url=http%3A%2F%2Fx.example%2Fa.png", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "overlay-missing", w.Header().Get(HeaderProxyError))
}

func TestProxyUnknownOverlay(t *testing.T) {
	f := newFixture(t, "")
	w := get(f.router(), "/proxy?overlay=ghost&url=http%3A%2F%2Fx.example%2Fa.png", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProxyServesAsset(t *testing.T) {
	f := newFixture(t, "")
	target := "/proxy?overlay=streamelements&url=" + url.QueryEscape(f.upstream.URL+"/widget.js")
	w := get(f.router(), target, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "console.log")
	assert.Equal(t, f.upstream.URL+"/widget.js", w.Header().Get(HeaderResolvedURL))
	assert.Equal(t, "200", w.Header().Get(HeaderUpstreamStatus))
	assert.Equal(t, "streamelements", w.Header().Get(HeaderOverlay))
}

func TestProxyRewritesAndScopesCSS(t *testing.T) {
	f := newFixture(t, "")
	target := "/proxy?overlay=blerps&scope=" + url.QueryEscape(`[data-ov="blerps"]`) +
		"&url=" + url.QueryEscape(f.upstream.URL+"/main.css")
	w := get(f.router(), target, nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `:where([data-ov="blerps"]){color:red}`)
	assert.Contains(t, body, "overlay=blerps")
	assert.Contains(t, body, url.QueryEscape(f.upstream.URL+"/bg.png"))
	assert.Equal(t, "text/css; charset=utf-8", w.Header().Get("Content-Type"))
}

func TestProxyCSSRelativeToStylesheetURL(t *testing.T) {
	f := newFixture(t, "")
	target := "/proxy?overlay=streamelements&url=" + url.QueryEscape(f.upstream.URL+"/styles/nested.css")
	w := get(f.router(), target, nil)

	require.Equal(t, http.StatusOK, w.Code)
	// Relative references resolve against the stylesheet's directory,
	// not the tenant's page URL.
	assert.Contains(t, w.Body.String(), url.QueryEscape(f.upstream.URL+"/styles/img.png"))
	assert.NotContains(t, w.Body.String(), url.QueryEscape(f.upstream.URL+"/img.png"))
}

func TestProxyUnwrapsNestedURL(t *testing.T) {
	f := newFixture(t, "")
	inner := f.upstream.URL + "/widget.js"
	wrapped := "/proxy?overlay=streamelements&url=" + url.QueryEscape(inner)
	doubly := "/proxy?overlay=streamelements&url=" + url.QueryEscape("http://proxy.local"+wrapped)

	w := get(f.router(), doubly, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, inner, w.Header().Get(HeaderResolvedURL))
}

func TestOverlayServesRewrittenPage(t *testing.T) {
	f := newFixture(t, "")
	w := get(f.router(), "/overlay/streamelements", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "streamelements widget")
	assert.Contains(t, body, "/proxy?overlay=streamelements")
	assert.Contains(t, body, "background: transparent !important;")
	assert.Equal(t, "streamelements", w.Header().Get(HeaderOverlay))
}

func TestOverlayNotFound(t *testing.T) {
	f := newFixture(t, "")
	w := get(f.router(), "/overlay/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOverlayFragmentReturnsBodyInner(t *testing.T) {
	f := newFixture(t, "")
	w := get(f.router(), "/overlay/blerps/fragment", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "blerps board")
	assert.NotContains(t, body, "<body")
	assert.NotContains(t, body, "<head")
}

func TestOverlayFullErrorAnswers200Diagnostic(t *testing.T) {
	f := newFixture(t, "")

	// A tenant whose upstream is unreachable.
	reg, err := tenant.New(tenant.FileConfig{
		Overlays: []tenant.TenantConfig{
			{ID: "dead", URL: "http://127.0.0.1:1/nope", Isolation: "light"},
		},
	})
	require.NoError(t, err)
	f.gw.reg = reg

	w := get(f.router(), "/overlay/dead/full", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Overlay rewrite failed")
	assert.Contains(t, w.Header().Get(HeaderProxyError), "overlay-full:")
}

func TestBareFileTriesCandidates(t *testing.T) {
	f := newFixture(t, "")
	w := get(f.router(), "/widget.js", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "console.log")
	assert.NotEmpty(t, w.Header().Get(HeaderOverlay))
}

func TestBareFileResolvesBesideBasePage(t *testing.T) {
	f := newFixture(t, "")
	reg, err := tenant.New(tenant.FileConfig{
		Overlays: []tenant.TenantConfig{
			{ID: "nested", URL: f.upstream.URL + "/nested/page.html"},
		},
	})
	require.NoError(t, err)
	f.gw.reg = reg

	hdr := http.Header{}
	hdr.Set("Referer", "http://proxy.local/overlay/nested")
	w := get(f.router(), "/widget.js", hdr)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "nested")
	assert.Equal(t, f.upstream.URL+"/nested/widget.js", w.Header().Get(HeaderResolvedURL))
}

func TestCandidateOrderFollowsRecentActivation(t *testing.T) {
	f := newFixture(t, "")

	restore := f.gw.resolver.Activate("blerps")
	restore()

	cands := f.gw.candidateTenants("")
	require.NotEmpty(t, cands)
	assert.Equal(t, "blerps", cands[0].ID)

	// An explicit hint still wins.
	cands = f.gw.candidateTenants("streamelements")
	assert.Equal(t, "streamelements", cands[0].ID)
}

func TestBareFileUsesRecentActivationWithoutReferer(t *testing.T) {
	f := newFixture(t, "")

	restore := f.gw.resolver.Activate("blerps")
	restore()

	w := get(f.router(), "/widget.js", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "blerps", w.Header().Get(HeaderOverlay))
}

func TestGenericPassthrough(t *testing.T) {
	f := newFixture(t, "streamelements")
	w := get(f.router(), "/api/poll?since=0", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "events")
	assert.Equal(t, "streamelements", w.Header().Get(HeaderOverlay))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestGenericKeepsUpstreamCacheControl(t *testing.T) {
	f := newFixture(t, "streamelements")
	w := get(f.router(), "/api/cached", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "private, max-age=30", w.Header().Get("Cache-Control"))
}

func TestAbsPrefixesConfigurable(t *testing.T) {
	f := newFixture(t, "")
	assert.Equal(t, []string{"/assets/", "/static/"}, f.gw.AbsPrefixes())

	gw := New(Config{}, f.reg, nil, tenant.NewResolver(f.reg.OriginMap), testMetrics, logging.NewNop())
	assert.Contains(t, gw.AbsPrefixes(), "/cdn-cgi/")
	assert.Contains(t, gw.AbsPrefixes(), "/assets/")
}

func TestGenericWithoutAttributionFails(t *testing.T) {
	f := newFixture(t, "")
	w := get(f.router(), "/api/poll", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "overlay-missing", w.Header().Get(HeaderProxyError))
}

func TestConfigEndpoints(t *testing.T) {
	f := newFixture(t, "streamelements")
	r := f.router()

	w := get(r, "/config.json", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"defaultOverlay":"streamelements"`)
	assert.Contains(t, w.Body.String(), `"isolation":"light"`)

	w = get(r, "/config.js", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Body.String(), "export default {"))
	assert.True(t, strings.HasSuffix(w.Body.String(), ";"))
}

func TestRuntimeShimsServed(t *testing.T) {
	f := newFixture(t, "streamelements")
	w := get(f.router(), "/runtime-shims.js", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "pickOverlayIdFor")
	assert.Contains(t, body, `"/_control"`)
	u, _ := url.Parse(f.upstream.URL)
	assert.Contains(t, body, "http://"+u.Host)
}

func TestWorkerBootstrapEndpoint(t *testing.T) {
	f := newFixture(t, "")
	target := "/__worker-bootstrap?overlay=blerps&url=" + url.QueryEscape(f.upstream.URL+"/widget.js")
	w := get(f.router(), target, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `self.__ovFixedOverlay = "blerps";`)
	assert.Contains(t, w.Body.String(), "importScripts(")

	w = get(f.router(), "/__worker-bootstrap?overlay=ghost&url=http%3A%2F%2Fx", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
