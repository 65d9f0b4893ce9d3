package gateway

import (
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"

	"github.com/stagecast/overlayproxy/internal/rewrite"
	"github.com/stagecast/overlayproxy/internal/shim"
)

// publicConfig is the tenant table as exposed to the compositor page.
type publicConfig struct {
	DefaultOverlay string          `json:"defaultOverlay,omitempty"`
	CacheSeconds   int             `json:"cacheSeconds"`
	Overlays       []publicOverlay `json:"overlays"`
}

type publicOverlay struct {
	ID        string   `json:"id"`
	URL       string   `json:"url"`
	Isolation string   `json:"isolation"`
	Origins   []string `json:"origins,omitempty"`
}

func (g *Gateway) currentConfig() publicConfig {
	cfg := publicConfig{
		DefaultOverlay: g.reg.DefaultID(),
		CacheSeconds:   g.cfg.CacheSeconds,
	}
	for _, t := range g.reg.All() {
		cfg.Overlays = append(cfg.Overlays, publicOverlay{
			ID:        t.ID,
			URL:       t.UpstreamURL.String(),
			Isolation: string(t.Isolation),
			Origins:   g.reg.KnownOrigins(t.ID),
		})
	}
	return cfg
}

// ConfigJSON serves the tenant table as JSON.
func (g *Gateway) ConfigJSON(c *gin.Context) {
	body, err := sonic.Marshal(g.currentConfig())
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}

// ConfigJS serves the tenant table as an ES module, so the compositor
// can import it without a fetch round-trip.
func (g *Gateway) ConfigJS(c *gin.Context) {
	body, err := sonic.Marshal(g.currentConfig())
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "application/javascript; charset=utf-8",
		append(append([]byte("export default "), body...), ';'))
}

// RuntimeShims serves the network-interception script for the compositor
// page. Rendered per request: the origin map grows as discovery runs.
func (g *Gateway) RuntimeShims(c *gin.Context) {
	js, err := shim.Runtime(shim.RuntimeOptions{
		OriginMap:      g.reg.OriginMap(),
		DefaultOverlay: g.reg.DefaultID(),
		ControlPath:    g.cfg.ControlPath,
		TunnelPath:     g.cfg.TunnelPath,
		Grace:          g.cfg.Grace,
	})
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "application/javascript; charset=utf-8", []byte(js))
}

// WorkerBootstrap serves the pinned-context script a shimmed worker
// boots from: /__worker-bootstrap?overlay=<id>&url=<script>[&type=module].
func (g *Gateway) WorkerBootstrap(c *gin.Context) {
	t, ok := g.reg.Get(c.Query("overlay"))
	if !ok {
		c.String(http.StatusNotFound, "Overlay not found")
		return
	}
	raw := c.Query("url")
	if raw == "" {
		c.String(http.StatusBadRequest, "Missing url")
		return
	}

	js, err := shim.WorkerBootstrap(shim.BootstrapOptions{
		TenantID:   t.ID,
		ScriptURL:  rewrite.UnwrapDepth(raw, g.cfg.UnwrapDepth),
		Module:     c.Query("type") == "module",
		TunnelPath: g.cfg.TunnelPath,
	})
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "application/javascript; charset=utf-8", []byte(js))
}
