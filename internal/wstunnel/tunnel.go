// Package wstunnel relays WebSocket connections from the compositor page
// to tenant upstreams. Overlay pages open sockets against our host, so
// upgrade requests are intercepted before the HTTP router and re-dialed
// against the owning tenant's origin with that tenant's cookies.
package wstunnel

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stagecast/overlayproxy/internal/cookies"
	"github.com/stagecast/overlayproxy/internal/infrastructure/logging"
	"github.com/stagecast/overlayproxy/internal/tenant"
)

// ControlHandler serves the control bus upgrade on its reserved path.
type ControlHandler interface {
	HandleWS(w http.ResponseWriter, r *http.Request)
}

// Config selects which upgrade paths the router claims.
type Config struct {
	ControlPath string
	TunnelPath  string
	Prefixes    []string
}

// Router dispatches WebSocket upgrades: the control path to the bus,
// known realtime prefixes to candidate tenants in order, the generic
// tunnel path to an explicit target, and everything else to a closed
// socket.
type Router struct {
	cfg     Config
	reg     *tenant.Registry
	jars    *cookies.Store
	control ControlHandler
	log     *logging.Logger
	metrics TunnelRecorder

	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

// TunnelRecorder tracks the active bridged-connection count.
// monitoring.Metrics satisfies it; a nil recorder disables recording.
type TunnelRecorder interface {
	IncTunnels()
	DecTunnels()
}

// NewRouter builds a Router over the tenant registry and cookie store.
func NewRouter(cfg Config, reg *tenant.Registry, jars *cookies.Store, control ControlHandler, log *logging.Logger) *Router {
	return &Router{
		cfg:     cfg,
		reg:     reg,
		jars:    jars,
		control: control,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// WithMetrics attaches a tunnel-count recorder.
func (rt *Router) WithMetrics(m TunnelRecorder) *Router {
	rt.metrics = m
	return rt
}

// Middleware wraps an HTTP handler, claiming WebSocket upgrades and
// passing everything else through.
func (rt *Router) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}
		rt.route(w, r)
	})
}

func (rt *Router) route(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == rt.cfg.ControlPath:
		rt.control.HandleWS(w, r)
	case rt.matchesPrefix(path):
		rt.handlePrefix(w, r)
	case path == rt.cfg.TunnelPath:
		rt.handleTunnel(w, r)
	default:
		destroySocket(w)
	}
}

func (rt *Router) matchesPrefix(path string) bool {
	for _, pfx := range rt.cfg.Prefixes {
		if strings.HasPrefix(path, pfx) {
			return true
		}
	}
	return false
}

// handlePrefix relays an upgrade on a realtime prefix. The overlay query
// parameter names the owning tenant; without it (or when that tenant's
// upstream refuses) the remaining tenants are tried in configuration
// order, because realtime client libraries often rebuild their URLs and
// lose the overlay hint.
func (rt *Router) handlePrefix(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	overlayID := query.Get("overlay")
	query.Del("overlay")

	suffix := r.URL.Path
	if enc := query.Encode(); enc != "" {
		suffix += "?" + enc
	}

	for _, t := range rt.candidates(overlayID) {
		target := wsScheme(t.UpstreamURL.Scheme) + "://" + t.UpstreamURL.Host + suffix
		if rt.relay(w, r, t, target) {
			return
		}
	}
	destroySocket(w)
}

// handleTunnel relays an upgrade to an explicit target URL. With an
// overlay parameter the tenant's cookies and page identity are attached;
// without one the target's own origin is presented.
func (rt *Router) handleTunnel(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	target := query.Get("target")
	if target == "" {
		destroySocket(w)
		return
	}
	tu, err := url.Parse(target)
	if err != nil || (tu.Scheme != "ws" && tu.Scheme != "wss") {
		destroySocket(w)
		return
	}

	if t, ok := rt.reg.Get(query.Get("overlay")); ok {
		if rt.relay(w, r, t, target) {
			return
		}
		destroySocket(w)
		return
	}

	origin := httpScheme(tu.Scheme) + "://" + tu.Host
	header := http.Header{}
	header.Set("Origin", origin)
	header.Set("Referer", origin+"/")
	if !rt.bridgeTo(w, r, target, header) {
		destroySocket(w)
	}
}

// relay dials target as tenant t and, on success, upgrades the client
// and bridges. Returns false when the upstream dial fails so the caller
// can try the next candidate.
func (rt *Router) relay(w http.ResponseWriter, r *http.Request, t *tenant.Tenant, target string) bool {
	header := http.Header{}
	header.Set("Origin", t.Origin())
	header.Set("Referer", t.UpstreamURL.String())

	if tu, err := url.Parse(target); err == nil {
		if cookie := rt.jars.Header(t.ID, tu); cookie != "" {
			header.Set("Cookie", cookie)
		}
	}
	return rt.bridgeTo(w, r, target, header)
}

func (rt *Router) bridgeTo(w http.ResponseWriter, r *http.Request, target string, header http.Header) bool {
	dialer := *rt.dialer
	if protos := websocket.Subprotocols(r); len(protos) > 0 {
		dialer.Subprotocols = protos
	}

	upstream, resp, err := dialer.Dial(target, header)
	if err != nil {
		rt.log.Debug("upstream ws dial failed",
			zap.String("target", target),
			zap.Error(err))
		return false
	}
	if resp != nil {
		resp.Body.Close()
	}

	respHeader := http.Header{}
	if proto := upstream.Subprotocol(); proto != "" {
		respHeader.Set("Sec-WebSocket-Protocol", proto)
	}

	client, err := rt.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		upstream.Close()
		return true // upgrade failed; nothing more to try
	}

	if rt.metrics != nil {
		rt.metrics.IncTunnels()
	}
	// Either pump exiting closes both conns, so the first one to return
	// marks the tunnel finished.
	var once sync.Once
	finish := func() {
		once.Do(func() {
			if rt.metrics != nil {
				rt.metrics.DecTunnels()
			}
		})
	}
	go pump(client, upstream, finish)
	go pump(upstream, client, finish)
	return true
}

// pump copies frames from src to dst until either side drops.
func pump(dst, src *websocket.Conn, finish func()) {
	defer finish()
	defer dst.Close()
	defer src.Close()
	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			return
		}
		if err := dst.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

// candidates orders tenants for a prefix dial: the hinted tenant first,
// then the rest in configuration order.
func (rt *Router) candidates(overlayID string) []*tenant.Tenant {
	all := rt.reg.All()
	out := make([]*tenant.Tenant, 0, len(all))
	if t, ok := rt.reg.Get(overlayID); ok {
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

// destroySocket drops the TCP connection without an HTTP response,
// mirroring how a server with no upgrade handler behaves.
func destroySocket(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	conn.Close()
}

func wsScheme(httpOrHTTPS string) string {
	if httpOrHTTPS == "https" {
		return "wss"
	}
	return "ws"
}

func httpScheme(wsOrWSS string) string {
	if wsOrWSS == "wss" {
		return "https"
	}
	return "http"
}
