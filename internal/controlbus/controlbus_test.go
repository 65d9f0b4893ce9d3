package controlbus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagecast/overlayproxy/internal/infrastructure/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newBusServer(t *testing.T, token string) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(token, logging.NewNop())

	r := gin.New()
	r.GET("/_control", func(c *gin.Context) { hub.HandleWS(c.Writer, c.Request) })
	r.POST("/api/control", hub.ControlHandler)
	r.GET("/api/health", hub.HealthHandler)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return hub, srv
}

func wsURL(httpURL, path string) string {
	return strings.Replace(httpURL, "http://", "ws://", 1) + path
}

func TestControlRequiresBearerToken(t *testing.T) {
	_, srv := newBusServer(t, "secret")

	resp, err := http.Post(srv.URL+"/api/control", "application/json",
		strings.NewReader(`{"type":"reload","id":"ov1"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/control",
		strings.NewReader(`{"type":"reload","id":"ov1"}`))
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestControlRejectsMissingType(t *testing.T) {
	_, srv := newBusServer(t, "secret")

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/control",
		strings.NewReader(`{"id":"ov1"}`))
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestControlBroadcastReachesClients(t *testing.T) {
	hub, srv := newBusServer(t, "secret")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/_control"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/control",
		strings.NewReader(`{"type":"visibility","id":"ov1","visible":false}`))
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"visibility"`)
	assert.Contains(t, string(data), `"id":"ov1"`)
}

type gaugeRecorder struct {
	mu   sync.Mutex
	last int
}

func (g *gaugeRecorder) SetControlClients(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = n
}

func (g *gaugeRecorder) current() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

func TestHubReportsClientGauge(t *testing.T) {
	rec := &gaugeRecorder{last: -1}
	hub := NewHub("secret", logging.NewNop()).WithMetrics(rec)

	r := gin.New()
	r.GET("/_control", func(c *gin.Context) { hub.HandleWS(c.Writer, c.Request) })
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/_control"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.current() == 1 },
		time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return rec.current() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestHubGeneratesTokenWhenEmpty(t *testing.T) {
	hub := NewHub("", logging.NewNop())
	assert.NotEmpty(t, hub.Token())
}

type recordingRegistry struct {
	mu       sync.Mutex
	reloads  []string
	visibles map[string]bool
}

func (r *recordingRegistry) Reload(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reloads = append(r.reloads, id)
}

func (r *recordingRegistry) SetVisible(id string, v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.visibles == nil {
		r.visibles = make(map[string]bool)
	}
	r.visibles[id] = v
}

func (r *recordingRegistry) reloaded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reloads...)
}

func TestClientDispatchesMessages(t *testing.T) {
	hub, srv := newBusServer(t, "secret")

	reg := &recordingRegistry{}
	client := NewClient(wsURL(srv.URL, "/_control"), reg, logging.NewNop())
	client.Start()
	defer client.Stop()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	hub.Broadcast(Message{Type: "reload", ID: "ov1"})
	require.Eventually(t, func() bool { return len(reg.reloaded()) == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"ov1"}, reg.reloaded())
}

func TestClientReconnects(t *testing.T) {
	var mu sync.Mutex
	connections := 0
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		connections++
		mu.Unlock()
		conn.Close() // force the client to reconnect
	}))
	defer srv.Close()

	client := NewClient(wsURL(srv.URL, "/"), &recordingRegistry{}, logging.NewNop())
	client.delay = 20 * time.Millisecond
	client.Start()
	defer client.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connections >= 2
	}, 3*time.Second, 10*time.Millisecond, "client should keep reconnecting")
}

func TestClientStopCancelsReconnect(t *testing.T) {
	var mu sync.Mutex
	connections := 0
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		connections++
		mu.Unlock()
		conn.Close()
	}))
	defer srv.Close()

	client := NewClient(wsURL(srv.URL, "/"), &recordingRegistry{}, logging.NewNop())
	client.delay = 20 * time.Millisecond
	client.Start()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connections >= 1
	}, time.Second, 10*time.Millisecond)

	client.Stop()
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	after := connections
	mu.Unlock()
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, connections, after+1, "no new connections after Stop")
}
