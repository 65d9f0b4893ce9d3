package shim

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeRendersConfiguration(t *testing.T) {
	js, err := Runtime(RuntimeOptions{
		OriginMap:      map[string]string{"https://widgets.example": "ov1"},
		DefaultOverlay: "ov1",
		ControlPath:    "/_control",
		TunnelPath:     "/__ws",
		Grace:          6 * time.Second,
	})
	require.NoError(t, err)

	assert.Contains(t, js, `"https://widgets.example":"ov1"`)
	assert.Contains(t, js, `var GRACE_MS = 6000;`)
	assert.Contains(t, js, `"/_control"`)
	assert.Contains(t, js, `"/__ws"`)
	assert.Contains(t, js, "pickOverlayIdFor")
	assert.Contains(t, js, "window.WebSocket = tunneled")
	assert.Contains(t, js, "window.XMLHttpRequest = X")
	assert.Contains(t, js, "__worker-bootstrap")
	assert.Contains(t, js, "window.__ovRunScripts")
	assert.Contains(t, js, "setTimeout(connectControlBus, 2000)")
}

func TestRuntimeEmptyOriginMap(t *testing.T) {
	js, err := Runtime(RuntimeOptions{Grace: time.Second})
	require.NoError(t, err)
	assert.Contains(t, js, "window.__ovOriginMap = {}")
}

func TestWorkerBootstrapClassic(t *testing.T) {
	js, err := WorkerBootstrap(BootstrapOptions{
		TenantID:   "ov1",
		ScriptURL:  "https://widgets.example/worker.js",
		TunnelPath: "/__ws",
	})
	require.NoError(t, err)

	assert.Contains(t, js, `self.__ovFixedOverlay = "ov1";`)
	wrapped := "/proxy?overlay=ov1&url=" + url.QueryEscape("https://widgets.example/worker.js")
	assert.Contains(t, js, `importScripts("`+wrapped+`")`)
	assert.NotContains(t, js, "\nimport \"")
}

func TestWorkerBootstrapModule(t *testing.T) {
	js, err := WorkerBootstrap(BootstrapOptions{
		TenantID:   "ov1",
		ScriptURL:  "https://widgets.example/worker.mjs",
		Module:     true,
		TunnelPath: "/__ws",
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(js), "\n")
	last := lines[len(lines)-1]
	assert.True(t, strings.HasPrefix(last, "import "), "module bootstrap must end with an import, got %q", last)
	assert.Contains(t, last, "overlay=ov1")
}
