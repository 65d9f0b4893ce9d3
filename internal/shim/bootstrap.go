package shim

import (
	"strings"
	"text/template"

	"github.com/stagecast/overlayproxy/internal/rewrite"
)

// BootstrapOptions parameterizes a worker bootstrap script.
type BootstrapOptions struct {
	TenantID  string
	ScriptURL string // absolute upstream URL of the real worker script
	Module    bool
	// TunnelPath is the generic WebSocket tunnel endpoint.
	TunnelPath string
}

// WorkerBootstrap renders the script a worker actually runs: it pins the
// overlay id in the worker scope, installs fetch and WebSocket shims that
// honor the pin, then pulls in the real script through the proxy. Module
// workers use a dynamic import since importScripts is unavailable there.
func WorkerBootstrap(opts BootstrapOptions) (string, error) {
	var b strings.Builder
	err := bootstrapTmpl.Execute(&b, bootstrapData{
		TenantID:   opts.TenantID,
		WrappedURL: rewrite.WrapURL(opts.TenantID, opts.ScriptURL),
		Module:     opts.Module,
		TunnelPath: opts.TunnelPath,
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

type bootstrapData struct {
	TenantID   string
	WrappedURL string
	Module     bool
	TunnelPath string
}

var bootstrapTmpl = template.Must(template.New("bootstrap").Parse(`self.__ovFixedOverlay = {{printf "%q" .TenantID}};
(function(){
  var ORIGIN = self.location.origin;
  var ID = self.__ovFixedOverlay;
  var TUNNEL_PATH = {{printf "%q" .TunnelPath}};

  function reroute(raw) {
    try {
      var u = new URL(raw, ORIGIN);
      if (u.origin === ORIGIN) {
        u.searchParams.set('overlay', ID);
        return u.toString();
      }
      return '/proxy?overlay=' + encodeURIComponent(ID) + '&url=' + encodeURIComponent(u.toString());
    } catch (e) { return raw; }
  }

  var origFetch = self.fetch;
  if (origFetch) {
    self.fetch = function(input, init){
      try {
        var raw = (input && input.url) ? input.url : String(input);
        return origFetch(reroute(raw), init);
      } catch (e) {}
      return origFetch(input, init);
    };
  }

  var OrigWS = self.WebSocket;
  if (OrigWS) {
    function tunneled(url, protocols){
      try {
        var u = new URL(url, ORIGIN);
        if (u.host === self.location.host) {
          u.searchParams.set('overlay', ID);
          return new OrigWS(u.toString(), protocols);
        }
        var scheme = self.location.protocol === 'https:' ? 'wss' : 'ws';
        return new OrigWS(scheme + '://' + self.location.host + TUNNEL_PATH +
          '?target=' + encodeURIComponent(u.toString()) +
          '&overlay=' + encodeURIComponent(ID), protocols);
      } catch (e) {}
      return new OrigWS(url, protocols);
    }
    ['CONNECTING','OPEN','CLOSING','CLOSED'].forEach(function(k){ tunneled[k] = OrigWS[k]; });
    tunneled.prototype = OrigWS.prototype;
    self.WebSocket = tunneled;
  }

  if (self.importScripts) {
    var origImport = self.importScripts;
    self.importScripts = function(){
      var args = Array.prototype.slice.call(arguments).map(reroute);
      return origImport.apply(self, args);
    };
  }
})();
{{if .Module}}import {{printf "%q" .WrappedURL}};
{{else}}importScripts({{printf "%q" .WrappedURL}});
{{end}}`))
