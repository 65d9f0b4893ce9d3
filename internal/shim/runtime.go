// Package shim generates the JavaScript injected into the compositor
// page. The shims reroute network calls made by overlay code (fetch,
// XHR, WebSocket, workers) through the proxy so tenant attribution
// survives in the browser, where the server can no longer see which
// overlay issued a request.
package shim

import (
	"strings"
	"text/template"
	"time"

	"github.com/bytedance/sonic"
)

// RuntimeOptions parameterizes the generated shim script.
type RuntimeOptions struct {
	// OriginMap maps upstream origin to tenant id, for attributing
	// requests whose URL alone gives them away.
	OriginMap map[string]string
	// DefaultOverlay is the fallback tenant id, or "".
	DefaultOverlay string
	// ControlPath is the control bus WebSocket path, exempt from shims.
	ControlPath string
	// TunnelPath is the generic WebSocket tunnel endpoint.
	TunnelPath string
	// Grace is how long after an overlay's activity its id keeps
	// winning ambiguous attribution.
	Grace time.Duration
}

// Runtime renders the shim script for the compositor page.
func Runtime(opts RuntimeOptions) (string, error) {
	originMap, err := sonic.Marshal(opts.OriginMap)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	err = runtimeTmpl.Execute(&b, runtimeData{
		OriginMapJSON:  string(originMap),
		DefaultOverlay: opts.DefaultOverlay,
		ControlPath:    opts.ControlPath,
		TunnelPath:     opts.TunnelPath,
		GraceMS:        opts.Grace.Milliseconds(),
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

type runtimeData struct {
	OriginMapJSON  string
	DefaultOverlay string
	ControlPath    string
	TunnelPath     string
	GraceMS        int64
}

var runtimeTmpl = template.Must(template.New("runtime").Parse(`(function(){
  if (window.__ovShimsInstalled) return;
  window.__ovShimsInstalled = true;

  var ORIGIN = location.origin;
  var CONTROL_PATH = {{printf "%q" .ControlPath}};
  var TUNNEL_PATH = {{printf "%q" .TunnelPath}};
  var GRACE_MS = {{.GraceMS}};
  window.__ovOriginMap = {{.OriginMapJSON}};
  window.__ovDefaultOverlay = {{printf "%q" .DefaultOverlay}};

  function pickOverlayIdFor(url) {
    if (self.__ovFixedOverlay) return self.__ovFixedOverlay;
    if (window.__ovActiveOverlay) return window.__ovActiveOverlay;
    var last = window.__ovLastOverlay;
    if (last && performance.now() - last.t < GRACE_MS) return last.id;
    try {
      var mapped = window.__ovOriginMap[new URL(url, ORIGIN).origin];
      if (mapped) return mapped;
    } catch (e) {}
    return window.__ovDefaultOverlay || undefined;
  }
  window.__ovPickOverlayIdFor = pickOverlayIdFor;

  function proxyURL(id, abs) {
    return '/proxy?' + (id ? 'overlay=' + encodeURIComponent(id) + '&' : '') +
      'url=' + encodeURIComponent(abs);
  }

  // WebSocket: same-host sockets get the overlay param, cross-origin
  // sockets go through the tunnel. The control bus is never touched.
  (function(){
    var OrigWS = window.WebSocket;
    function tunneled(url, protocols){
      try {
        var u = new URL(url, ORIGIN);
        if (u.pathname === CONTROL_PATH) return new OrigWS(url, protocols);
        if (u.host === location.host) {
          var id = pickOverlayIdFor(u.toString());
          if (id) u.searchParams.set('overlay', id);
          return new OrigWS(u.toString(), protocols);
        }
        var tid = pickOverlayIdFor(u.toString());
        var scheme = location.protocol === 'https:' ? 'wss' : 'ws';
        var turl = scheme + '://' + location.host + TUNNEL_PATH +
          '?target=' + encodeURIComponent(u.toString()) +
          (tid ? '&overlay=' + encodeURIComponent(tid) : '');
        return new OrigWS(turl, protocols);
      } catch (e) {}
      return new OrigWS(url, protocols);
    }
    ['CONNECTING','OPEN','CLOSING','CLOSED'].forEach(function(k){ tunneled[k] = OrigWS[k]; });
    tunneled.prototype = OrigWS.prototype;
    window.WebSocket = tunneled;
  })();

  // fetch
  (function(){
    var origFetch = window.fetch;
    window.fetch = function(input, init){
      try {
        var req = (input instanceof Request) ? input : new Request(input, init);
        var u = new URL(req.url, ORIGIN);
        var id = pickOverlayIdFor(u.toString());
        var targetURL = null;
        if (u.origin === ORIGIN) {
          if (id) { u.searchParams.set('overlay', id); targetURL = u.toString(); }
        } else {
          targetURL = proxyURL(id, u.toString());
        }
        if (targetURL) {
          var cloned = new Request(targetURL, {
            method: req.method,
            headers: req.headers,
            body: (req.method === 'GET' || req.method === 'HEAD') ? undefined : req.body,
            redirect: req.redirect,
            referrer: req.referrer, referrerPolicy: req.referrerPolicy,
            mode: 'same-origin', credentials: 'include',
            cache: req.cache, integrity: req.integrity,
            keepalive: req.keepalive, signal: req.signal,
          });
          return origFetch(cloned);
        }
      } catch (e) {}
      return origFetch(input, init);
    };
  })();

  // XMLHttpRequest
  (function(){
    var Orig = window.XMLHttpRequest;
    function X(){
      var xhr = new Orig();
      var open = xhr.open;
      xhr.open = function(method, url, async, user, pass){
        try {
          var u = new URL(url, ORIGIN);
          var id = pickOverlayIdFor(u.toString());
          if (u.origin === ORIGIN) {
            if (id) {
              u.searchParams.set('overlay', id);
              return open.call(xhr, method, u.toString(), async !== false, user, pass);
            }
          } else {
            return open.call(xhr, method, proxyURL(id, u.toString()), async !== false, user, pass);
          }
        } catch (e) {}
        return open.call(xhr, method, url, async, user, pass);
      };
      return xhr;
    }
    X.prototype = Orig.prototype;
    window.XMLHttpRequest = X;
  })();

  // Workers: the worker script runs in a fresh scope with no shims and
  // no overlay context, so it is replaced with a bootstrap that pins the
  // overlay id before importing the real script through the proxy.
  function bootstrapURL(scriptURL, kind) {
    var u = new URL(scriptURL, ORIGIN);
    var id = pickOverlayIdFor(u.toString());
    if (!id) return null;
    return '/__worker-bootstrap?overlay=' + encodeURIComponent(id) +
      '&url=' + encodeURIComponent(u.toString()) +
      (kind === 'module' ? '&type=module' : '');
  }

  function blobFor(burl) {
    var blob = new Blob(["importScripts(" + JSON.stringify(new URL(burl, ORIGIN).toString()) + ");"],
      { type: 'text/javascript' });
    var handle = URL.createObjectURL(blob);
    setTimeout(function(){ URL.revokeObjectURL(handle); }, 10000);
    return handle;
  }

  (function(){
    var OrigWorker = window.Worker;
    if (!OrigWorker) return;
    function W(scriptURL, options){
      try {
        var kind = options && options.type === 'module' ? 'module' : 'classic';
        var burl = bootstrapURL(scriptURL, kind);
        if (burl) {
          if (kind === 'module') return new OrigWorker(burl, options);
          return new OrigWorker(blobFor(burl), options);
        }
      } catch (e) {}
      return new OrigWorker(scriptURL, options);
    }
    W.prototype = OrigWorker.prototype;
    window.Worker = W;
  })();

  (function(){
    var OrigShared = window.SharedWorker;
    if (!OrigShared) return;
    function SW(scriptURL, options){
      try {
        var kind = options && options.type === 'module' ? 'module' : 'classic';
        var burl = bootstrapURL(scriptURL, kind);
        // SharedWorkers dedupe on URL, so the stable endpoint URL is
        // used directly instead of a one-shot blob.
        if (burl) return new OrigShared(burl, options);
      } catch (e) {}
      return new OrigShared(scriptURL, options);
    }
    SW.prototype = OrigShared.prototype;
    window.SharedWorker = SW;
  })();

  (function(){
    if (!navigator.serviceWorker) return;
    var origRegister = navigator.serviceWorker.register.bind(navigator.serviceWorker);
    navigator.serviceWorker.register = function(scriptURL, options){
      try {
        var kind = options && options.type === 'module' ? 'module' : 'classic';
        var burl = bootstrapURL(scriptURL, kind);
        if (burl) return origRegister(burl, options);
      } catch (e) {}
      return origRegister(scriptURL, options);
    };
  })();

  // Scripts inserted via innerHTML never execute. Mounting layers call
  // this to run a container's scripts in document order; the overlay id
  // is held active for the duration so the scripts' requests attribute.
  window.__ovRunScripts = function(container, overlayId){
    var scripts = Array.prototype.slice.call(container.querySelectorAll('script'));
    var prev = window.__ovActiveOverlay;
    if (overlayId) window.__ovActiveOverlay = overlayId;
    function step(i){
      if (i >= scripts.length) return Promise.resolve();
      var old = scripts[i];
      var s = document.createElement('script');
      for (var j = 0; j < old.attributes.length; j++) {
        s.setAttribute(old.attributes[j].name, old.attributes[j].value);
      }
      return new Promise(function(resolve){
        if (old.src) {
          s.onload = s.onerror = function(){ resolve(); };
        } else {
          s.textContent = old.textContent;
        }
        old.parentNode.replaceChild(s, old);
        if (!old.src) resolve();
      }).then(function(){ return step(i + 1); });
    }
    return step(0).then(function(){
      if (overlayId) {
        window.__ovActiveOverlay = prev;
        window.__ovLastOverlay = { id: overlayId, t: performance.now() };
      }
    });
  };

  // Control bus subscription with a flat reconnect delay.
  function connectControlBus(){
    try {
      var scheme = location.protocol === 'https:' ? 'wss' : 'ws';
      var ws = new WebSocket(scheme + '://' + location.host + CONTROL_PATH);
      ws.onmessage = function(ev){
        try {
          var msg = JSON.parse(ev.data);
          if (!window.overlayAPI) return;
          if (msg.type === 'reload' && msg.id) window.overlayAPI.reload(msg.id);
          if (msg.type === 'visibility' && msg.id) window.overlayAPI.setVisible(msg.id, !!msg.visible);
        } catch (e) { console.error('control message error', e); }
      };
      ws.onclose = function(){ setTimeout(connectControlBus, 2000); };
    } catch (e) {}
  }
  window.__ovConnectControlBus = connectControlBus;
  connectControlBus();
})();
`))
