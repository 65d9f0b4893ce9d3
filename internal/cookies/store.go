package cookies

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/publicsuffix"
)

// Store keeps one cookie jar per tenant. Jars are created lazily and are
// never merged, even when two tenants talk to the same upstream domain.
type Store struct {
	mu   sync.Mutex
	jars map[string]http.CookieJar
}

// NewStore creates an empty per-tenant cookie store.
func NewStore() *Store {
	return &Store{jars: make(map[string]http.CookieJar)}
}

func (s *Store) jar(tenantID string) http.CookieJar {
	s.mu.Lock()
	defer s.mu.Unlock()

	jar, ok := s.jars[tenantID]
	if !ok {
		// cookiejar.New only errors on a nil options misuse; with a
		// public suffix list it cannot fail.
		jar, _ = cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		s.jars[tenantID] = jar
	}
	return jar
}

// Header returns the Cookie header value for a request by tenantID to u,
// or "" when the jar has nothing to send.
func (s *Store) Header(tenantID string, u *url.URL) string {
	cookies := s.jar(tenantID).Cookies(httpURL(u))
	if len(cookies) == 0 {
		return ""
	}

	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// Store persists Set-Cookie headers from an upstream response into the
// tenant's jar. Malformed cookies are dropped silently; the jar is
// best-effort by design.
func (s *Store) Store(tenantID string, u *url.URL, header http.Header) {
	resp := http.Response{Header: header}
	cookies := resp.Cookies()
	if len(cookies) == 0 {
		return
	}
	s.jar(tenantID).SetCookies(httpURL(u), cookies)
}

// httpURL maps ws/wss URLs onto their http/https equivalents so WebSocket
// targets share cookies with the page that set them.
func httpURL(u *url.URL) *url.URL {
	switch u.Scheme {
	case "ws":
		c := *u
		c.Scheme = "http"
		return &c
	case "wss":
		c := *u
		c.Scheme = "https"
		return &c
	}
	return u
}
