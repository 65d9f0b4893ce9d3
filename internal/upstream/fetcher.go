// Package upstream fetches tenant pages and assets from their origin
// servers, with per-tenant cookie jars and a success-only TTL cache.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"

	"github.com/stagecast/overlayproxy/internal/cache"
	"github.com/stagecast/overlayproxy/internal/cookies"
	"github.com/stagecast/overlayproxy/internal/infrastructure/logging"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125 Safari/537.36"
	defaultAcceptLanguage = "en-US,en;q=0.9"
	defaultTimeout        = 15 * time.Second
)

// Page is a fetched HTML document, decoded to UTF-8.
type Page struct {
	Status int
	OK     bool
	Text   string
	Header http.Header
}

// Asset is a fetched binary resource.
type Asset struct {
	Status       int
	OK           bool
	Body         []byte
	ContentType  string
	ETag         string
	CacheControl string
	URL          string
}

// Config tunes fetcher behavior.
type Config struct {
	CacheTTL     time.Duration
	CacheEntries int
	Timeout      time.Duration
}

// Fetcher retrieves upstream content on behalf of tenants. Each tenant's
// cookies live in their own jar, and successful responses are cached per
// tenant so one tenant's session never feeds another's cache. The
// fetcher never retries: a failed overlay fetch surfaces immediately and
// the client decides what to do.
type Fetcher struct {
	client  *resty.Client
	jars    *cookies.Store
	pages   *cache.Cache[Page]
	assets  *cache.Cache[Asset]
	guard   *tripGuard
	ttl     time.Duration
	log     *logging.Logger
	metrics MetricsRecorder
}

// MetricsRecorder receives fetch and cache events. monitoring.Metrics
// satisfies it; a nil recorder disables recording.
type MetricsRecorder interface {
	RecordUpstreamFetch(tenant, kind, status string)
	RecordUpstreamError(tenant, kind string)
	RecordCacheHit(kind string)
	RecordCacheMiss(kind string)
}

// New creates a Fetcher backed by the given per-tenant cookie store.
func New(jars *cookies.Store, cfg Config, log *logging.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetCookieJar(nil). // jars are per tenant, managed explicitly
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10)).
		SetDoNotParseResponse(false)

	return &Fetcher{
		client: client,
		jars:   jars,
		pages:  cache.New[Page](cfg.CacheEntries, cfg.CacheTTL),
		assets: cache.New[Asset](cfg.CacheEntries, cfg.CacheTTL),
		guard:  newTripGuard(clock.New()),
		ttl:    cfg.CacheTTL,
		log:    log,
	}
}

// WithMetrics attaches a metrics recorder.
func (f *Fetcher) WithMetrics(m MetricsRecorder) *Fetcher {
	f.metrics = m
	return f
}

// FetchPage retrieves an HTML page for a tenant. Inbound headers are
// forwarded minus cookies, which come from the tenant's jar instead.
func (f *Fetcher) FetchPage(ctx context.Context, tenantID, rawURL string, inbound http.Header) (Page, error) {
	if hit, ok := f.pages.Get(cache.KindPage, tenantID, rawURL); ok {
		f.recordCache(string(cache.KindPage), true)
		return hit, nil
	}
	f.recordCache(string(cache.KindPage), false)

	resp, body, err := f.do(ctx, tenantID, rawURL, inbound)
	if err != nil {
		f.recordError(tenantID, string(cache.KindPage))
		return Page{}, err
	}
	f.recordFetch(tenantID, string(cache.KindPage), resp.StatusCode())

	text, err := decodePageText(body, resp.Header().Get("Content-Type"))
	if err != nil {
		return Page{}, fmt.Errorf("decode page %s: %w", rawURL, err)
	}

	page := Page{
		Status: resp.StatusCode(),
		OK:     resp.IsSuccess(),
		Text:   text,
		Header: resp.Header(),
	}
	if page.OK {
		f.pages.Put(cache.KindPage, tenantID, rawURL, page)
	}
	return page, nil
}

// FetchAsset retrieves a subresource for a tenant.
func (f *Fetcher) FetchAsset(ctx context.Context, tenantID, rawURL string, inbound http.Header) (Asset, error) {
	if hit, ok := f.assets.Get(cache.KindAsset, tenantID, rawURL); ok {
		f.recordCache(string(cache.KindAsset), true)
		return hit, nil
	}
	f.recordCache(string(cache.KindAsset), false)

	resp, body, err := f.do(ctx, tenantID, rawURL, inbound)
	if err != nil {
		f.recordError(tenantID, string(cache.KindAsset))
		return Asset{}, err
	}
	f.recordFetch(tenantID, string(cache.KindAsset), resp.StatusCode())

	contentType := resp.Header().Get("Content-Type")
	if contentType == "" {
		contentType = mimetype.Detect(body).String()
	}
	cacheControl := resp.Header().Get("Cache-Control")
	if cacheControl == "" {
		cacheControl = fmt.Sprintf("public, max-age=%d", int(f.ttl.Seconds()))
	}

	asset := Asset{
		Status:       resp.StatusCode(),
		OK:           resp.IsSuccess(),
		Body:         body,
		ContentType:  contentType,
		ETag:         resp.Header().Get("ETag"),
		CacheControl: cacheControl,
		URL:          rawURL,
	}
	if asset.OK {
		f.assets.Put(cache.KindAsset, tenantID, rawURL, asset)
	}
	return asset, nil
}

// Passthrough forwards an arbitrary request for a tenant without caching,
// for routes that relay upstream responses byte-for-byte.
func (f *Fetcher) Passthrough(ctx context.Context, tenantID, method, rawURL string, inbound http.Header, body []byte) (Asset, error) {
	if err := f.guard.allow(tenantID); err != nil {
		return Asset{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}

	req := f.request(ctx, tenantID, rawURL, inbound)
	if len(body) > 0 {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, rawURL)
	f.guard.record(tenantID, err == nil)
	if err != nil {
		return Asset{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	f.storeCookies(tenantID, rawURL, resp.Header())

	decoded, err := decodeBody(resp.Body(), resp.Header().Get("Content-Encoding"))
	if err != nil {
		return Asset{}, fmt.Errorf("decode %s: %w", rawURL, err)
	}
	return Asset{
		Status:       resp.StatusCode(),
		OK:           resp.IsSuccess(),
		Body:         decoded,
		ContentType:  resp.Header().Get("Content-Type"),
		ETag:         resp.Header().Get("ETag"),
		CacheControl: resp.Header().Get("Cache-Control"),
		URL:          rawURL,
	}, nil
}

// PurgeCache drops all cached pages and assets.
func (f *Fetcher) PurgeCache() {
	f.pages.Purge()
	f.assets.Purge()
}

func (f *Fetcher) do(ctx context.Context, tenantID, rawURL string, inbound http.Header) (*resty.Response, []byte, error) {
	if err := f.guard.allow(tenantID); err != nil {
		return nil, nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}

	resp, err := f.request(ctx, tenantID, rawURL, inbound).Get(rawURL)
	f.guard.record(tenantID, err == nil)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	f.storeCookies(tenantID, rawURL, resp.Header())
	f.log.Debug("upstream fetch",
		zap.String("tenant", tenantID),
		zap.String("url", rawURL),
		zap.Int("status", resp.StatusCode()))

	body, err := decodeBody(resp.Body(), resp.Header().Get("Content-Encoding"))
	if err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", rawURL, err)
	}
	return resp, body, nil
}

func (f *Fetcher) request(ctx context.Context, tenantID, rawURL string, inbound http.Header) *resty.Request {
	req := f.client.R().SetContext(ctx)

	req.SetHeader("Accept-Encoding", "identity")
	req.SetHeader("Accept-Language", headerOr(inbound, "Accept-Language", defaultAcceptLanguage))
	req.SetHeader("User-Agent", headerOr(inbound, "User-Agent", defaultUserAgent))
	if inbound != nil {
		// Origin and Referer arrive pre-spoofed to the tenant's own
		// identity; Accept passes through as the browser sent it.
		for _, key := range []string{"Accept", "Origin", "Referer"} {
			if v := inbound.Get(key); v != "" {
				req.SetHeader(key, v)
			}
		}
	}

	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		if cookie := f.jars.Header(tenantID, u); cookie != "" {
			req.SetHeader("Cookie", cookie)
		}
	}
	return req
}

func (f *Fetcher) storeCookies(tenantID, rawURL string, header http.Header) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return
	}
	f.jars.Store(tenantID, u, header)
}

func (f *Fetcher) recordCache(kind string, hit bool) {
	if f.metrics == nil {
		return
	}
	if hit {
		f.metrics.RecordCacheHit(kind)
	} else {
		f.metrics.RecordCacheMiss(kind)
	}
}

func (f *Fetcher) recordFetch(tenantID, kind string, status int) {
	if f.metrics != nil {
		f.metrics.RecordUpstreamFetch(tenantID, kind, strconv.Itoa(status))
	}
}

func (f *Fetcher) recordError(tenantID, kind string) {
	if f.metrics != nil {
		f.metrics.RecordUpstreamError(tenantID, kind)
	}
}

func headerOr(h http.Header, key, fallback string) string {
	if h == nil {
		return fallback
	}
	if v := h.Get(key); v != "" {
		return v
	}
	return fallback
}

// decodeBody undoes gzip when an upstream compresses anyway, despite the
// identity request.
func decodeBody(body []byte, encoding string) ([]byte, error) {
	if !strings.Contains(strings.ToLower(encoding), "gzip") {
		return body, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// decodePageText converts a page body to UTF-8 using the charset declared
// in the Content-Type header, or sniffed from the content.
func decodePageText(body []byte, contentType string) (string, error) {
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return string(body), nil
	}
	decoded, err := io.ReadAll(r)
	if err != nil {
		return string(body), nil
	}
	return string(decoded), nil
}
