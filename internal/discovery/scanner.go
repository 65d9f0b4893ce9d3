// Package discovery widens each tenant's known-origin set by scanning its
// page and scripts for absolute URLs. The origins feed ambiguous-request
// attribution: an asset request with no overlay hint is matched against
// the origins seen in each tenant's content.
package discovery

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/stagecast/overlayproxy/internal/infrastructure/logging"
	"github.com/stagecast/overlayproxy/internal/tenant"
)

var absoluteURL = regexp.MustCompile(`(?i)\b(?:https?|wss?)://[^\s"'<>\\)]+`)

const (
	maxBodyBytes   = 4 << 20
	maxScriptScans = 8
)

// Scanner crawls tenant pages at startup. Discovery is best-effort
// enrichment, so unlike the serving path it retries transient failures.
type Scanner struct {
	client  *retryablehttp.Client
	reg     *tenant.Registry
	log     *logging.Logger
	metrics OriginRecorder
}

// OriginRecorder receives per-tenant discovery counts. monitoring.Metrics
// satisfies it; a nil recorder disables recording.
type OriginRecorder interface {
	RecordOriginsDiscovered(tenant string, count int)
}

// NewScanner builds a Scanner over the registry.
func NewScanner(reg *tenant.Registry, log *logging.Logger) *Scanner {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 3 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	return &Scanner{client: client, reg: reg, log: log}
}

// WithMetrics attaches an origin recorder.
func (s *Scanner) WithMetrics(m OriginRecorder) *Scanner {
	s.metrics = m
	return s
}

// ScanAll scans every tenant sequentially. Errors are logged per tenant
// and never abort the remaining scans.
func (s *Scanner) ScanAll(ctx context.Context) {
	for _, t := range s.reg.All() {
		if err := s.Scan(ctx, t); err != nil {
			s.log.Warn("origin discovery failed",
				zap.String("tenant", t.ID),
				zap.Error(err))
		}
	}
}

// Scan fetches one tenant's page, extracts absolute origins from the
// markup, then digs one level into same-origin scripts. Everything found
// merges into the tenant's known-origin set.
func (s *Scanner) Scan(ctx context.Context, t *tenant.Tenant) error {
	body, err := s.get(ctx, t.UpstreamURL.String())
	if err != nil {
		return err
	}

	found := extractOrigins(body)
	scanned := 0
	for _, scriptURL := range extractScriptURLs(body, t.UpstreamURL) {
		if scanned >= maxScriptScans {
			break
		}
		scanned++
		js, err := s.get(ctx, scriptURL)
		if err != nil {
			continue
		}
		found = append(found, extractOrigins(js)...)
	}

	added := s.reg.AddOrigins(t.ID, found...)
	if s.metrics != nil {
		s.metrics.RecordOriginsDiscovered(t.ID, added)
	}
	s.log.Info("origin discovery complete",
		zap.String("tenant", t.ID),
		zap.Int("scripts", scanned),
		zap.Int("new_origins", added))
	return nil
}

func (s *Scanner) get(ctx context.Context, rawURL string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// extractOrigins pulls scheme://host origins out of arbitrary text.
func extractOrigins(text string) []string {
	matches := absoluteURL.FindAllString(text, -1)
	origins := make([]string, 0, len(matches))
	for _, m := range matches {
		u, err := url.Parse(m)
		if err != nil || u.Host == "" {
			continue
		}
		origins = append(origins, u.Scheme+"://"+u.Host)
	}
	return origins
}

// extractScriptURLs finds script sources worth a second-level scan.
var scriptSrc = regexp.MustCompile(`(?i)<script[^>]+src\s*=\s*["']([^"']+)["']`)

func extractScriptURLs(html string, base *url.URL) []string {
	var out []string
	for _, m := range scriptSrc.FindAllStringSubmatch(html, -1) {
		ref, err := url.Parse(strings.TrimSpace(m[1]))
		if err != nil {
			continue
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			continue
		}
		out = append(out, abs.String())
	}
	return out
}
