package rewrite

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// HTMLOptions parameterizes a page rewrite.
type HTMLOptions struct {
	// Origin is the URL the page was fetched from; relative references
	// resolve against it.
	Origin *url.URL
	// TenantID stamps every rewritten reference.
	TenantID string
	// ScopeSelector, when set, confines inline styles to the tenant's
	// subtree and is forwarded to stylesheet links via the scope param.
	ScopeSelector string
	// UnwrapDepth overrides DefaultUnwrapDepth when positive.
	UnwrapDepth int
}

var cssHref = regexp.MustCompile(`(?i)\.css(\?|$)`)

// HTML routes every external reference in a page through the proxy for
// one tenant: link hrefs, script and media srcs, lazy-load data-srcs,
// srcset lists and inline styles. Stylesheet links carry the scope
// selector so the CSS is scoped on delivery; inline styles are scoped in
// place, falling back to unscoped-but-rewritten CSS with a trailing
// comment when the scoper rejects the sheet. The html and body elements
// get a transparent background so the overlay composites cleanly.
func HTML(htmlText string, opts HTMLOptions) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlText))
	if err != nil {
		return "", err
	}

	depth := opts.UnwrapDepth
	if depth <= 0 {
		depth = DefaultUnwrapDepth
	}
	wrap := func(ref, scope string) string {
		return WrapURLScoped(opts.TenantID, UnwrapDepth(Absolutize(opts.Origin, ref), depth), scope)
	}

	doc.Find("link[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if skipRef(href) {
			return
		}
		rel, _ := s.Attr("rel")
		scope := ""
		if opts.ScopeSelector != "" && (strings.Contains(strings.ToLower(rel), "stylesheet") || cssHref.MatchString(href)) {
			scope = opts.ScopeSelector
		}
		s.SetAttr("href", wrap(href, scope))
		s.RemoveAttr("integrity")
	})

	doc.Find("[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if skipRef(src) {
			return
		}
		s.SetAttr("src", wrap(src, ""))
		s.RemoveAttr("integrity")
	})

	doc.Find("[data-src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("data-src")
		if skipRef(src) {
			return
		}
		s.SetAttr("data-src", wrap(src, ""))
	})

	doc.Find("img[srcset], source[srcset], link[imagesrcset]").Each(func(_ int, s *goquery.Selection) {
		attr := "srcset"
		if goquery.NodeName(s) == "link" {
			attr = "imagesrcset"
		}
		if val, ok := s.Attr(attr); ok && val != "" {
			s.SetAttr(attr, Srcset(val, opts.Origin, opts.TenantID, depth))
		}
	})

	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		rewritten := CSSDepth(s.Text(), opts.Origin, opts.TenantID, depth)
		if opts.ScopeSelector == "" {
			s.SetText(rewritten)
			return
		}
		scoped, err := Scope(rewritten, opts.ScopeSelector)
		if err != nil {
			// Fail open: a broken sheet still renders, and the marker is
			// visible in View Source.
			s.SetText(rewritten + "\n/* overlay-proxy: scope failed (" + err.Error() + ") */")
			return
		}
		s.SetText(scoped)
	})

	doc.Find("html, body").Each(func(_ int, s *goquery.Selection) {
		style, _ := s.Attr("style")
		s.SetAttr("style", style+"; background: transparent !important;")
	})

	if opts.ScopeSelector != "" {
		doc.Find("meta[http-equiv]").Each(func(_ int, s *goquery.Selection) {
			if v, _ := s.Attr("http-equiv"); strings.EqualFold(v, "Content-Security-Policy") {
				s.Remove()
			}
		})
	}

	return doc.Html()
}

// Srcset rewrites each candidate URL in a srcset attribute value,
// keeping width/density descriptors attached.
func Srcset(val string, origin *url.URL, tenantID string, depth int) string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Fields(part)
		ref := fields[0]
		if skipRef(ref) {
			out = append(out, part)
			continue
		}
		wrapped := WrapURL(tenantID, UnwrapDepth(Absolutize(origin, ref), depth))
		if len(fields) > 1 {
			wrapped += " " + strings.Join(fields[1:], " ")
		}
		out = append(out, wrapped)
	}
	return strings.Join(out, ", ")
}

// skipRef reports whether a reference must not be proxied.
func skipRef(ref string) bool {
	return ref == "" ||
		strings.HasPrefix(ref, "data:") ||
		strings.HasPrefix(ref, "blob:") ||
		strings.HasPrefix(ref, "#") ||
		strings.HasPrefix(ref, "javascript:") ||
		strings.HasPrefix(ref, "mailto:")
}
