package rewrite

import (
	"net/url"
	"regexp"
	"strings"
)

// Matches url("..."), url('...'), and url(bare) tokens.
var cssURLPattern = regexp.MustCompile(`url\(\s*(?:"([^"]+)"|'([^']+)'|([^"')]+))\s*\)`)

// CSS rewrites every url(...) reference in a stylesheet to its proxy form
// for the given tenant, resolving relative references against origin and
// unwrapping any pre-existing proxy layers first. data: and blob: URLs
// pass through verbatim, and the original quoting style is preserved.
func CSS(css string, origin *url.URL, tenantID string) string {
	return CSSDepth(css, origin, tenantID, DefaultUnwrapDepth)
}

// CSSDepth is CSS with an explicit unwrap depth bound.
func CSSDepth(css string, origin *url.URL, tenantID string, depth int) string {
	return cssURLPattern.ReplaceAllStringFunc(css, func(token string) string {
		m := cssURLPattern.FindStringSubmatch(token)
		dq, sq, bare := m[1], m[2], m[3]

		ref := dq
		if ref == "" {
			ref = sq
		}
		if ref == "" {
			ref = strings.TrimSpace(bare)
		}
		if ref == "" || strings.HasPrefix(ref, "data:") || strings.HasPrefix(ref, "blob:") {
			return token
		}

		wrapped := WrapURL(tenantID, UnwrapDepth(Absolutize(origin, ref), depth))
		switch {
		case dq != "":
			return `url("` + wrapped + `")`
		case sq != "":
			return `url('` + wrapped + `')`
		default:
			return `url(` + wrapped + `)`
		}
	})
}
