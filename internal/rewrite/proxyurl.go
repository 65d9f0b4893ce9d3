package rewrite

import "net/url"

// DefaultUnwrapDepth bounds how many nested proxy layers Unwrap peels.
// Exceeding the bound leaves the URL wrapped rather than erroring; four
// layers has covered everything observed from re-processed content.
const DefaultUnwrapDepth = 4

// WrapURL builds the self-describing proxy form of an absolute upstream
// URL for a tenant: /proxy?overlay=<id>&url=<encoded>.
func WrapURL(tenantID, absURL string) string {
	return WrapURLScoped(tenantID, absURL, "")
}

// WrapURLScoped is WrapURL with an optional scope selector parameter,
// used for stylesheet links that must be tenant-scoped on delivery.
func WrapURLScoped(tenantID, absURL, scope string) string {
	v := url.Values{}
	v.Set("overlay", tenantID)
	v.Set("url", absURL)
	if scope != "" {
		v.Set("scope", scope)
	}
	return "/proxy?" + v.Encode()
}

// Unwrap peels nested proxy layers with the default depth bound.
func Unwrap(raw string) string {
	return UnwrapDepth(raw, DefaultUnwrapDepth)
}

// UnwrapDepth recovers the true upstream URL from a possibly-nested proxy
// URL by repeatedly extracting the url query parameter, resolving each
// inner value against its wrapper. Unparseable input is returned as-is.
func UnwrapDepth(raw string, depth int) string {
	cur, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	for i := 0; i < depth; i++ {
		inner := cur.Query().Get("url")
		if inner == "" {
			break
		}
		next, err := cur.Parse(inner)
		if err != nil {
			break
		}
		cur = next
	}
	return cur.String()
}

// Absolutize resolves a possibly-relative reference against a base URL.
// References that fail to parse come back unchanged.
func Absolutize(base *url.URL, raw string) string {
	if base == nil {
		return raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return base.ResolveReference(ref).String()
}
