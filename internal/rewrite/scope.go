package rewrite

import (
	"regexp"
	"strings"

	dcss "github.com/aymerick/douceur/css"
	"github.com/aymerick/douceur/parser"
)

var (
	keyframesName = regexp.MustCompile(`(?i)^@(-\w+-)?keyframes$`)

	// A selector "targets the root" when html or body appears as a bare
	// element (not as part of a class or id name).
	rootElement = regexp.MustCompile(`(?i)(^|[\s>+~,])(html|body)($|[\s>+~:.#\[])`)
)

// Scope confines a stylesheet to one tenant's subtree. Selectors that
// target the document root (html, body, :root) are replaced by
// :where(<selector>) so their declarations land on the tenant container;
// every other selector is prefixed with it. :where keeps specificity at
// zero so the page's own cascade order survives. Rules inside @keyframes
// and rules without selectors pass through untouched; @media and
// @supports blocks are scoped recursively.
func Scope(cssText, selector string) (string, error) {
	sheet, err := parser.Parse(cssText)
	if err != nil {
		return "", err
	}

	scope := ":where(" + selector + ")"
	out := make([]string, 0, len(sheet.Rules))
	for _, r := range sheet.Rules {
		if s := scopeRule(r, scope); s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "\n"), nil
}

func scopeRule(r *dcss.Rule, scope string) string {
	if r.Kind == dcss.AtRule {
		return scopeAtRule(r, scope)
	}
	if len(r.Selectors) == 0 {
		return ""
	}

	seen := make(map[string]struct{}, len(r.Selectors))
	mapped := make([]string, 0, len(r.Selectors))
	for _, sel := range r.Selectors {
		sel = strings.TrimSpace(sel)
		var scoped string
		if targetsRoot(sel) {
			scoped = scope
		} else {
			scoped = scope + " " + sel
		}
		if _, dup := seen[scoped]; dup {
			continue
		}
		seen[scoped] = struct{}{}
		mapped = append(mapped, scoped)
	}
	return strings.Join(mapped, ",") + "{" + serializeDeclarations(r.Declarations) + "}"
}

func scopeAtRule(r *dcss.Rule, scope string) string {
	head := r.Name
	if prelude := strings.TrimSpace(r.Prelude); prelude != "" {
		head += " " + prelude
	}

	switch {
	case keyframesName.MatchString(r.Name):
		inner := make([]string, 0, len(r.Rules))
		for _, kr := range r.Rules {
			inner = append(inner, strings.Join(kr.Selectors, ",")+"{"+serializeDeclarations(kr.Declarations)+"}")
		}
		return head + "{" + strings.Join(inner, "\n") + "}"

	case r.EmbedsRules():
		inner := make([]string, 0, len(r.Rules))
		for _, er := range r.Rules {
			if s := scopeRule(er, scope); s != "" {
				inner = append(inner, s)
			}
		}
		return head + "{" + strings.Join(inner, "\n") + "}"

	case len(r.Declarations) > 0:
		// @font-face, @page and friends: no selectors to scope.
		return head + "{" + serializeDeclarations(r.Declarations) + "}"

	default:
		// @import, @charset, @namespace.
		return head + ";"
	}
}

func serializeDeclarations(decls []*dcss.Declaration) string {
	parts := make([]string, 0, len(decls))
	for _, d := range decls {
		s := d.Property + ":" + d.Value
		if d.Important {
			s += " !important"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ";")
}

func targetsRoot(sel string) bool {
	if strings.Contains(strings.ToLower(sel), ":root") {
		return true
	}
	return rootElement.MatchString(sel)
}
