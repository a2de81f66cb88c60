// Package route compiles `:name` path patterns to anchored regexes and
// matches incoming requests against a list of endpoints in registration
// order (first match wins), plus the admin-path slug codec used to
// embed an arbitrary URL path inside a single path segment.
package route

import (
	"regexp"
	"strings"
)

var segmentPattern = regexp.MustCompile(`:([A-Za-z_][A-Za-z0-9_]*)`)

// Pattern is a compiled `:name` route pattern.
type Pattern struct {
	Raw    string
	names  []string
	regex  *regexp.Regexp
}

// Compile turns "/users/:id/orders/:oid" into an anchored regex capturing
// one non-slash segment per `:name`.
func Compile(raw string) *Pattern {
	var names []string
	exprParts := make([]string, 0)
	last := 0
	for _, loc := range segmentPattern.FindAllStringSubmatchIndex(raw, -1) {
		exprParts = append(exprParts, regexp.QuoteMeta(raw[last:loc[0]]))
		name := raw[loc[2]:loc[3]]
		names = append(names, name)
		exprParts = append(exprParts, `([^/]+)`)
		last = loc[1]
	}
	exprParts = append(exprParts, regexp.QuoteMeta(raw[last:]))
	expr := "^" + strings.Join(exprParts, "") + "$"
	return &Pattern{Raw: raw, names: names, regex: regexp.MustCompile(expr)}
}

// Match attempts to match path, returning the captured `:name` values and
// whether the pattern matched. The returned map contains exactly the
// `:name` parameters declared in the pattern and nothing else.
func (p *Pattern) Match(path string) (map[string]string, bool) {
	m := p.regex.FindStringSubmatch(path)
	if m == nil {
		return nil, false
	}
	captures := make(map[string]string, len(p.names))
	for i, name := range p.names {
		captures[name] = m[i+1]
	}
	return captures, true
}

// Matcher holds endpoints in registration order and finds the first
// pattern matching an incoming request.
type Matcher[T any] struct {
	entries []matchEntry[T]
}

type matchEntry[T any] struct {
	pattern *Pattern
	methods map[string]bool
	value   T
}

// NewMatcher creates an empty matcher.
func NewMatcher[T any]() *Matcher[T] {
	return &Matcher[T]{}
}

// Register appends a route in registration order.
func (m *Matcher[T]) Register(urlPath string, methods []string, value T) {
	methodSet := make(map[string]bool, len(methods))
	for _, meth := range methods {
		methodSet[strings.ToUpper(meth)] = true
	}
	m.entries = append(m.entries, matchEntry[T]{pattern: Compile(urlPath), methods: methodSet, value: value})
}

// MatchResult is returned by Match.
type MatchResult[T any] struct {
	Value    T
	Params   map[string]string
	Found    bool
	MethodOK bool
}

// Match finds the first registered pattern matching path, in
// registration order. If a pattern matches the path but not the method,
// MethodOK is false and the caller should respond 405 rather than 404
// (unless a later entry matches both).
func (m *Matcher[T]) Match(path, method string) MatchResult[T] {
	var pathMatched bool
	for _, e := range m.entries {
		params, ok := e.pattern.Match(path)
		if !ok {
			continue
		}
		pathMatched = true
		if len(e.methods) == 0 || e.methods[strings.ToUpper(method)] {
			return MatchResult[T]{Value: e.value, Params: params, Found: true, MethodOK: true}
		}
	}
	return MatchResult[T]{Found: pathMatched, MethodOK: false}
}

const (
	slashReplacement = "-slash-"
	emptyReplacement = "empty"
)

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]+`)
var multiHyphen = regexp.MustCompile(`-+`)

// PathToSlug converts a URL path to a reversible URL-safe slug for use
// in admin path segments: "/" -> "-slash-", "" -> "empty", every other
// run of non-alphanumeric characters collapses to a single "-", with
// leading/trailing hyphens trimmed.
func PathToSlug(path string) string {
	if path == "" {
		return emptyReplacement
	}
	slug := strings.ReplaceAll(path, "/", slashReplacement)
	slug = nonAlnum.ReplaceAllString(slug, "-")
	slug = multiHyphen.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return emptyReplacement
	}
	return slug
}

// SlugToPath inverts PathToSlug, restoring the leading and trailing
// slashes whose hyphens PathToSlug trimmed. Characters that PathToSlug
// collapsed to "-", and runs of adjacent slashes, are not restored.
func SlugToPath(slug string) string {
	if slug == emptyReplacement {
		return ""
	}
	edge := strings.Trim(slashReplacement, "-")
	if slug == edge {
		return "/"
	}
	if strings.HasPrefix(slug, edge+"-") {
		slug = "-" + slug
	}
	if strings.HasSuffix(slug, "-"+edge) {
		slug += "-"
	}
	return strings.ReplaceAll(slug, slashReplacement, "/")
}
