package router

import (
	"sort"
	"strings"
)

// Route is the result of resolving a client path: the owning service, its
// base URL and the upstream endpoint. The endpoint keeps the selector
// segment because upstreams expect /courses/{id}, not /{id}.
type Route struct {
	Service  string
	BaseURL  string
	Endpoint string
}

// Table maps client-facing path selectors to services. The table is built
// once from configuration and is read-only afterwards.
type Table struct {
	selectors map[string]string
	baseURLs  map[string]string
	sorted    []string
}

// New builds a routing table from the selector and base URL maps. Selectors
// whose target service has no base URL are rejected at construction so a
// misconfigured alias fails at startup rather than per request.
func New(selectors, baseURLs map[string]string) (*Table, error) {
	t := &Table{
		selectors: make(map[string]string, len(selectors)),
		baseURLs:  make(map[string]string, len(baseURLs)),
	}
	for svc, base := range baseURLs {
		t.baseURLs[svc] = strings.TrimRight(base, "/")
	}
	for sel, svc := range selectors {
		if _, ok := t.baseURLs[svc]; !ok {
			return nil, &UnknownServiceError{Selector: sel, Service: svc}
		}
		t.selectors[sel] = svc
		t.sorted = append(t.sorted, sel)
	}
	sort.Strings(t.sorted)
	return t, nil
}

// UnknownServiceError reports a selector pointing at a service that has no
// configured base URL.
type UnknownServiceError struct {
	Selector string
	Service  string
}

func (e *UnknownServiceError) Error() string {
	return "router: selector " + e.Selector + " maps to unknown service " + e.Service
}

// Resolve maps a request path to its route. A leading api/ segment is
// stripped, the first remaining segment is matched exactly against the
// selector table, and the endpoint spans from that segment to the end of
// the path. Resolve reports ok=false on an unrecognized selector.
func (t *Table) Resolve(path string) (Route, bool) {
	trimmed := strings.Trim(path, "/")
	if strings.HasPrefix(trimmed, "api/") {
		trimmed = strings.TrimPrefix(trimmed, "api/")
	} else if trimmed == "api" {
		trimmed = ""
	}
	if trimmed == "" {
		return Route{}, false
	}

	selector := trimmed
	if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
		selector = trimmed[:idx]
	}

	svc, ok := t.selectors[selector]
	if !ok {
		return Route{}, false
	}

	return Route{
		Service:  svc,
		BaseURL:  t.baseURLs[svc],
		Endpoint: "/" + trimmed,
	}, true
}

// Selectors returns the recognized selectors in sorted order, used for the
// hint included with 400 and 404 responses.
func (t *Table) Selectors() []string {
	out := make([]string, len(t.sorted))
	copy(out, t.sorted)
	return out
}

// BaseURL returns the configured base URL for a service name.
func (t *Table) BaseURL(service string) (string, bool) {
	base, ok := t.baseURLs[service]
	return base, ok
}

// Services returns the distinct service names in sorted order.
func (t *Table) Services() []string {
	seen := make(map[string]struct{}, len(t.baseURLs))
	var out []string
	for svc := range t.baseURLs {
		if _, dup := seen[svc]; !dup {
			seen[svc] = struct{}{}
			out = append(out, svc)
		}
	}
	sort.Strings(out)
	return out
}
