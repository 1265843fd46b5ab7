package types

import (
	"net/http"
	"net/url"
	"sort"
)

// RequestContext is the caller-supplied subset of inbound headers and query
// parameters captured when a session opens or a stateless call arrives.
// The zero value is an empty context. Accessors return copies, so a captured
// RequestContext never changes.
type RequestContext struct {
	headers http.Header
	query   url.Values
}

// NewRequestContext snapshots the given headers and query parameters.
func NewRequestContext(headers http.Header, query url.Values) RequestContext {
	return RequestContext{
		headers: headers.Clone(),
		query:   cloneValues(query),
	}
}

// CaptureRequestContext keeps only the allow-listed header and query names
// from r. Header names are matched case-insensitively.
func CaptureRequestContext(r *http.Request, headerNames, queryNames []string) RequestContext {
	headers := make(http.Header)
	for _, name := range headerNames {
		if vals := r.Header.Values(name); len(vals) > 0 {
			headers[http.CanonicalHeaderKey(name)] = append([]string(nil), vals...)
		}
	}
	query := make(url.Values)
	in := r.URL.Query()
	for _, name := range queryNames {
		if vals, ok := in[name]; ok {
			query[name] = append([]string(nil), vals...)
		}
	}
	return RequestContext{headers: headers, query: query}
}

// Header returns the first value of the named header.
func (rc RequestContext) Header(name string) string {
	return rc.headers.Get(name)
}

// Headers returns a copy of the captured headers.
func (rc RequestContext) Headers() http.Header {
	if rc.headers == nil {
		return make(http.Header)
	}
	return rc.headers.Clone()
}

// Query returns a copy of the captured query parameters.
func (rc RequestContext) Query() url.Values {
	return cloneValues(rc.query)
}

// HeaderNames lists captured header names in sorted order. Values are
// deliberately not exposed here so the result is safe to log.
func (rc RequestContext) HeaderNames() []string {
	names := make([]string, 0, len(rc.headers))
	for k := range rc.headers {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
