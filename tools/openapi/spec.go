package openapi

import (
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// Spec is a loaded and structurally validated OpenAPI document.
// Operations are kept in path declaration order, and in method declaration
// order within each path item.
type Spec struct {
	Source     string
	Title      string
	Version    string
	Servers    []string
	Operations []*Operation

	doc *openapi3.T
}

// Document returns the underlying kin-openapi document.
func (s *Spec) Document() *openapi3.T {
	return s.doc
}

// DefaultServerURL returns the first declared server URL without a trailing
// slash, or "" when the document declares none.
func (s *Spec) DefaultServerURL() string {
	if len(s.Servers) == 0 {
		return ""
	}
	return strings.TrimRight(s.Servers[0], "/")
}

// Operation is one documented method+path combination.
type Operation struct {
	Method      string // upper case, e.g. "GET"
	Path        string
	OperationID string
	Summary     string
	Description string
	Tags        []string
	Parameters  []*Parameter
	RequestBody *RequestBody
}

// Parameter is a resolved operation parameter.
type Parameter struct {
	Name        string
	In          string // path, query, header, cookie
	Required    bool
	Description string
	Schema      *openapi3.SchemaRef
}

// RequestBody is the resolved request body of an operation.
type RequestBody struct {
	Required    bool
	Description string
	ContentType string
	Schema      *openapi3.SchemaRef
}

// supportedMethods 按 OpenAPI 3 定义的 path item 操作字段
var supportedMethods = map[string]string{
	"get":     http.MethodGet,
	"put":     http.MethodPut,
	"post":    http.MethodPost,
	"delete":  http.MethodDelete,
	"options": http.MethodOptions,
	"head":    http.MethodHead,
	"patch":   http.MethodPatch,
	"trace":   http.MethodTrace,
}

// IsGetLike reports whether requests with this method never carry a body.
func IsGetLike(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}
