package openapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/mcpbridge/internal/tlsutil"
	"github.com/BaSui01/mcpbridge/types"
)

// maxSpecBytes bounds documents fetched over HTTP.
const maxSpecBytes = 32 << 20

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	// Strict runs the full OpenAPI validator after loading.
	Strict bool
	// AllowExternalRefs permits $ref targets outside the document.
	AllowExternalRefs bool
	// FetchTimeout bounds fetching a document from a URL.
	FetchTimeout time.Duration
}

// Loader reads OpenAPI 3.x documents from files or URLs.
type Loader struct {
	config     LoaderConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewLoader creates a Loader.
func NewLoader(config LoaderConfig, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := config.FetchTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Loader{
		config:     config,
		httpClient: tlsutil.SecureHTTPClient(timeout),
		logger:     logger.With(zap.String("component", "openapi_loader")),
	}
}

// Load reads the document at source, which is a local path or an http(s) URL.
// Malformed syntax yields an ErrSpecParse error; missing required structure
// yields ErrSpecValidation.
func (l *Loader) Load(ctx context.Context, source string) (*Spec, error) {
	var (
		data []byte
		err  error
	)
	if isURL(source) {
		data, err = l.fetchFromURL(ctx, source)
	} else {
		data, err = os.ReadFile(source)
	}
	if err != nil {
		return nil, types.Errorf(types.ErrSpecParse, "cannot read OpenAPI document %q", source).WithCause(err)
	}
	return l.LoadData(ctx, data, source)
}

// LoadData parses an in-memory document. source is only used for messages.
func (l *Loader) LoadData(ctx context.Context, data []byte, source string) (*Spec, error) {
	order, err := declaredOperations(data)
	if err != nil {
		return nil, err
	}

	kl := openapi3.NewLoader()
	kl.Context = ctx
	kl.IsExternalRefsAllowed = l.config.AllowExternalRefs
	doc, err := kl.LoadFromData(data)
	if err != nil {
		return nil, types.NewError(types.ErrSpecValidation, "cannot resolve OpenAPI document").WithCause(err)
	}
	if l.config.Strict {
		if err := doc.Validate(ctx); err != nil {
			return nil, types.NewError(types.ErrSpecValidation, "OpenAPI document failed validation").WithCause(err)
		}
	}

	spec := &Spec{Source: source, doc: doc}
	if doc.Info != nil {
		spec.Title = doc.Info.Title
		spec.Version = doc.Info.Version
	}
	for _, s := range doc.Servers {
		if s != nil && s.URL != "" {
			spec.Servers = append(spec.Servers, s.URL)
		}
	}

	for _, ref := range order {
		op, err := buildOperation(doc, ref)
		if err != nil {
			return nil, err
		}
		spec.Operations = append(spec.Operations, op)
	}

	l.logger.Info("loaded OpenAPI spec",
		zap.String("source", source),
		zap.String("title", spec.Title),
		zap.String("version", spec.Version),
		zap.Int("operations", len(spec.Operations)),
	)
	return spec, nil
}

func (l *Loader) fetchFromURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxSpecBytes))
}

func isURL(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

type operationRef struct {
	path   string
	method string
}

// declaredOperations walks the raw YAML tree (JSON is a subset) to recover the
// declaration order of paths and methods, which the decoded document loses.
func declaredOperations(data []byte) ([]operationRef, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, types.NewError(types.ErrSpecParse, "malformed OpenAPI document").WithCause(err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, types.NewError(types.ErrSpecParse, "empty OpenAPI document")
	}
	top := root.Content[0]
	if top.Kind != yaml.MappingNode {
		return nil, types.NewError(types.ErrSpecValidation, "OpenAPI document root must be a mapping")
	}
	if mappingValue(top, "swagger") != nil {
		return nil, types.NewError(types.ErrSpecValidation, "Swagger 2.0 documents are not supported; convert to OpenAPI 3")
	}

	paths := mappingValue(top, "paths")
	if paths == nil {
		return nil, types.NewError(types.ErrSpecValidation, "missing required field: paths")
	}
	if paths.Kind != yaml.MappingNode {
		return nil, types.NewError(types.ErrSpecValidation, "field paths must be a mapping")
	}

	var refs []operationRef
	for i := 0; i+1 < len(paths.Content); i += 2 {
		path := paths.Content[i].Value
		item := paths.Content[i+1]
		if strings.HasPrefix(path, "x-") {
			continue
		}
		if !strings.HasPrefix(path, "/") {
			return nil, types.Errorf(types.ErrSpecValidation, "path %q must begin with /", path)
		}
		if item.Kind != yaml.MappingNode {
			return nil, types.Errorf(types.ErrSpecValidation, "path item %q must be a mapping", path)
		}
		// 引用式 path item 没有可读的方法声明顺序，静默跳过会让工具数少于操作数
		if mappingValue(item, "$ref") != nil {
			return nil, types.Errorf(types.ErrSpecValidation, "path item %q: $ref path items are not supported, inline the operations", path)
		}
		for j := 0; j+1 < len(item.Content); j += 2 {
			method, ok := supportedMethods[strings.ToLower(item.Content[j].Value)]
			if !ok {
				continue
			}
			op := item.Content[j+1]
			if op.Kind != yaml.MappingNode {
				return nil, types.Errorf(types.ErrSpecValidation, "operation %s %s must be a mapping", method, path)
			}
			if mappingValue(op, "responses") == nil {
				return nil, types.Errorf(types.ErrSpecValidation, "operation %s %s: missing required field: responses", method, path)
			}
			refs = append(refs, operationRef{path: path, method: method})
		}
	}
	return refs, nil
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

func buildOperation(doc *openapi3.T, ref operationRef) (*Operation, error) {
	item := doc.Paths.Value(ref.path)
	if item == nil {
		return nil, types.Errorf(types.ErrSpecValidation, "path %q could not be resolved", ref.path)
	}
	kop := item.GetOperation(ref.method)
	if kop == nil {
		return nil, types.Errorf(types.ErrSpecValidation, "operation %s %s could not be resolved", ref.method, ref.path)
	}

	op := &Operation{
		Method:      ref.method,
		Path:        ref.path,
		OperationID: kop.OperationID,
		Summary:     kop.Summary,
		Description: kop.Description,
		Tags:        append([]string(nil), kop.Tags...),
	}

	params, err := mergeParameters(item.Parameters, kop.Parameters)
	if err != nil {
		return nil, types.Errorf(types.ErrSpecValidation, "operation %s %s: %v", ref.method, ref.path, err)
	}
	op.Parameters = params

	if kop.RequestBody != nil {
		rb := kop.RequestBody.Value
		if rb == nil {
			return nil, types.Errorf(types.ErrSpecValidation, "operation %s %s: unresolved request body", ref.method, ref.path)
		}
		body := &RequestBody{Required: rb.Required, Description: rb.Description}
		if ct, mt := pickMediaType(rb.Content); mt != nil {
			body.ContentType = ct
			body.Schema = mt.Schema
		}
		op.RequestBody = body
	}
	return op, nil
}

// mergeParameters 合并 path item 级参数与 operation 级参数，(name, in) 相同时以 operation 为准
func mergeParameters(pathLevel, opLevel openapi3.Parameters) ([]*Parameter, error) {
	var out []*Parameter
	index := make(map[string]int)
	add := func(refs openapi3.Parameters) error {
		for _, pr := range refs {
			if pr == nil || pr.Value == nil {
				return fmt.Errorf("unresolved parameter reference")
			}
			p := convertParameter(pr.Value)
			key := p.In + "\x00" + p.Name
			if i, ok := index[key]; ok {
				out[i] = p
				continue
			}
			index[key] = len(out)
			out = append(out, p)
		}
		return nil
	}
	if err := add(pathLevel); err != nil {
		return nil, err
	}
	if err := add(opLevel); err != nil {
		return nil, err
	}
	return out, nil
}

func convertParameter(kp *openapi3.Parameter) *Parameter {
	p := &Parameter{
		Name:        kp.Name,
		In:          kp.In,
		Required:    kp.Required || kp.In == openapi3.ParameterInPath,
		Description: kp.Description,
		Schema:      kp.Schema,
	}
	if p.Schema == nil {
		if _, mt := pickMediaType(kp.Content); mt != nil {
			p.Schema = mt.Schema
		}
	}
	return p
}

// pickMediaType prefers application/json, then any JSON-flavoured type, then
// the first media type in sorted order.
func pickMediaType(content openapi3.Content) (string, *openapi3.MediaType) {
	if len(content) == 0 {
		return "", nil
	}
	if mt, ok := content["application/json"]; ok && mt != nil {
		return "application/json", mt
	}
	keys := make([]string, 0, len(content))
	for k := range content {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if isJSONContentType(k) && content[k] != nil {
			return k, content[k]
		}
	}
	for _, k := range keys {
		if content[k] != nil {
			return k, content[k]
		}
	}
	return "", nil
}

func isJSONContentType(ct string) bool {
	ct = strings.ToLower(ct)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.TrimSpace(ct)
	return ct == "application/json" || strings.HasSuffix(ct, "+json")
}
