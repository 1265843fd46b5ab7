package openapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/BaSui01/mcpbridge/internal/metrics"
	"github.com/BaSui01/mcpbridge/internal/pool"
	"github.com/BaSui01/mcpbridge/internal/telemetry"
	"github.com/BaSui01/mcpbridge/internal/tlsutil"
	"github.com/BaSui01/mcpbridge/types"
)

// InvokerConfig configures upstream calls.
type InvokerConfig struct {
	BaseURL          string
	Timeout          time.Duration
	MaxResponseBytes int64
	UserAgent        string
}

// Invoker turns a descriptor plus arguments into one upstream HTTP request.
// It never retries.
type Invoker struct {
	config     InvokerConfig
	baseURL    string
	httpClient *http.Client
	metrics    *metrics.Collector
	logger     *zap.Logger
}

// NewInvoker creates an Invoker. A nil client selects the hardened default
// transport; per-call deadlines come from config.Timeout, not the client.
func NewInvoker(config InvokerConfig, client *http.Client, m *metrics.Collector, logger *zap.Logger) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = tlsutil.SecureHTTPClient(0)
	}
	if config.MaxResponseBytes <= 0 {
		config.MaxResponseBytes = 10 << 20
	}
	if config.UserAgent == "" {
		config.UserAgent = "mcpbridge/" + telemetry.BuildVersion()
	}
	return &Invoker{
		config:     config,
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: client,
		metrics:    m,
		logger:     logger.With(zap.String("component", "tool_invoker")),
	}
}

// BaseURL returns the upstream base URL without a trailing slash.
func (i *Invoker) BaseURL() string {
	return i.baseURL
}

// ToolResult is a decoded 2xx upstream response.
type ToolResult struct {
	Status      int
	ContentType string
	// Body is the decoded JSON value (numbers as json.Number), the raw text,
	// or nil for an empty body.
	Body      any
	IsJSON    bool
	Truncated bool
}

// Text renders the body for a text content block.
func (r *ToolResult) Text() string {
	if r == nil || r.Body == nil {
		return ""
	}
	if s, ok := r.Body.(string); ok && !r.IsJSON {
		return s
	}
	return renderJSON(r.Body)
}

// UpstreamFailure is attached as Data to upstream-class errors.
type UpstreamFailure struct {
	Kind   string `json:"kind"`
	Status int    `json:"status,omitempty"`
	Body   any    `json:"body,omitempty"`
}

// Call performs the upstream request for d. Failures are *types.Error values:
// ErrInvalidParams when the arguments cannot form a request (nothing is sent),
// otherwise one of ErrUpstreamHTTP, ErrUpstreamTimeout, ErrUpstreamUnreachable
// with an UpstreamFailure in Data.
func (i *Invoker) Call(ctx context.Context, d *ToolDescriptor, args map[string]any, rc types.RequestContext) (*ToolResult, error) {
	start := time.Now()
	ctx, span := telemetry.StartToolSpan(ctx, d.Name, d.Method, d.PathTemplate)
	defer span.End()

	result, err := i.call(ctx, d, args, rc)

	outcome := "success"
	if err != nil {
		outcome = types.GetErrorCode(err).Kind()
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	} else {
		span.SetAttributes(attribute.Int("http.response.status_code", result.Status))
	}
	i.metrics.RecordToolCall(d.Name, outcome, time.Since(start))
	return result, err
}

func (i *Invoker) call(ctx context.Context, d *ToolDescriptor, args map[string]any, rc types.RequestContext) (*ToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	if i.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.config.Timeout)
		defer cancel()
	}

	req, err := i.buildRequest(ctx, d, args, rc)
	if err != nil {
		return nil, err
	}

	i.logger.Debug("calling upstream",
		zap.String("tool", d.Name),
		zap.String("method", req.Method),
		zap.String("url", req.URL.Redacted()),
		zap.Strings("forwarded_headers", rc.HeaderNames()),
	)

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return nil, i.classifyTransportError(ctx, d, err)
	}
	defer resp.Body.Close()
	i.metrics.RecordUpstreamStatus(resp.StatusCode)

	data, truncated, err := readLimited(resp.Body, i.config.MaxResponseBytes)
	if err != nil {
		return nil, i.classifyTransportError(ctx, d, err)
	}
	if truncated {
		i.logger.Warn("upstream response truncated",
			zap.String("tool", d.Name),
			zap.Int64("limit", i.config.MaxResponseBytes),
		)
	}

	ct := resp.Header.Get("Content-Type")
	body, isJSON := decodeBody(ct, data)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		i.logger.Warn("upstream returned error status",
			zap.String("tool", d.Name),
			zap.Int("status", resp.StatusCode),
		)
		return nil, types.Errorf(types.ErrUpstreamHTTP, "upstream returned HTTP %d", resp.StatusCode).
			WithHTTPStatus(resp.StatusCode).
			WithRetryable(resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests).
			WithData(UpstreamFailure{
				Kind:   types.ErrUpstreamHTTP.Kind(),
				Status: resp.StatusCode,
				Body:   body,
			})
	}

	return &ToolResult{
		Status:      resp.StatusCode,
		ContentType: ct,
		Body:        body,
		IsJSON:      isJSON,
		Truncated:   truncated,
	}, nil
}

func (i *Invoker) classifyTransportError(ctx context.Context, d *ToolDescriptor, err error) error {
	code := types.ErrUpstreamUnreachable
	msg := "upstream unreachable"
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		code = types.ErrUpstreamTimeout
		msg = fmt.Sprintf("upstream did not respond within %s", i.config.Timeout)
	}
	i.logger.Warn("upstream call failed",
		zap.String("tool", d.Name),
		zap.String("kind", code.Kind()),
		zap.Error(err),
	)
	return types.NewError(code, msg).
		WithCause(err).
		WithRetryable(true).
		WithData(UpstreamFailure{Kind: code.Kind()})
}

func (i *Invoker) buildRequest(ctx context.Context, d *ToolDescriptor, args map[string]any, rc types.RequestContext) (*http.Request, error) {
	path, err := resolvePath(d, args)
	if err != nil {
		return nil, err
	}

	target := i.baseURL + path
	if q := buildQuery(d, args, rc); len(q) > 0 {
		target += "?" + q.Encode()
	}

	var (
		body        io.Reader
		contentType string
	)
	if !IsGetLike(d.Method) {
		payload, ct, err := buildBody(d, args)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			body = bytes.NewReader(payload)
			contentType = ct
		}
	}

	req, err := http.NewRequestWithContext(ctx, d.Method, target, body)
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidParams, "cannot build upstream request: %v", err).WithCause(err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", i.config.UserAgent)
	for name, vals := range rc.Headers() {
		for _, v := range vals {
			req.Header.Add(name, v)
		}
	}
	for _, arg := range d.ArgumentsIn(InHeader) {
		v, ok := args[arg]
		if !ok || v == nil {
			continue
		}
		req.Header.Set(d.Bindings[arg].Name, formatValue(v))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	telemetry.InjectHeaders(ctx, req.Header)
	return req, nil
}

var placeholderRe = regexp.MustCompile(`\{([^{}]+)\}`)

// resolvePath substitutes every {name} placeholder. Values are path-escaped so
// a single argument can never add path segments.
func resolvePath(d *ToolDescriptor, args map[string]any) (string, error) {
	byWire := make(map[string]string)
	for arg, b := range d.Bindings {
		if b.In == InPath {
			byWire[b.Name] = arg
		}
	}

	var missing []string
	path := placeholderRe.ReplaceAllStringFunc(d.PathTemplate, func(m string) string {
		name := m[1 : len(m)-1]
		arg, ok := byWire[name]
		if !ok {
			arg = name
		}
		v, ok := args[arg]
		if !ok || v == nil {
			missing = append(missing, name)
			return m
		}
		s := formatValue(v)
		if s == "" {
			missing = append(missing, name)
			return m
		}
		return url.PathEscape(s)
	})
	if len(missing) > 0 {
		return "", types.Errorf(types.ErrInvalidParams, "unresolved path parameters: %s", strings.Join(missing, ", ")).
			WithData(map[string]any{"missing": missing})
	}
	return path, nil
}

func buildQuery(d *ToolDescriptor, args map[string]any, rc types.RequestContext) url.Values {
	q := rc.Query()
	for _, arg := range d.ArgumentsIn(InQuery) {
		v, ok := args[arg]
		if !ok || v == nil {
			continue
		}
		name := d.Bindings[arg].Name
		q.Del(name)
		if list, ok := v.([]any); ok {
			for _, item := range list {
				q.Add(name, formatValue(item))
			}
			continue
		}
		q.Add(name, formatValue(v))
	}
	return q
}

func buildBody(d *ToolDescriptor, args map[string]any) ([]byte, string, error) {
	var (
		payload any
		fields  = make(map[string]any)
	)
	for _, arg := range d.ArgumentsIn(InBody) {
		v, ok := args[arg]
		if !ok {
			continue
		}
		b := d.Bindings[arg]
		if b.WholeBody {
			payload = v
			break
		}
		fields[b.Name] = v
	}
	if payload == nil && len(fields) > 0 {
		payload = fields
	}
	if payload == nil {
		return nil, "", nil
	}

	if strings.HasPrefix(strings.ToLower(d.BodyContentType), "application/x-www-form-urlencoded") {
		if obj, ok := payload.(map[string]any); ok {
			form := make(url.Values, len(obj))
			keys := make([]string, 0, len(obj))
			for k := range obj {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				form.Set(k, formatValue(obj[k]))
			}
			return []byte(form.Encode()), "application/x-www-form-urlencoded", nil
		}
	}

	data, err := pool.EncodeJSON(payload)
	if err != nil {
		return nil, "", types.Errorf(types.ErrInvalidParams, "request body is not JSON encodable: %v", err).WithCause(err)
	}
	ct := "application/json"
	if isJSONContentType(d.BodyContentType) {
		ct = d.BodyContentType
	}
	return data, ct, nil
}

// formatValue renders an argument for a path, query or header slot. Numbers
// never use exponent notation; composite values are JSON encoded.
func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	}
	data, err := pool.EncodeJSON(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func readLimited(r io.Reader, limit int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

// decodeBody decodes JSON bodies (numbers preserved) and falls back to text.
func decodeBody(contentType string, data []byte) (any, bool) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, false
	}
	if isJSONContentType(contentType) {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err == nil && !dec.More() {
			return v, true
		}
	}
	return string(data), false
}

func renderJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimRight(buf.String(), "\n")
}
