package mcp

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/mcpbridge/internal/metrics"
	"github.com/BaSui01/mcpbridge/tools/openapi"
	"github.com/BaSui01/mcpbridge/types"
)

const productsDoc = `
openapi: 3.0.3
info:
  title: Online Boutique Products
  version: 1.0.0
servers:
  - url: https://shop.example.com/api
paths:
  /products:
    get:
      operationId: GetProducts
      summary: List all products
      responses:
        "200": {description: ok}
  /products/{productId}:
    get:
      operationId: GetProductDetails
      summary: Get a single product
      parameters:
        - name: productId
          in: path
          required: true
          schema: {type: string}
      responses:
        "200": {description: ok}
`

func productsCatalog(t *testing.T) *openapi.Catalog {
	t.Helper()
	loader := openapi.NewLoader(openapi.LoaderConfig{}, zaptest.NewLogger(t))
	spec, err := loader.LoadData(context.Background(), []byte(productsDoc), "products.yaml")
	require.NoError(t, err)
	tools, err := openapi.Synthesize(spec, openapi.SynthesizeOptions{})
	require.NoError(t, err)
	catalog, err := openapi.NewCatalog(tools)
	require.NoError(t, err)
	return catalog
}

type toolCall struct {
	Tool string
	Args map[string]any
	RC   types.RequestContext
}

// fakeCaller records calls and answers with fn (or an empty JSON object).
type fakeCaller struct {
	mu    sync.Mutex
	calls []toolCall
	fn    func(ctx context.Context, d *openapi.ToolDescriptor, args map[string]any) (*openapi.ToolResult, error)
}

func (f *fakeCaller) Call(ctx context.Context, d *openapi.ToolDescriptor, args map[string]any, rc types.RequestContext) (*openapi.ToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, toolCall{Tool: d.Name, Args: args, RC: rc})
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, d, args)
	}
	return &openapi.ToolResult{Status: 200, Body: map[string]any{}, IsJSON: true}, nil
}

func (f *fakeCaller) Calls() []toolCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]toolCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type testEnv struct {
	dispatcher *Dispatcher
	caller     *fakeCaller
	registry   *prometheus.Registry
	metrics    *metrics.Collector
}

func newTestEnv(t *testing.T, cfg DispatcherConfig) *testEnv {
	t.Helper()
	reg := prometheus.NewRegistry()
	logger := zaptest.NewLogger(t)
	m := metrics.NewCollector("mcpbridge", reg, logger)
	caller := &fakeCaller{}
	if cfg.ServerName == "" {
		cfg.ServerName = "Online Boutique Products"
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "test"
	}
	return &testEnv{
		dispatcher: NewDispatcher(productsCatalog(t), caller, cfg, m, logger),
		caller:     caller,
		registry:   reg,
		metrics:    m,
	}
}

// metricValue sums the counter or gauge samples of name whose labels include want.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			match := true
			for k, v := range want {
				if labels[k] != v {
					match = false
					break
				}
			}
			if !match {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			}
		}
	}
	return total
}
