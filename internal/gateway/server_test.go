package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgast/missionctl/internal/gateway"
	"github.com/cgast/missionctl/pkg/checkpoint"
	"github.com/cgast/missionctl/pkg/events"
	"github.com/cgast/missionctl/pkg/fakeshop"
	"github.com/cgast/missionctl/pkg/pipeline"
	"github.com/cgast/missionctl/pkg/retry"
	"github.com/cgast/missionctl/pkg/stage"
	"github.com/cgast/missionctl/pkg/tool"
)

type fixture struct {
	shop *fakeshop.Backend
	bus  *events.MemoryBus
	idem *gateway.MemoryIdempotencyStore
	srv  *httptest.Server
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func toolInfos(shop *fakeshop.Backend) []gateway.ToolInfo {
	var infos []gateway.ToolInfo
	for _, t := range shop.Registry().List("") {
		infos = append(infos, gateway.ToolInfo{
			Name:        t.Name,
			Namespace:   t.Namespace(),
			Description: t.Description,
			Mutating:    t.Mutating,
		})
	}
	return infos
}

func newFixture(t *testing.T, limiter gateway.Limiter) *fixture {
	t.Helper()
	c, err := fakeshop.DefaultCatalog()
	require.NoError(t, err)
	f := &fixture{
		shop: fakeshop.New(c, fakeshop.WithLogger(quietLogger())),
		bus:  events.NewMemoryBus(),
		idem: gateway.NewMemoryIdempotencyStore(nil),
	}
	s, err := gateway.New(gateway.Config{
		Backend:     f.shop,
		Tools:       toolInfos(f.shop),
		Idempotency: f.idem,
		Limiter:     limiter,
		Bus:         f.bus,
		Logger:      quietLogger(),
	})
	require.NoError(t, err)
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) post(t *testing.T, path string, req tool.Request) (int, tool.Response, http.Header) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var env tool.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env, resp.Header
}

func envelope(name string, params map[string]any, key string) tool.Request {
	return tool.Request{
		RequestID:      "req_1",
		ToolName:       name,
		Params:         params,
		IdempotencyKey: key,
		Actor:          tool.Actor{Type: "agent", ID: "missionctl"},
		UserID:         "user_1",
	}
}

func TestNewRequiresBackend(t *testing.T) {
	_, err := gateway.New(gateway.Config{})
	assert.Error(t, err)
}

func TestHealthAndTools(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/tools")
	require.NoError(t, err)
	defer resp.Body.Close()
	var infos []gateway.ToolInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
	require.NotEmpty(t, infos)
	names := make(map[string]gateway.ToolInfo)
	for _, i := range infos {
		names[i.Name] = i
	}
	assert.True(t, names[tool.CreateDraftOrder].Mutating)
	assert.False(t, names[tool.SearchOffers].Mutating)
	assert.Equal(t, "catalog", names[tool.SearchOffers].Namespace)
}

func TestCallReadOnlyTool(t *testing.T) {
	f := newFixture(t, nil)
	status, env, _ := f.post(t, "/tools/catalog/search_offers",
		envelope("", map[string]any{"query": "wireless charger", "limit": 5}, ""))
	assert.Equal(t, http.StatusOK, status)
	require.True(t, env.OK, "%+v", env.Error)
	assert.NotEmpty(t, env.Data)
}

func TestEnvelopeValidation(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		path   string
		req    tool.Request
		status int
		code   tool.ErrorCode
	}{
		{"unknown tool", "/tools/payment/capture", envelope("", nil, ""), http.StatusNotFound, tool.CodeNotFound},
		{"missing request id", "/tools/catalog/search_offers", tool.Request{Actor: tool.Actor{ID: "a"}}, http.StatusBadRequest, tool.CodeInvalidArgument},
		{"missing actor", "/tools/catalog/search_offers", tool.Request{RequestID: "r"}, http.StatusBadRequest, tool.CodeInvalidArgument},
		{"name mismatch", "/tools/catalog/search_offers", envelope(tool.CreateCart, nil, ""), http.StatusBadRequest, tool.CodeInvalidArgument},
		{"mutation without key", "/tools/cart/create", envelope("", map[string]any{"user_id": "u"}, ""), http.StatusBadRequest, tool.CodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env, _ := f.post(t, tt.path, tt.req)
			assert.Equal(t, tt.status, status)
			assert.False(t, env.OK)
			assert.Equal(t, tt.code, tool.CodeOf(env.Err()))
		})
	}
	assert.Zero(t, f.shop.Stats().Carts)
}

func TestIdempotentReplay(t *testing.T) {
	f := newFixture(t, nil)
	req := envelope(tool.CreateCart, map[string]any{"user_id": "user_1", "session_id": "s1"}, "cart_key")

	status, first, hdr := f.post(t, "/tools/cart/create", req)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, hdr.Get("Idempotent-Replayed"))

	status, second, hdr := f.post(t, "/tools/cart/create", req)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "true", hdr.Get("Idempotent-Replayed"))
	assert.JSONEq(t, string(first.Data), string(second.Data))

	stats := f.shop.Stats()
	assert.Equal(t, 1, stats.Carts)
	assert.Equal(t, 1, stats.Calls[tool.CreateCart], "replay never reaches the backend")
}

func TestInFlightKeyConflicts(t *testing.T) {
	f := newFixture(t, nil)
	_, acquired, err := f.idem.Begin(context.Background(), "user_1:cart.create:busy", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	status, env, _ := f.post(t, "/tools/cart/create",
		envelope("", map[string]any{"user_id": "user_1"}, "busy"))
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, tool.CodeUpstreamError, tool.CodeOf(env.Err()))
	assert.Zero(t, f.shop.Stats().Carts)
}

func TestFailureReleasesKey(t *testing.T) {
	f := newFixture(t, nil)
	f.shop.Inject(tool.CreateCart, fakeshop.Fault{Code: tool.CodeUpstreamError, Message: "db down", Times: 1})
	req := envelope("", map[string]any{"user_id": "user_1"}, "retry_me")

	status, env, _ := f.post(t, "/tools/cart/create", req)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, tool.CodeUpstreamError, tool.CodeOf(env.Err()))

	status, env, _ = f.post(t, "/tools/cart/create", req)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.OK)
	assert.Equal(t, 1, f.shop.Stats().Carts)
}

func TestTransportFailureIsUpstreamError(t *testing.T) {
	f := newFixture(t, nil)
	f.shop.Inject(tool.SearchOffers, fakeshop.Fault{Transport: true, Message: "connection reset", Times: 1})
	status, env, _ := f.post(t, "/tools/catalog/search_offers", envelope("", map[string]any{"query": "charger"}, ""))
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, tool.CodeUpstreamError, tool.CodeOf(env.Err()))
	assert.NotContains(t, env.Error.Message, "connection reset")
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, gateway.NewLocalLimiter(0.001, 1))
	req := envelope("", map[string]any{"query": "charger"}, "")

	status, _, _ := f.post(t, "/tools/catalog/search_offers", req)
	assert.Equal(t, http.StatusOK, status)
	status, env, hdr := f.post(t, "/tools/catalog/search_offers", req)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, tool.CodeRateLimited, tool.CodeOf(env.Err()))
	assert.Equal(t, "1", hdr.Get("Retry-After"))

	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "only tool calls are limited")
}

func TestEventsHistory(t *testing.T) {
	f := newFixture(t, nil)
	f.post(t, "/tools/catalog/search_offers", envelope("", map[string]any{"query": "charger"}, ""))

	resp, err := http.Get(f.srv.URL + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	var history []events.Event
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	require.Len(t, history, 1)
	assert.Equal(t, events.EventGatewayRequest, history[0].Type)

	f.bus.PublishPipelineEvent("s1", "pipeline.start", nil, 0, 0)
	scoped, err := http.Get(f.srv.URL + "/events?session=s1")
	require.NoError(t, err)
	defer scoped.Body.Close()
	require.NoError(t, json.NewDecoder(scoped.Body).Decode(&history))
	require.Len(t, history, 1)
	assert.Equal(t, events.EventPipelineStart, history[0].Type)

	bad, err := http.Get(f.srv.URL + "/events?since=yesterday")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

// The whole pipeline runs against the gateway through the HTTP backend.
func TestPipelineOverHTTP(t *testing.T) {
	f := newFixture(t, nil)
	logger := quietLogger()
	backend := tool.NewHTTPBackend(tool.HTTPConfig{BaseURL: f.srv.URL, Timeout: 5 * time.Second})
	inv := tool.NewInvoker(backend,
		tool.WithRetryPolicy(retry.Policy{MaxAttempts: 2, Base: time.Millisecond, Max: time.Millisecond}),
		tool.WithLogger(logger),
	)
	store, err := checkpoint.NewBoltStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c := f.shop.Catalog()
	orch, err := pipeline.New(stage.All(stage.Deps{
		Tools:  inv,
		Taxes:  stage.NewTaxTable(c.DefaultTaxRate, c.TaxRates),
		Logger: logger,
	}), pipeline.WithCheckpointStore(store), pipeline.WithLogger(logger))
	require.NoError(t, err)

	res, err := orch.Start(context.Background(), pipeline.StartRequest{
		SessionID: "sess_http",
		UserID:    "user_1",
		Text:      "wireless charger for iPhone 15, budget $50, ship to Germany",
	})
	require.NoError(t, err)
	require.Equal(t, pipeline.StepDone, res.Terminal, "error: %+v", res.State.Error)
	assert.NotEmpty(t, res.State.Execution.DraftOrderID)
	assert.Equal(t, 1, f.shop.Stats().DraftOrders)
}
