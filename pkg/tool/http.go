package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const maxResponseBytes = 10 * 1024 * 1024

// HTTPConfig configures HTTPBackend.
type HTTPConfig struct {
	BaseURL             string
	Timeout             time.Duration
	MaxIdleConnsPerHost int
	BreakerThreshold    int
	BreakerReset        time.Duration
}

// HTTPBackend posts envelopes to a tool gateway at
// {BaseURL}/tools/{namespace}/{name}.
type HTTPBackend struct {
	baseURL string
	client  *http.Client
	breaker *circuitBreaker
}

// NewHTTPBackend builds a backend with a pooled client.
func NewHTTPBackend(cfg HTTPConfig) *HTTPBackend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 16
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost

	b := &HTTPBackend{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout, Transport: transport},
	}
	if cfg.BreakerThreshold > 0 {
		reset := cfg.BreakerReset
		if reset <= 0 {
			reset = 10 * time.Second
		}
		b.breaker = newCircuitBreaker(cfg.BreakerThreshold, reset)
	}
	return b
}

// ToolPath maps "cart.create" to "/tools/cart/create".
func ToolPath(toolName string) (string, error) {
	ns, name, ok := strings.Cut(toolName, ".")
	if !ok || ns == "" || name == "" {
		return "", fmt.Errorf("tool name %q must look like namespace.name", toolName)
	}
	return "/tools/" + ns + "/" + name, nil
}

func (b *HTTPBackend) Call(ctx context.Context, req Request) (Response, error) {
	path, err := ToolPath(req.ToolName)
	if err != nil {
		return Failure(CodeInvalidArgument, "%v", err), nil
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Failure(CodeInvalidArgument, "encode request: %v", err), nil
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", req.RequestID)
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	// Every path past allow must report success or failure to the breaker.
	if !b.breaker.allow() {
		return Failure(CodeUpstreamError, "circuit open for %s", b.baseURL), nil
	}

	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		b.breaker.failure()
		return Response{}, fmt.Errorf("post %s: %w", path, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		b.breaker.failure()
		return Response{}, fmt.Errorf("read %s: %w", path, err)
	}

	if httpResp.StatusCode >= 500 {
		b.breaker.failure()
	} else {
		b.breaker.success()
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err == nil && (resp.OK || resp.Error != nil) {
		if !resp.OK {
			resp.Error.Code = normalizeCode(resp.Error.Code, httpResp.StatusCode)
		}
		return resp, nil
	}
	return Failure(statusCode(httpResp.StatusCode), "gateway returned HTTP %d", httpResp.StatusCode), nil
}

// statusCode maps an HTTP status without a usable envelope to an error code.
func statusCode(status int) ErrorCode {
	switch {
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return CodeTimeout
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusConflict:
		return CodeUpstreamError
	case status >= 500:
		return CodeUpstreamError
	case status >= 400:
		return CodeInvalidArgument
	}
	return CodeUpstreamError
}

// normalizeCode keeps known codes and classifies unknown ones by status.
func normalizeCode(code ErrorCode, status int) ErrorCode {
	switch code {
	case CodeInvalidArgument, CodeNotFound, CodeUpstreamError, CodeTimeout, CodeRateLimited, CodeInternal:
		return code
	}
	return statusCode(status)
}
