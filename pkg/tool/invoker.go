package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/cgast/missionctl/pkg/evidence"
	"github.com/cgast/missionctl/pkg/retry"
)

const instrumentationName = "github.com/cgast/missionctl/pkg/tool"

// Backend executes tool requests. Implementations are chosen once at
// construction time: an HTTP gateway client or an in-process fake.
type Backend interface {
	Call(ctx context.Context, req Request) (Response, error)
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, req Request) (Response, error)

func (f BackendFunc) Call(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Caller is what stages depend on.
type Caller interface {
	Invoke(ctx context.Context, scope Scope, call Call) Response
}

// Scope carries the per-run identity and the ledger that receives records.
type Scope struct {
	UserID    string
	SessionID string
	TraceID   string
	Ledger    *evidence.Ledger
}

// Call is one logical tool invocation. Mutating calls must set IdempotencyKey.
type Call struct {
	Tool           string
	Params         map[string]any
	IdempotencyKey string
}

// Invoker is the tool invocation facade.
type Invoker struct {
	backend     Backend
	policy      retry.Policy
	limiter     *rate.Limiter
	actor       Actor
	callTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
	tracer      trace.Tracer
	calls       metric.Int64Counter
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p retry.Policy) InvokerOption {
	return func(i *Invoker) { i.policy = p }
}

// WithRateLimit throttles outbound attempts. rps <= 0 disables throttling.
func WithRateLimit(rps float64, burst int) InvokerOption {
	return func(i *Invoker) {
		if rps <= 0 {
			i.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		i.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithActor sets the actor stamped on each request.
func WithActor(a Actor) InvokerOption {
	return func(i *Invoker) { i.actor = a }
}

// WithCallTimeout bounds each individual attempt.
func WithCallTimeout(d time.Duration) InvokerOption {
	return func(i *Invoker) { i.callTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) InvokerOption {
	return func(i *Invoker) { i.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) InvokerOption {
	return func(i *Invoker) { i.now = now }
}

// NewInvoker wraps a backend with the facade behaviour.
func NewInvoker(b Backend, opts ...InvokerOption) *Invoker {
	i := &Invoker{
		backend: b,
		policy:  retry.DefaultPolicy(),
		actor:   Actor{Type: "agent", ID: "missionctl"},
		logger:  slog.Default(),
		now:     time.Now,
		tracer:  otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.With("component", "tool")
	if c, err := otel.Meter(instrumentationName).Int64Counter("missionctl.tool.calls",
		metric.WithDescription("Tool calls by tool name and outcome code")); err == nil {
		i.calls = c
	}
	return i
}

// Invoke performs the call and always returns a response: failures are
// reported through Response.Error with a code. Exactly one record is
// appended to the scope's ledger per call, whatever the number of attempts.
func (i *Invoker) Invoke(ctx context.Context, scope Scope, c Call) Response {
	start := i.now()
	ctx, span := i.tracer.Start(ctx, "tool."+c.Tool, trace.WithAttributes(
		attribute.String("tool.name", c.Tool),
		attribute.String("session.id", scope.SessionID),
		attribute.Bool("tool.mutating", Mutating(c.Tool)),
	))
	defer span.End()

	req := Request{
		RequestID:      uuid.NewString(),
		ToolName:       c.Tool,
		Params:         c.Params,
		IdempotencyKey: c.IdempotencyKey,
		Actor:          i.actor,
		UserID:         scope.UserID,
		SessionID:      scope.SessionID,
		TraceID:        scope.TraceID,
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}

	var resp Response
	attempts := 0
	keyErr := attachKey(&req, scope)
	switch {
	case req.Namespace() == forbiddenNamespace:
		resp = Failure(CodeInvalidArgument, "tool %s is not permitted: payment is never captured", c.Tool)
	case keyErr != nil:
		resp = Failure(CodeInvalidArgument, "tool %s mutates state and needs an idempotency key: %v", c.Tool, keyErr)
	default:
		attempts, _ = retry.Do(ctx, i.policy, c.Tool+":"+req.IdempotencyKey, func(ctx context.Context, attempt int) error {
			resp = i.attempt(ctx, req)
			if attempt > 0 {
				i.logger.Debug("tool.retry", "tool", c.Tool, "attempt", attempt+1)
			}
			return resp.Err()
		})
	}

	hashInput := []byte(resp.Data)
	if !resp.OK {
		if resp.Error == nil {
			resp.Error = &Error{Code: CodeUpstreamError, Message: "tool reported failure without an error"}
		}
		hashInput, _ = json.Marshal(resp.Error)
	}
	resp.Evidence = Evidence{Hash: evidence.HashJSON(hashInput), Timestamp: i.now().UTC()}

	var code string
	if resp.Error != nil {
		code = string(resp.Error.Code)
	}
	if scope.Ledger != nil {
		scope.Ledger.Append(evidence.ToolCallRecord{
			Tool:           c.Tool,
			Request:        evidence.Redact(req.Params),
			IdempotencyKey: req.IdempotencyKey,
			ResponseHash:   resp.Evidence.Hash,
			OK:             resp.OK,
			ErrorCode:      code,
			Attempts:       attempts,
			Timestamp:      resp.Evidence.Timestamp,
			Latency:        i.now().Sub(start),
		})
	}

	if i.calls != nil {
		outcome := code
		if outcome == "" {
			outcome = "OK"
		}
		i.calls.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", c.Tool), attribute.String("code", outcome)))
	}
	span.SetAttributes(attribute.Int("tool.attempts", attempts))
	if resp.OK {
		i.logger.Debug("tool.call", "tool", c.Tool, "attempts", attempts, "hash", resp.Evidence.Hash)
	} else {
		span.SetStatus(codes.Error, resp.Error.Message)
		i.logger.Warn("tool.call_failed", "tool", c.Tool, "attempts", attempts, "code", code, "message", resp.Error.Message)
	}
	return resp
}

// attachKey gives a mutating call without a caller key one derived from the
// session, the tool and its params, so retries and replays of the same call
// share it.
func attachKey(req *Request, scope Scope) error {
	if !Mutating(req.ToolName) || req.IdempotencyKey != "" {
		return nil
	}
	if scope.SessionID == "" {
		return errors.New("no caller key and no session to derive one from")
	}
	sum, err := evidence.HashValue(req.Params)
	if err != nil {
		return fmt.Errorf("hash params: %w", err)
	}
	req.IdempotencyKey = IdempotencyKey(strings.ReplaceAll(req.ToolName, ".", "_"), scope.UserID, scope.SessionID, sum)
	return nil
}

func (i *Invoker) attempt(ctx context.Context, req Request) Response {
	if i.limiter != nil {
		if err := i.limiter.Wait(ctx); err != nil {
			return Failure(CodeRateLimited, "rate limit wait: %v", err)
		}
	}
	if i.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.callTimeout)
		defer cancel()
	}
	resp, err := i.backend.Call(ctx, req)
	if err != nil {
		return Response{OK: false, Error: classifyTransport(err)}
	}
	return resp
}

func classifyTransport(err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Message: err.Error()}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Code: CodeTimeout, Message: err.Error()}
	}
	return &Error{Code: CodeUpstreamError, Message: err.Error()}
}
