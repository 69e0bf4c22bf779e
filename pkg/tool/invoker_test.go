package tool

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgast/missionctl/pkg/evidence"
	"github.com/cgast/missionctl/pkg/retry"
)

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, Base: time.Millisecond, Max: 2 * time.Millisecond}
}

func newScope() Scope {
	return Scope{UserID: "u1", SessionID: "s1", TraceID: "t1", Ledger: evidence.NewLedger(nil)}
}

func TestInvokeSuccessRecordsEvidence(t *testing.T) {
	var got Request
	backend := BackendFunc(func(_ context.Context, req Request) (Response, error) {
		got = req
		return Success(map[string]any{"cart_id": "cart_1"})
	})
	inv := NewInvoker(backend, WithRetryPolicy(testPolicy()))
	scope := newScope()

	resp := inv.Invoke(context.Background(), scope, Call{
		Tool:           CreateCart,
		Params:         map[string]any{"user_id": "u1", "email": "x@y.z"},
		IdempotencyKey: "cart_abc",
	})

	require.True(t, resp.OK)
	assert.NotEmpty(t, got.RequestID)
	assert.Equal(t, "cart_abc", got.IdempotencyKey)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, "agent", got.Actor.Type)
	assert.Equal(t, evidence.HashJSON(resp.Data), resp.Evidence.Hash)

	recs := scope.Ledger.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, CreateCart, recs[0].Tool)
	assert.True(t, recs[0].OK)
	assert.Equal(t, 1, recs[0].Attempts)
	assert.Equal(t, "[REDACTED]", recs[0].Request["email"])
	assert.Equal(t, resp.Evidence.Hash, recs[0].ResponseHash)

	var data struct {
		CartID string `json:"cart_id"`
	}
	require.NoError(t, resp.Decode(&data))
	assert.Equal(t, "cart_1", data.CartID)
}

func TestInvokeRetriesTransientWithSameKey(t *testing.T) {
	var calls atomic.Int32
	keys := make(chan string, 3)
	backend := BackendFunc(func(_ context.Context, req Request) (Response, error) {
		keys <- req.IdempotencyKey
		if calls.Add(1) < 3 {
			return Failure(CodeRateLimited, "slow down"), nil
		}
		return Success(map[string]any{"ok": true})
	})
	inv := NewInvoker(backend, WithRetryPolicy(testPolicy()))
	scope := newScope()

	resp := inv.Invoke(context.Background(), scope, Call{Tool: AddCartItem, IdempotencyKey: "add_1"})
	require.True(t, resp.OK)
	assert.Equal(t, int32(3), calls.Load())
	close(keys)
	for k := range keys {
		assert.Equal(t, "add_1", k)
	}
	recs := scope.Ledger.Records()
	require.Len(t, recs, 1, "one record per logical call")
	assert.Equal(t, 3, recs[0].Attempts)
}

func TestInvokeDoesNotRetryPermanentErrors(t *testing.T) {
	for _, code := range []ErrorCode{CodeInvalidArgument, CodeNotFound} {
		t.Run(string(code), func(t *testing.T) {
			var calls atomic.Int32
			backend := BackendFunc(func(context.Context, Request) (Response, error) {
				calls.Add(1)
				return Failure(code, "nope"), nil
			})
			resp := NewInvoker(backend, WithRetryPolicy(testPolicy())).Invoke(context.Background(), newScope(), Call{Tool: GetOfferCard})
			require.False(t, resp.OK)
			assert.Equal(t, code, resp.Error.Code)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestInvokeExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	backend := BackendFunc(func(context.Context, Request) (Response, error) {
		calls.Add(1)
		return Failure(CodeUpstreamError, "boom"), nil
	})
	scope := newScope()
	resp := NewInvoker(backend, WithRetryPolicy(testPolicy())).Invoke(context.Background(), scope, Call{Tool: CreateDraftOrder, IdempotencyKey: "draft_1"})

	require.False(t, resp.OK)
	assert.Equal(t, CodeUpstreamError, resp.Error.Code)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "UPSTREAM_ERROR", scope.Ledger.Records()[0].ErrorCode)
	assert.NotEmpty(t, resp.Evidence.Hash)
}

func TestInvokeClassifiesTransportErrors(t *testing.T) {
	backend := BackendFunc(func(context.Context, Request) (Response, error) {
		return Response{}, context.DeadlineExceeded
	})
	resp := NewInvoker(backend, WithRetryPolicy(retry.Policy{MaxAttempts: 1})).Invoke(context.Background(), newScope(), Call{Tool: SearchOffers})
	assert.Equal(t, CodeTimeout, resp.Error.Code)

	backend = BackendFunc(func(context.Context, Request) (Response, error) {
		return Response{}, errors.New("connection refused")
	})
	resp = NewInvoker(backend, WithRetryPolicy(retry.Policy{MaxAttempts: 1})).Invoke(context.Background(), newScope(), Call{Tool: SearchOffers})
	assert.Equal(t, CodeUpstreamError, resp.Error.Code)
}

func TestInvokeRefusesPaymentTools(t *testing.T) {
	called := false
	backend := BackendFunc(func(context.Context, Request) (Response, error) {
		called = true
		return Success(nil)
	})
	scope := newScope()
	resp := NewInvoker(backend).Invoke(context.Background(), scope, Call{Tool: "payment.capture"})

	assert.False(t, called)
	assert.Equal(t, CodeInvalidArgument, resp.Error.Code)
	assert.Equal(t, 1, scope.Ledger.Len())
}

func TestInvokeWithoutLedger(t *testing.T) {
	backend := BackendFunc(func(context.Context, Request) (Response, error) { return Success("x") })
	resp := NewInvoker(backend).Invoke(context.Background(), Scope{}, Call{Tool: SearchOffers})
	assert.True(t, resp.OK)
}

func TestIdempotencyKeyStable(t *testing.T) {
	a := IdempotencyKey("cart", "u1", "s1")
	assert.Equal(t, a, IdempotencyKey("cart", "u1", "s1"))
	assert.NotEqual(t, a, IdempotencyKey("cart", "u1", "s2"))
	assert.NotEqual(t, IdempotencyKey("x", "ab", "c"), IdempotencyKey("x", "a", "bc"))
	assert.Len(t, a, len("cart_")+32)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeNotFound, CodeOf(Errorf(CodeNotFound, "x")))
	assert.Equal(t, CodeTimeout, CodeOf(context.DeadlineExceeded))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("x")))
	assert.Equal(t, ErrorCode(""), CodeOf(nil))
	assert.True(t, CodeRateLimited.Transient())
	assert.False(t, CodeInternal.Transient())
}

func TestInvokeDerivesKeyForMutatingCall(t *testing.T) {
	keys := make(chan string, 4)
	backend := BackendFunc(func(_ context.Context, req Request) (Response, error) {
		keys <- req.IdempotencyKey
		return Success(map[string]any{"cart_id": "cart_1"})
	})
	inv := NewInvoker(backend, WithRetryPolicy(testPolicy()))
	scope := newScope()
	params := map[string]any{"user_id": "u1"}

	require.True(t, inv.Invoke(context.Background(), scope, Call{Tool: CreateCart, Params: params}).OK)
	require.True(t, inv.Invoke(context.Background(), scope, Call{Tool: CreateCart, Params: params}).OK)
	require.True(t, inv.Invoke(context.Background(), scope, Call{Tool: SearchOffers, Params: params}).OK)
	close(keys)

	var got []string
	for k := range keys {
		got = append(got, k)
	}
	require.Len(t, got, 3)
	assert.NotEmpty(t, got[0])
	assert.Equal(t, got[0], got[1], "the same call derives the same key")
	assert.Empty(t, got[2], "read-only calls carry no key")

	recs := scope.Ledger.Records()
	assert.Equal(t, got[0], recs[0].IdempotencyKey)
}

func TestInvokeRejectsMutatingCallWithoutKeySource(t *testing.T) {
	var calls atomic.Int32
	backend := BackendFunc(func(_ context.Context, req Request) (Response, error) {
		calls.Add(1)
		return Success(nil)
	})
	inv := NewInvoker(backend, WithRetryPolicy(testPolicy()))
	scope := Scope{Ledger: evidence.NewLedger(nil)}

	resp := inv.Invoke(context.Background(), scope, Call{Tool: CreateDraftOrder})
	require.False(t, resp.OK)
	assert.Equal(t, CodeInvalidArgument, resp.Error.Code)
	assert.Equal(t, int32(0), calls.Load(), "no attempt is made")
	require.Len(t, scope.Ledger.Records(), 1)
	assert.Equal(t, 0, scope.Ledger.Records()[0].Attempts)
}

func TestMutatingTools(t *testing.T) {
	for _, name := range []string{CreateCart, AddCartItem, CreateDraftOrder, CreateSnapshot, AttachEvidence} {
		assert.True(t, Mutating(name), name)
	}
	for _, name := range []string{SearchOffers, GetOfferCard, RealtimeQuote, CheckCompliance, QuoteShipping, ComputeTotal} {
		assert.False(t, Mutating(name), name)
	}
}

func TestInvokeLogsFailureEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	backend := BackendFunc(func(_ context.Context, req Request) (Response, error) {
		return Failure(CodeNotFound, "no such offer"), nil
	})
	inv := NewInvoker(backend, WithRetryPolicy(testPolicy()), WithLogger(logger))

	resp := inv.Invoke(context.Background(), newScope(), Call{Tool: GetOfferCard})
	require.False(t, resp.OK)
	assert.Contains(t, buf.String(), "msg=tool.call_failed")
	assert.Contains(t, buf.String(), "code=NOT_FOUND")
}
