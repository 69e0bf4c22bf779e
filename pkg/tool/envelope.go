// Package tool is the single entry point for calls to external commerce
// tools. It defines the request/response envelope, the Backend seam and the
// Invoker that adds idempotency, retries, hashing and audit records.
package tool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode classifies tool and pipeline failures.
type ErrorCode string

const (
	CodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeUpstreamError   ErrorCode = "UPSTREAM_ERROR"
	CodeTimeout         ErrorCode = "TIMEOUT"
	CodeRateLimited     ErrorCode = "RATE_LIMITED"
	CodeInternal        ErrorCode = "INTERNAL_ERROR"
)

// Transient reports whether a call failing with this code may succeed if retried.
func (c ErrorCode) Transient() bool {
	switch c {
	case CodeTimeout, CodeUpstreamError, CodeRateLimited:
		return true
	}
	return false
}

// Error is a coded tool failure.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Retryable lets pkg/retry decide whether to try again.
func (e *Error) Retryable() bool {
	return e.Code.Transient()
}

// Errorf builds a coded error.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code from err, classifying uncoded errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeInternal
}

// Actor identifies who the call is made for.
type Actor struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Request is the envelope sent to a backend.
type Request struct {
	RequestID      string         `json:"request_id"`
	ToolName       string         `json:"tool_name"`
	Params         map[string]any `json:"params"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Actor          Actor          `json:"actor"`
	UserID         string         `json:"user_id,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	TraceID        string         `json:"trace_id,omitempty"`
}

// Namespace returns the part of the tool name before the first dot.
func (r Request) Namespace() string {
	ns, _, _ := strings.Cut(r.ToolName, ".")
	return ns
}

// Evidence is stamped on every response by the facade.
type Evidence struct {
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"ts"`
}

// Response is the envelope returned by a backend.
type Response struct {
	OK       bool            `json:"ok"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    *Error          `json:"error,omitempty"`
	Evidence Evidence        `json:"evidence"`
}

// Success wraps data in a successful response.
func Success(data any) (Response, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Response{}, fmt.Errorf("encode response data: %w", err)
	}
	return Response{OK: true, Data: raw}, nil
}

// Failure wraps a coded error in a response.
func Failure(code ErrorCode, format string, args ...any) Response {
	return Response{OK: false, Error: Errorf(code, format, args...)}
}

// Err returns the response error, or nil when the call succeeded.
func (r Response) Err() error {
	if r.OK {
		return nil
	}
	if r.Error == nil {
		return &Error{Code: CodeUpstreamError, Message: "tool reported failure without an error"}
	}
	return r.Error
}

// Decode unmarshals the response data into v.
func (r Response) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if len(r.Data) == 0 {
		return &Error{Code: CodeUpstreamError, Message: "empty response data"}
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return &Error{Code: CodeUpstreamError, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

// IdempotencyKey derives a stable key from kind and parts, so the same
// logical mutation always carries the same key.
func IdempotencyKey(kind string, parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return kind + "_" + hex.EncodeToString(sum[:])[:32]
}
