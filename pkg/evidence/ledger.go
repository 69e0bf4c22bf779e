// Package evidence records every external tool call made on behalf of a
// mission and freezes them into hashed snapshots that can be audited later.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// ToolCallRecord is the audit entry for one logical tool invocation.
type ToolCallRecord struct {
	Tool           string         `json:"tool"`
	Request        map[string]any `json:"request_redacted"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	ResponseHash   string         `json:"response_hash"`
	OK             bool           `json:"ok"`
	ErrorCode      string         `json:"error_code,omitempty"`
	Attempts       int            `json:"attempts"`
	Timestamp      time.Time      `json:"ts"`
	Latency        time.Duration  `json:"latency_ns,omitempty"`
}

// Ledger is an append-only, concurrency-safe list of tool call records.
type Ledger struct {
	mu          sync.Mutex
	records     []ToolCallRecord
	assumptions []string
}

// NewLedger returns a ledger that continues after the given records.
func NewLedger(prior []ToolCallRecord) *Ledger {
	records := make([]ToolCallRecord, len(prior), len(prior)+16)
	copy(records, prior)
	return &Ledger{records: records}
}

// Append adds a record. Records are never modified once appended.
func (l *Ledger) Append(r ToolCallRecord) {
	l.mu.Lock()
	l.records = append(l.records, r)
	l.mu.Unlock()
}

// Assume notes an assumption the pipeline made in the absence of data.
func (l *Ledger) Assume(text string) {
	l.mu.Lock()
	l.assumptions = append(l.assumptions, text)
	l.mu.Unlock()
}

// Records returns a copy of every record in append order.
func (l *Ledger) Records() []ToolCallRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ToolCallRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Assumptions returns a copy of the noted assumptions.
func (l *Ledger) Assumptions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.assumptions...)
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// HashJSON returns "sha256:<hex>" over the RFC 8785 canonical form of data.
// Input that is not valid JSON is hashed as raw bytes.
func HashJSON(data []byte) string {
	if len(data) == 0 {
		data = []byte("null")
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		canonical = data
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// HashValue marshals v and hashes its canonical form.
func HashValue(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return HashJSON(data), nil
}
