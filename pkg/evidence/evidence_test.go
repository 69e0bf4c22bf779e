package evidence

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerAppendConcurrent(t *testing.T) {
	l := NewLedger([]ToolCallRecord{{Tool: "seed"}})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Append(ToolCallRecord{Tool: "pricing.get_realtime_quote"})
		}()
	}
	wg.Wait()

	assert.Equal(t, 51, l.Len())
	assert.Equal(t, "seed", l.Records()[0].Tool)
}

func TestLedgerDoesNotAliasPrior(t *testing.T) {
	prior := []ToolCallRecord{{Tool: "a"}}
	l := NewLedger(prior)
	l.Append(ToolCallRecord{Tool: "b"})
	recs := l.Records()
	recs[0].Tool = "mutated"

	assert.Equal(t, "a", prior[0].Tool)
	assert.Equal(t, "a", l.Records()[0].Tool)
}

func TestHashJSONCanonical(t *testing.T) {
	a := HashJSON([]byte(`{"b":1,"a":[1,2]}`))
	b := HashJSON([]byte(`{ "a": [1, 2], "b": 1.0 }`))
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "sha256:"))
	assert.NotEqual(t, a, HashJSON([]byte(`{"a":[2,1],"b":1}`)))
}

func TestHashJSONNonJSON(t *testing.T) {
	assert.Equal(t, HashJSON([]byte("not json")), HashJSON([]byte("not json")))
	assert.Equal(t, HashJSON(nil), HashJSON([]byte("null")))
}

func TestRedact(t *testing.T) {
	in := map[string]any{
		"cart_id":          "cart_1",
		"shipping_address": "1 Main St",
		"consents": map[string]any{
			"tax_estimate_ack": true,
			"email":            "a@b.c",
		},
		"items": []any{map[string]any{"sku_id": "s1", "api_key": "k"}},
	}
	out := Redact(in)

	assert.Equal(t, "cart_1", out["cart_id"])
	assert.Equal(t, redacted, out["shipping_address"])
	assert.Equal(t, redacted, out["consents"].(map[string]any)["email"])
	assert.Equal(t, true, out["consents"].(map[string]any)["tax_estimate_ack"])
	assert.Equal(t, redacted, out["items"].([]any)[0].(map[string]any)["api_key"])
	assert.Equal(t, "1 Main St", in["shipping_address"], "input must not be modified")
}

func sampleSnapshot(t *testing.T) Snapshot {
	t.Helper()
	s, err := NewSnapshot("ev_1", "ms_1", "sess_1",
		Objects{OfferIDs: []string{"of_1"}, SKUIDs: []string{"sku_1"}, CartID: "cart_1", DraftOrderID: "do_1"},
		[]ToolCallRecord{{Tool: "cart.create", ResponseHash: "sha256:x", OK: true, Attempts: 1, Timestamp: time.Unix(100, 0).UTC()}},
		[]string{"tax estimated at 19%"}, nil, time.Unix(200, 0))
	require.NoError(t, err)
	return s
}

func TestSnapshotSealAndVerify(t *testing.T) {
	s := sampleSnapshot(t)
	require.NotEmpty(t, s.Hash)
	require.NoError(t, s.Verify())

	tampered := s
	tampered.Objects.DraftOrderID = "do_2"
	assert.Error(t, tampered.Verify())
}

func TestSnapshotSurvivesJSONRoundTrip(t *testing.T) {
	s := sampleSnapshot(t)
	data, err := json.Marshal(s)
	require.NoError(t, err)

	var back Snapshot
	require.NoError(t, json.Unmarshal(data, &back))
	assert.NoError(t, back.Verify())
}

func TestFileArchiver(t *testing.T) {
	dir := t.TempDir()
	s := sampleSnapshot(t)

	loc, err := FileArchiver{Dir: dir}.Archive(context.Background(), s)
	require.NoError(t, err)

	data, err := os.ReadFile(loc)
	require.NoError(t, err)
	var back Snapshot
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, s.Hash, back.Hash)
}
