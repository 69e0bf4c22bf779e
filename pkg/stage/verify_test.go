package stage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgast/missionctl/pkg/fakeshop"
	"github.com/cgast/missionctl/pkg/mission"
	"github.com/cgast/missionctl/pkg/pipeline"
	"github.com/cgast/missionctl/pkg/retry"
	"github.com/cgast/missionctl/pkg/tool"
)

// missionState runs the heuristic on text and returns a state ready for
// the candidate stage.
func missionState(t *testing.T, text string) pipeline.State {
	t.Helper()
	st := userState(text)
	ex := parseHeuristic(text)
	require.Empty(t, ex.clarify)
	m := ex.mission
	m.ID = "mission_test"
	st.Mission = &m
	return st
}

func offerIDs(cands []mission.Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.OfferID
	}
	return out
}

func TestSearchQueryAddsConstraintValues(t *testing.T) {
	m := &mission.MissionSpec{
		SearchQuery: "charger for my phone",
		HardConstraints: []mission.HardConstraint{
			{Type: mission.ConstraintCompatibility, Value: "iphone"},
			{Type: mission.ConstraintCategory, Value: "charger"},
			{Type: mission.ConstraintBrand, Value: "Anker"},
		},
	}
	assert.Equal(t, "charger for my phone iphone", searchQuery(m))
}

func TestCandidateStage(t *testing.T) {
	h := newHarness(t)
	st, err := NewCandidate(h.deps).Run(context.Background(), missionState(t, chargerRequest))
	require.NoError(t, err)

	ids := offerIDs(st.Candidates)
	assert.Contains(t, ids, "of_anker_maggo")
	assert.Contains(t, ids, "of_generic_pad")
	assert.NotContains(t, ids, "of_samsung_duo", "filtered by budget")
	assert.NotContains(t, ids, "of_sony_xm5", "filtered by budget")
	for i := 1; i < len(st.Candidates); i++ {
		assert.GreaterOrEqual(t, st.Candidates[i-1].SearchScore, st.Candidates[i].SearchScore, "search order is kept")
	}
	for _, c := range st.Candidates {
		assert.NotEmpty(t, c.SKUIDs, c.OfferID)
	}
	require.Len(t, st.ToolCalls, 1+len(st.Candidates))
	assert.Equal(t, tool.SearchOffers, st.ToolCalls[0].Tool)
	assert.Equal(t, pipeline.CurrentCandidatesFound, st.CurrentStep)
}

func TestCandidateStageDetailLimitAndFailures(t *testing.T) {
	h := newHarness(t)
	h.deps.Limits = Limits{DetailFetch: 3, Concurrency: 2}
	h.shop.Inject(tool.GetOfferCard, fakeshop.Fault{Code: tool.CodeNotFound, Times: 1})

	st, err := NewCandidate(h.deps).Run(context.Background(), missionState(t, chargerRequest))
	require.NoError(t, err)
	assert.Len(t, st.Candidates, 2, "one of three detail fetches failed")
	assert.Len(t, st.ToolCalls, 4)
}

func TestCandidateStageNoHits(t *testing.T) {
	h := newHarness(t)
	st, err := NewCandidate(h.deps).Run(context.Background(), missionState(t, "telescope tripod ship to Germany"))
	require.NoError(t, err)
	assert.NotNil(t, st.Candidates)
	assert.Empty(t, st.Candidates)
	assert.Equal(t, pipeline.StepNoResults, pipeline.Route(pipeline.StepCandidate, st))
}

func TestCandidateStageSearchFailure(t *testing.T) {
	h := newHarness(t)
	h.shop.Inject(tool.SearchOffers, fakeshop.Fault{Code: tool.CodeUpstreamError, Times: -1})
	st, err := NewCandidate(h.deps).Run(context.Background(), missionState(t, chargerRequest))
	require.Error(t, err)
	assert.Equal(t, tool.CodeUpstreamError, tool.CodeOf(err))
	require.Len(t, st.ToolCalls, 1, "failed calls are recorded")
	assert.Equal(t, 2, st.ToolCalls[0].Attempts)
}

func candidatesFor(t *testing.T, h *harness, text string) pipeline.State {
	t.Helper()
	st, err := NewCandidate(h.deps).Run(context.Background(), missionState(t, text))
	require.NoError(t, err)
	return st
}

func TestVerifyStage(t *testing.T) {
	h := newHarness(t)
	st := candidatesFor(t, h, chargerRequest)
	calls := len(st.ToolCalls)

	st, err := NewVerify(h.deps).Run(context.Background(), st)
	require.NoError(t, err)
	require.NotEmpty(t, st.Verified)
	assert.Equal(t, len(st.Candidates), len(st.Verified)+len(st.Rejected))
	assert.Len(t, st.ToolCalls, calls+3*len(st.Candidates), "three checks per candidate")

	budget := *st.Mission.BudgetAmount
	var prev decimal.Decimal
	for i, vc := range st.Verified {
		assert.True(t, vc.Passed)
		total, ok := vc.TotalPrice()
		require.True(t, ok)
		assert.True(t, total.LessThanOrEqual(budget), "%s over budget", vc.OfferID)
		if i > 0 {
			assert.True(t, prev.LessThanOrEqual(total), "sorted by total")
		}
		prev = total
	}

	var pad *mission.VerifiedCandidate
	for i := range st.Rejected {
		if st.Rejected[i].OfferID == "of_generic_pad" {
			pad = &st.Rejected[i]
		}
	}
	require.NotNil(t, pad, "no CE mark blocks EU import")
	assert.False(t, pad.Passed)
	assert.Equal(t, "Product lacks the CE marking required for EU import", pad.RejectionReason)

	for _, vc := range st.Verified {
		if vc.OfferID == "of_anker_powerbank" {
			assert.Contains(t, vc.Warnings, "Required document: UN38.3 test summary")
			assert.Equal(t, []string{"UN38.3 test summary"}, vc.Checks.Compliance.RequiredDocs)
		}
	}
	assert.Equal(t, pipeline.CurrentVerified, st.CurrentStep)
}

func TestVerifyRejectsOverBudget(t *testing.T) {
	h := newHarness(t)
	st := missionState(t, "wireless charger, budget $40, ship to Germany")
	st.Candidates = []mission.Candidate{
		{OfferID: "of_belkin_boostcharge", SKUIDs: []string{"sku_belkin_boostcharge"}},
		{OfferID: "of_anker_maggo", SKUIDs: []string{"sku_anker_maggo_white"}},
	}
	st, err := NewVerify(h.deps).Run(context.Background(), st)
	require.NoError(t, err)
	require.Len(t, st.Verified, 1)
	assert.Equal(t, "of_anker_maggo", st.Verified[0].OfferID)
	require.Len(t, st.Rejected, 1)
	assert.Equal(t, "Total 44.99 USD exceeds budget 40.00 USD", st.Rejected[0].RejectionReason)

	sc := st.Verified[0].Checks.Shipping
	require.NotNil(t, sc)
	assert.Equal(t, 2, sc.OptionsCount)
	assert.Equal(t, "ship_standard", sc.CheapestOptionID)
	assert.Equal(t, 3, sc.FastestDays)
	assert.Equal(t, 14, sc.CheapestMaxDays)
}

func TestVerifyKeepsCandidatesWhenChecksFail(t *testing.T) {
	h := newHarness(t)
	h.shop.Inject(tool.QuoteShipping, fakeshop.Fault{Code: tool.CodeTimeout, Times: -1})
	st := missionState(t, chargerRequest)
	st.Candidates = []mission.Candidate{{OfferID: "of_esr_halolock", SKUIDs: []string{"sku_esr_halolock"}}}

	st, err := NewVerify(h.deps).Run(context.Background(), st)
	require.NoError(t, err)
	require.Len(t, st.Verified, 1)
	vc := st.Verified[0]
	assert.Nil(t, vc.Checks.Shipping)
	assert.NotNil(t, vc.Checks.Pricing)
	require.Len(t, vc.Warnings, 1)
	assert.Contains(t, vc.Warnings[0], "Shipping quote unavailable")
}

func TestVerifyRespectsVerifyMax(t *testing.T) {
	h := newHarness(t)
	h.deps.Limits = Limits{VerifyMax: 2}
	st := candidatesFor(t, h, chargerRequest)
	require.Greater(t, len(st.Candidates), 2)

	st, err := NewVerify(h.deps).Run(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, 2, len(st.Verified)+len(st.Rejected))
}

func TestVerifyCustomChecker(t *testing.T) {
	h := newHarness(t)
	r := DefaultCheckers()
	require.NoError(t, r.Register("brand", func(_ context.Context, in CheckInput, _ *mission.Checks) CheckResult {
		if in.Candidate.Brand == "Anker" {
			return CheckResult{Reject: "brand excluded"}
		}
		return CheckResult{}
	}))
	h.deps.Checkers = r
	st := missionState(t, chargerRequest)
	st.Candidates = []mission.Candidate{
		{OfferID: "of_anker_maggo", Brand: "Anker", SKUIDs: []string{"sku_anker_maggo_white"}},
		{OfferID: "of_esr_halolock", Brand: "ESR", SKUIDs: []string{"sku_esr_halolock"}},
	}
	st, err := NewVerify(h.deps).Run(context.Background(), st)
	require.NoError(t, err)
	require.Len(t, st.Verified, 1)
	assert.Equal(t, "of_esr_halolock", st.Verified[0].OfferID)
	assert.Equal(t, "brand excluded", st.Rejected[0].RejectionReason)
}

func verifiedIDs(vcs []mission.VerifiedCandidate) []string {
	out := make([]string, len(vcs))
	for i, vc := range vcs {
		out[i] = vc.OfferID
	}
	return out
}

// slowTools wraps the harness shop so calls for the offers in delays finish
// late, reversing completion order relative to submission order.
func slowTools(h *harness, toolName string, delays map[string]time.Duration) *tool.Invoker {
	backend := tool.BackendFunc(func(ctx context.Context, req tool.Request) (tool.Response, error) {
		if req.ToolName == toolName {
			id, _ := req.Params["offer_id"].(string)
			if d := delays[id]; d > 0 {
				time.Sleep(d)
			}
		}
		return h.shop.Call(ctx, req)
	})
	return tool.NewInvoker(backend,
		tool.WithRetryPolicy(retry.Policy{MaxAttempts: 1}),
		tool.WithClock(func() time.Time { return fixedNow }),
		tool.WithLogger(quietLogger()),
	)
}

func TestStageOrderIndependentOfCompletion(t *testing.T) {
	h := newHarness(t)
	h.deps.Limits = DefaultLimits()
	h.deps.Limits.Concurrency = 3

	ref := candidatesFor(t, h, chargerRequest)
	wantCandidates := offerIDs(ref.Candidates)
	require.GreaterOrEqual(t, len(wantCandidates), 3)
	verified, err := NewVerify(h.deps).Run(context.Background(), ref)
	require.NoError(t, err)
	wantVerified := verifiedIDs(verified.Verified)
	require.GreaterOrEqual(t, len(wantVerified), 2)

	// Earlier search hits answer later; the cheapest offer's quote is slowest.
	cardDelays := map[string]time.Duration{}
	for i, id := range wantCandidates {
		cardDelays[id] = time.Duration(len(wantCandidates)-i) * 4 * time.Millisecond
	}
	quoteDelays := map[string]time.Duration{wantVerified[0]: 40 * time.Millisecond}

	for run := 0; run < 5; run++ {
		deps := h.deps
		deps.Tools = slowTools(h, tool.GetOfferCard, cardDelays)
		st, err := NewCandidate(deps).Run(context.Background(), missionState(t, chargerRequest))
		require.NoError(t, err)
		assert.Equal(t, wantCandidates, offerIDs(st.Candidates), "run %d: search order", run)

		deps.Tools = slowTools(h, tool.RealtimeQuote, quoteDelays)
		st, err = NewVerify(deps).Run(context.Background(), st)
		require.NoError(t, err)
		assert.Equal(t, wantVerified, verifiedIDs(st.Verified), "run %d: verified order", run)
		for i := 1; i < len(st.Verified); i++ {
			prev, _ := st.Verified[i-1].TotalPrice()
			cur, _ := st.Verified[i].TotalPrice()
			assert.True(t, prev.LessThanOrEqual(cur), "run %d: sorted by total", run)
		}
	}
}
