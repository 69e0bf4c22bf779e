package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/cgast/missionctl/pkg/llm"
	"github.com/cgast/missionctl/pkg/mission"
	"github.com/cgast/missionctl/pkg/pipeline"
	"github.com/cgast/missionctl/pkg/scoring"
	"github.com/cgast/missionctl/pkg/tool"
)

// Plan names.
const (
	PlanNameCheapest    = "Budget Saver"
	PlanNameFastest     = "Express Delivery"
	PlanNameBestValue   = "Best Value"
	PlanNameRecommended = "Recommended"
)

const (
	reasonDefault     = "lowest landed cost"
	reasonSingle      = "only distinct option after verification"
	adviceTokenBudget = 300
)

const advisorPrompt = `You help a shopper choose between purchase plans.
Pick the plan that best matches the request and explain why in one sentence.
Answer with the exact plan_name of one of the plans.`

// Plan builds up to three purchase plans from the verified candidates.
type Plan struct {
	d      Deps
	logger *slog.Logger
}

// NewPlan creates the plan stage.
func NewPlan(d Deps) *Plan {
	d = d.withDefaults()
	return &Plan{d: d, logger: d.Logger.With("component", "stage.plan")}
}

func (s *Plan) Step() pipeline.Step { return pipeline.StepPlan }

func (s *Plan) Run(ctx context.Context, st pipeline.State) (pipeline.State, error) {
	m := st.Mission
	if m == nil {
		return st, tool.Errorf(tool.CodeInvalidArgument, "plan stage requires a mission")
	}

	var plannable []mission.VerifiedCandidate
	for _, vc := range st.Verified {
		if _, ok := vc.TotalPrice(); ok {
			plannable = append(plannable, vc)
		}
	}
	st.CurrentStep = pipeline.CurrentPlansReady
	if len(plannable) == 0 {
		st.Plans = nil
		st.RecommendedPlan = ""
		st.SelectedPlan = ""
		st.NeedsUserInput = true
		s.logger.Warn("plan.none", "verified", len(st.Verified), "reason", "no candidate has a price")
		return st, nil
	}

	plans, err := s.build(m, plannable)
	if err != nil {
		return st, err
	}
	st.Plans = plans
	st.RecommendedPlan = plans[0].PlanName
	st.RecommendationReason = reasonDefault
	if len(plans) == 1 {
		st.RecommendationReason = reasonSingle
	}

	if s.d.Advisor != nil && !st.Tokens.Exhausted() {
		name, reason, tokens := s.advise(ctx, m, plans)
		st.Tokens.Used += tokens
		if name != "" {
			st.RecommendedPlan = name
			st.RecommendationReason = reason
		}
	}

	if s.d.ConfirmPlanSelection {
		st.SelectedPlan = ""
		st.NeedsUserInput = true
	} else {
		st.SelectedPlan = st.RecommendedPlan
	}
	s.logger.Info("plan.complete",
		"plans", len(plans),
		"recommended", st.RecommendedPlan,
		"awaiting_selection", s.d.ConfirmPlanSelection,
	)
	return st, nil
}

// build derives the cheapest, fastest and best-value plans, skipping any
// plan whose offer is already covered by an earlier one.
func (s *Plan) build(m *mission.MissionSpec, cands []mission.VerifiedCandidate) ([]mission.PurchasePlan, error) {
	used := map[string]bool{}
	var plans []mission.PurchasePlan
	add := func(name string, typ mission.PlanType, vc mission.VerifiedCandidate) {
		used[vc.OfferID] = true
		plans = append(plans, s.price(name, typ, m, vc))
	}

	if i, ok := scoring.Cheapest(cands); ok {
		add(PlanNameCheapest, mission.PlanCheapest, cands[i])
	}
	if i, ok := scoring.Fastest(cands); ok && !used[cands[i].OfferID] {
		add(PlanNameFastest, mission.PlanFastest, cands[i])
	}
	if ranked := s.d.Scoring.Rank(cands, m.Weights); len(ranked) > 0 && !used[ranked[0].Candidate.OfferID] {
		add(PlanNameBestValue, mission.PlanBestValue, ranked[0].Candidate)
	}

	if len(plans) == 1 {
		plans[0].PlanName = PlanNameRecommended
		plans[0].PlanType = mission.PlanBestValue
	}
	for _, p := range plans {
		if err := p.Validate(); err != nil {
			return nil, tool.Errorf(tool.CodeInternal, "plan %q: %v", p.PlanName, err)
		}
	}
	return plans, nil
}

func (s *Plan) price(name string, typ mission.PlanType, m *mission.MissionSpec, vc mission.VerifiedCandidate) mission.PurchasePlan {
	pricing := vc.Checks.Pricing
	currency := pricing.Currency
	if currency == "" {
		currency = m.BudgetCurrency
	}

	p := mission.PurchasePlan{
		PlanName: name,
		PlanType: typ,
		Items: []mission.PlanItem{{
			OfferID:   vc.OfferID,
			SKUID:     vc.SKUID,
			Title:     vc.Title,
			Quantity:  m.Quantity,
			UnitPrice: pricing.UnitPrice,
			Subtotal:  pricing.TotalPrice,
		}},
	}
	p.Risks = appendUnique(p.Risks, vc.Warnings...)

	shipping := s.d.ShippingFallback.Price
	minDays := s.d.ShippingFallback.Days
	maxDays := 0
	if sc := vc.Checks.Shipping; sc != nil && sc.OptionsCount > 0 {
		shipping = sc.CheapestPrice
		p.ShippingOptionID = sc.CheapestOptionID
		p.ShippingOptionName = sc.CheapestOptionName
		minDays = sc.FastestDays
		maxDays = sc.CheapestMaxDays
	} else {
		p.Risks = appendUnique(p.Risks, fmt.Sprintf("Shipping estimated at %s %s; no quote was available", shipping.StringFixed(2), currency))
	}
	if maxDays <= 0 {
		maxDays = minDays + 7
	}
	if maxDays < minDays {
		maxDays = minDays
	}
	p.Delivery = mission.DeliveryEstimate{MinDays: minDays, MaxDays: maxDays}
	p.Total = mission.NewTotalBreakdown(pricing.TotalPrice, shipping, s.d.Taxes.Rate(m.DestinationCountry), currency)

	p.Confidence = 0.8
	if len(p.Risks) > 0 {
		p.Confidence = 0.6
	}
	p.ConfirmationItems = []string{"Tax estimate acknowledgment", "Return policy acknowledgment"}
	if cc := vc.Checks.Compliance; cc != nil {
		for _, doc := range cc.RequiredDocs {
			p.ConfirmationItems = append(p.ConfirmationItems, "Compliance document: "+doc)
		}
	}
	return p
}

type planSummary struct {
	PlanName     string          `json:"plan_name"`
	PlanType     string          `json:"plan_type"`
	Title        string          `json:"title"`
	Total        decimal.Decimal `json:"total_landed_cost"`
	Currency     string          `json:"currency"`
	DeliveryDays [2]int          `json:"delivery_days"`
	Risks        []string        `json:"risks,omitempty"`
}

// advise asks the advisor which plan to flag. It returns an empty name when
// the advice is missing or names a plan that does not exist. Plan contents
// are never changed.
func (s *Plan) advise(ctx context.Context, m *mission.MissionSpec, plans []mission.PurchasePlan) (string, string, int) {
	summaries := make([]planSummary, len(plans))
	for i, p := range plans {
		summaries[i] = planSummary{
			PlanName:     p.PlanName,
			PlanType:     string(p.PlanType),
			Title:        p.Items[0].Title,
			Total:        p.Total.TotalLandedCost,
			Currency:     p.Total.Currency,
			DeliveryDays: [2]int{p.Delivery.MinDays, p.Delivery.MaxDays},
			Risks:        p.Risks,
		}
	}
	body, err := json.Marshal(map[string]any{"request": m.Query, "plans": summaries})
	if err != nil {
		return "", "", 0
	}
	res, err := s.d.Advisor.Extract(ctx, llm.ExtractRequest{
		Model:    s.d.AdvisorModel,
		System:   advisorPrompt,
		Messages: []llm.Message{{Role: "user", Content: string(body)}},
		Schema:   llm.PlanAdviceSchema,
	})
	if errors.Is(err, llm.ErrUnavailable) {
		return "", "", 0
	}
	tokens := res.TokensUsed
	if tokens == 0 {
		tokens = adviceTokenBudget
	}
	if err != nil {
		s.logger.Warn("plan.advice_failed", "error", err)
		return "", "", tokens
	}
	var advice llm.PlanAdvice
	if err := json.Unmarshal(res.Raw, &advice); err != nil {
		s.logger.Warn("plan.advice_failed", "error", err)
		return "", "", tokens
	}
	if _, ok := mission.FindPlan(plans, advice.RecommendedPlan); !ok {
		s.logger.Warn("plan.advice_ignored", "plan", advice.RecommendedPlan, "reason", "unknown plan")
		return "", "", tokens
	}
	reason := advice.Reason
	if reason == "" {
		reason = "advisor recommendation"
	}
	return advice.RecommendedPlan, reason, tokens
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		dup := false
		for _, d := range dst {
			if d == v {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, v)
		}
	}
	return dst
}
