package stage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/cgast/missionctl/pkg/mission"
	"github.com/cgast/missionctl/pkg/tool"
)

// CheckInput is what a checker sees for one candidate.
type CheckInput struct {
	Tools     tool.Caller
	Scope     tool.Scope
	Mission   *mission.MissionSpec
	Candidate mission.Candidate
	SKUID     string
}

// CheckResult is the outcome of one check. A non-empty Reject fails the
// candidate; warnings only lower its risk score.
type CheckResult struct {
	Warnings []string
	Reject   string
}

// Checker runs one verification check and records its data on checks.
// Each checker owns exactly one field of checks.
type Checker func(ctx context.Context, in CheckInput, checks *mission.Checks) CheckResult

// CheckerRegistry holds the checks run per candidate, in registration order.
type CheckerRegistry struct {
	mu       sync.RWMutex
	names    []string
	checkers map[string]Checker
}

// NewCheckerRegistry creates an empty registry.
func NewCheckerRegistry() *CheckerRegistry {
	return &CheckerRegistry{checkers: make(map[string]Checker)}
}

// DefaultCheckers returns a registry with the pricing, compliance and
// shipping checks.
func DefaultCheckers() *CheckerRegistry {
	r := NewCheckerRegistry()
	_ = r.Register("pricing", checkPricing)
	_ = r.Register("compliance", checkCompliance)
	_ = r.Register("shipping", checkShipping)
	return r
}

// Register adds a checker. Names must be unique.
func (r *CheckerRegistry) Register(name string, c Checker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.checkers[name]; exists {
		return fmt.Errorf("checker already registered: %s", name)
	}
	r.names = append(r.names, name)
	r.checkers[name] = c
	return nil
}

// Get returns the checker for name, or nil if not found.
func (r *CheckerRegistry) Get(name string) Checker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.checkers[name]
}

// Names returns the checker names in registration order.
func (r *CheckerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}

type quoteResult struct {
	UnitPrice      decimal.Decimal `json:"unit_price"`
	TotalPrice     decimal.Decimal `json:"total_price"`
	Currency       string          `json:"currency"`
	Stock          int             `json:"stock"`
	StockAvailable *bool           `json:"stock_available"`
}

func checkPricing(ctx context.Context, in CheckInput, checks *mission.Checks) CheckResult {
	resp := in.Tools.Invoke(ctx, in.Scope, tool.Call{Tool: tool.RealtimeQuote, Params: map[string]any{
		"offer_id": in.Candidate.OfferID,
		"sku_id":   in.SKUID,
		"quantity": in.Mission.Quantity,
	}})
	var q quoteResult
	if err := resp.Decode(&q); err != nil {
		return CheckResult{Warnings: []string{fmt.Sprintf("Pricing unavailable: %s", errMessage(err))}}
	}
	if q.Currency == "" {
		q.Currency = in.Mission.BudgetCurrency
	}
	checks.Pricing = &mission.PricingCheck{
		UnitPrice:  q.UnitPrice,
		TotalPrice: q.TotalPrice,
		Currency:   q.Currency,
		Stock:      q.Stock,
	}

	var res CheckResult
	if q.StockAvailable != nil && !*q.StockAvailable {
		res.Warnings = append(res.Warnings, fmt.Sprintf("Only %d in stock for a quantity of %d", q.Stock, in.Mission.Quantity))
	}
	if !in.Mission.WithinBudget(q.TotalPrice) {
		res.Reject = fmt.Sprintf("Total %s %s exceeds budget %s %s",
			q.TotalPrice.StringFixed(2), q.Currency, in.Mission.BudgetAmount.StringFixed(2), in.Mission.BudgetCurrency)
	}
	return res
}

type complianceResult struct {
	Allowed bool `json:"allowed"`
	Issues  []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"issues"`
	RequiredDocs   []string `json:"required_docs"`
	Warnings       []string `json:"warnings"`
	RulesetVersion string   `json:"ruleset_version"`
}

func checkCompliance(ctx context.Context, in CheckInput, checks *mission.Checks) CheckResult {
	resp := in.Tools.Invoke(ctx, in.Scope, tool.Call{Tool: tool.CheckCompliance, Params: map[string]any{
		"offer_id":            in.Candidate.OfferID,
		"sku_id":              in.SKUID,
		"destination_country": in.Mission.DestinationCountry,
	}})
	var c complianceResult
	if err := resp.Decode(&c); err != nil {
		return CheckResult{Warnings: []string{fmt.Sprintf("Compliance check unavailable: %s", errMessage(err))}}
	}
	cc := &mission.ComplianceCheck{
		Allowed:        c.Allowed,
		RequiredDocs:   c.RequiredDocs,
		RulesetVersion: c.RulesetVersion,
	}
	for _, is := range c.Issues {
		cc.Issues = append(cc.Issues, is.Message)
	}
	checks.Compliance = cc

	var res CheckResult
	for _, doc := range c.RequiredDocs {
		res.Warnings = append(res.Warnings, requiredDocWarning(doc))
	}
	res.Warnings = append(res.Warnings, c.Warnings...)
	if !c.Allowed {
		res.Reject = "Blocked by compliance"
		if len(cc.Issues) > 0 && cc.Issues[0] != "" {
			res.Reject = cc.Issues[0]
		}
	}
	return res
}

func requiredDocWarning(doc string) string {
	return "Required document: " + doc
}

type shippingResult struct {
	Options []struct {
		ShippingOptionID string          `json:"shipping_option_id"`
		Name             string          `json:"name"`
		Price            decimal.Decimal `json:"price"`
		EtaMinDays       int             `json:"eta_min_days"`
		EtaMaxDays       int             `json:"eta_max_days"`
	} `json:"options"`
}

func checkShipping(ctx context.Context, in CheckInput, checks *mission.Checks) CheckResult {
	resp := in.Tools.Invoke(ctx, in.Scope, tool.Call{Tool: tool.QuoteShipping, Params: map[string]any{
		"offer_id":            in.Candidate.OfferID,
		"sku_id":              in.SKUID,
		"destination_country": in.Mission.DestinationCountry,
		"quantity":            in.Mission.Quantity,
	}})
	var sr shippingResult
	if err := resp.Decode(&sr); err != nil {
		return CheckResult{Warnings: []string{fmt.Sprintf("Shipping quote unavailable: %s", errMessage(err))}}
	}
	sc := &mission.ShippingCheck{OptionsCount: len(sr.Options)}
	checks.Shipping = sc
	if len(sr.Options) == 0 {
		return CheckResult{Warnings: []string{"No shipping options to " + in.Mission.DestinationCountry}}
	}

	cheapest, fastest := 0, 0
	for i, o := range sr.Options {
		if o.Price.LessThan(sr.Options[cheapest].Price) {
			cheapest = i
		}
		if o.EtaMinDays < sr.Options[fastest].EtaMinDays {
			fastest = i
		}
	}
	c := sr.Options[cheapest]
	sc.CheapestPrice = c.Price
	sc.CheapestOptionID = c.ShippingOptionID
	sc.CheapestOptionName = c.Name
	sc.CheapestMaxDays = c.EtaMaxDays
	sc.FastestDays = sr.Options[fastest].EtaMinDays

	var res CheckResult
	if limit := in.Mission.ArrivalDaysMax; limit > 0 && sc.FastestDays > limit {
		res.Warnings = append(res.Warnings, fmt.Sprintf("Fastest delivery takes %d days, more than the requested %d", sc.FastestDays, limit))
	}
	return res
}

func errMessage(err error) string {
	var te *tool.Error
	if errors.As(err, &te) {
		return fmt.Sprintf("%s (%s)", te.Message, te.Code)
	}
	return err.Error()
}
