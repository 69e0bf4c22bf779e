// Package stage implements the five pipeline stages: intent extraction,
// candidate search, verification, planning and draft-order execution.
package stage

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cgast/missionctl/pkg/evidence"
	"github.com/cgast/missionctl/pkg/llm"
	"github.com/cgast/missionctl/pkg/pipeline"
	"github.com/cgast/missionctl/pkg/scoring"
	"github.com/cgast/missionctl/pkg/tool"
)

// Limits bound the fan-out of the search and verification stages.
type Limits struct {
	SearchLimit int
	DetailFetch int
	VerifyMax   int
	Concurrency int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{SearchLimit: 20, DetailFetch: 10, VerifyMax: 10, Concurrency: 10}
}

// ShippingFallback prices a plan whose candidate has no shipping quote.
type ShippingFallback struct {
	Price decimal.Decimal
	Days  int
}

// TaxTable maps destination countries to flat tax rates.
type TaxTable struct {
	Default decimal.Decimal
	Rates   map[string]decimal.Decimal
}

// NewTaxTable builds a table from plain rates.
func NewTaxTable(def float64, rates map[string]float64) TaxTable {
	t := TaxTable{Default: decimal.NewFromFloat(def), Rates: make(map[string]decimal.Decimal, len(rates))}
	for country, r := range rates {
		t.Rates[country] = decimal.NewFromFloat(r)
	}
	return t
}

// Rate returns the rate for country, or the default.
func (t TaxTable) Rate(country string) decimal.Decimal {
	if r, ok := t.Rates[country]; ok {
		return r
	}
	return t.Default
}

// Deps is everything the stages need, injected once at construction.
type Deps struct {
	Tools tool.Caller
	// Extractor parses the request. Nil, or an unavailable extractor, means
	// the heuristic parser is used.
	Extractor llm.Extractor
	// Advisor may re-flag which plan is recommended. Optional.
	Advisor      llm.Extractor
	PlannerModel string
	AdvisorModel string

	Scoring              scoring.Engine
	Taxes                TaxTable
	Limits               Limits
	ShippingFallback     ShippingFallback
	ConfirmPlanSelection bool
	Checkers             *CheckerRegistry
	Archiver             evidence.Archiver

	Logger *slog.Logger
	NewID  func(prefix string) string
	Now    func() time.Time
}

func (d Deps) withDefaults() Deps {
	def := DefaultLimits()
	if d.Limits.SearchLimit <= 0 || d.Limits.SearchLimit > 100 {
		d.Limits.SearchLimit = def.SearchLimit
	}
	if d.Limits.DetailFetch <= 0 {
		d.Limits.DetailFetch = def.DetailFetch
	}
	if d.Limits.VerifyMax <= 0 {
		d.Limits.VerifyMax = def.VerifyMax
	}
	if d.Limits.Concurrency <= 0 {
		d.Limits.Concurrency = def.Concurrency
	}
	if d.Taxes.Default.IsZero() && d.Taxes.Rates == nil {
		d.Taxes = NewTaxTable(0.08, nil)
	}
	if d.ShippingFallback.Price.IsZero() {
		d.ShippingFallback.Price = decimal.RequireFromString("9.99")
	}
	if d.ShippingFallback.Days <= 0 {
		d.ShippingFallback.Days = 7
	}
	if d.Scoring == (scoring.Engine{}) {
		d.Scoring = scoring.New(scoring.DefaultConstants())
	}
	if d.Checkers == nil {
		d.Checkers = DefaultCheckers()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.NewID == nil {
		d.NewID = func(prefix string) string { return prefix + "_" + uuid.NewString() }
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// All returns the five stages wired with d, in pipeline order.
func All(d Deps) []pipeline.Stage {
	d = d.withDefaults()
	return []pipeline.Stage{
		NewIntent(d),
		NewCandidate(d),
		NewVerify(d),
		NewPlan(d),
		NewExecute(d),
	}
}

// scopeFor seeds a ledger with the records already on the state, so a stage
// appends to the run's trail and never rewrites it.
func scopeFor(st pipeline.State) (tool.Scope, *evidence.Ledger) {
	ledger := evidence.NewLedger(st.ToolCalls)
	return tool.Scope{
		UserID:    st.UserID,
		SessionID: st.SessionID,
		TraceID:   st.TraceID,
		Ledger:    ledger,
	}, ledger
}
