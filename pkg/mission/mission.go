// Package mission defines the purchase mission data model shared by every
// pipeline stage: the structured request, candidates, verification results,
// plans and the execution outcome.
package mission

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// ConstraintType names the attribute a HardConstraint restricts.
type ConstraintType string

const (
	ConstraintCategory      ConstraintType = "category"
	ConstraintBrand         ConstraintType = "brand"
	ConstraintVoltage       ConstraintType = "voltage"
	ConstraintCertification ConstraintType = "certification"
	ConstraintMaterial      ConstraintType = "material"
	ConstraintCompatibility ConstraintType = "compatibility"
	ConstraintFeature       ConstraintType = "feature"
)

var validOperators = map[string]bool{
	"eq": true, "ne": true, "in": true, "not_in": true, "gt": true, "lt": true,
}

// HardConstraint is a requirement every candidate must satisfy.
type HardConstraint struct {
	Type     ConstraintType `json:"type"`
	Value    string         `json:"value"`
	Operator string         `json:"operator"`
}

// SoftPreference is a weighted wish that influences ranking only.
type SoftPreference struct {
	Type   string  `json:"type"`
	Value  string  `json:"value"`
	Weight float64 `json:"weight"`
}

// ObjectiveWeights balance price, speed and risk in the composite score.
type ObjectiveWeights struct {
	Price float64 `json:"price"`
	Speed float64 `json:"speed"`
	Risk  float64 `json:"risk"`
}

// DefaultWeights favours price slightly over speed and risk.
func DefaultWeights() ObjectiveWeights {
	return ObjectiveWeights{Price: 0.4, Speed: 0.3, Risk: 0.3}
}

// MissionSpec is the structured form of a purchase request. It is created
// once by the intent stage and never modified afterwards.
type MissionSpec struct {
	ID                 string           `json:"id"`
	Query              string           `json:"query"`
	DestinationCountry string           `json:"destination_country"`
	BudgetAmount       *decimal.Decimal `json:"budget_amount,omitempty"`
	BudgetCurrency     string           `json:"budget_currency"`
	Quantity           int              `json:"quantity"`
	ArrivalDaysMax     int              `json:"arrival_days_max,omitempty"`
	HardConstraints    []HardConstraint `json:"hard_constraints"`
	SoftPreferences    []SoftPreference `json:"soft_preferences"`
	Weights            ObjectiveWeights `json:"objective_weights"`
	SearchQuery        string           `json:"search_query"`
}

var (
	countryPattern  = regexp.MustCompile(`^[A-Z]{2}$`)
	currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)
)

// HasBudget reports whether a budget was stated.
func (m *MissionSpec) HasBudget() bool {
	return m.BudgetAmount != nil
}

// WithinBudget reports whether total fits the budget. A mission without a
// budget accepts any total.
func (m *MissionSpec) WithinBudget(total decimal.Decimal) bool {
	if !m.HasBudget() {
		return true
	}
	return total.LessThanOrEqual(*m.BudgetAmount)
}

// ConstraintValues returns the values of constraints of the given types, in order.
func (m *MissionSpec) ConstraintValues(types ...ConstraintType) []string {
	want := make(map[ConstraintType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []string
	for _, c := range m.HardConstraints {
		if want[c.Type] {
			out = append(out, c.Value)
		}
	}
	return out
}

// Validate checks the structural invariants of a mission.
func (m *MissionSpec) Validate() error {
	var problems []string
	if !countryPattern.MatchString(m.DestinationCountry) {
		problems = append(problems, fmt.Sprintf("destination_country %q is not an ISO-3166 alpha-2 code", m.DestinationCountry))
	}
	if !currencyPattern.MatchString(m.BudgetCurrency) {
		problems = append(problems, fmt.Sprintf("budget_currency %q is not an ISO-4217 code", m.BudgetCurrency))
	}
	if m.BudgetAmount != nil && m.BudgetAmount.IsNegative() {
		problems = append(problems, "budget_amount must not be negative")
	}
	if m.Quantity < 1 {
		problems = append(problems, "quantity must be at least 1")
	}
	if m.ArrivalDaysMax < 0 {
		problems = append(problems, "arrival_days_max must not be negative")
	}
	weights := []struct {
		name string
		v    float64
	}{{"price", m.Weights.Price}, {"speed", m.Weights.Speed}, {"risk", m.Weights.Risk}}
	for _, w := range weights {
		if w.v < 0 || w.v > 1 {
			problems = append(problems, fmt.Sprintf("objective weight %s=%v outside [0,1]", w.name, w.v))
		}
	}
	for i, c := range m.HardConstraints {
		if c.Type == "" || strings.TrimSpace(c.Value) == "" {
			problems = append(problems, fmt.Sprintf("hard_constraints[%d] needs a type and a value", i))
		}
		if c.Operator != "" && !validOperators[c.Operator] {
			problems = append(problems, fmt.Sprintf("hard_constraints[%d] has unknown operator %q", i, c.Operator))
		}
	}
	for i, p := range m.SoftPreferences {
		if p.Weight < 0 || p.Weight > 1 {
			problems = append(problems, fmt.Sprintf("soft_preferences[%d] weight %v outside [0,1]", i, p.Weight))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid mission: %s", strings.Join(problems, "; "))
	}
	return nil
}
