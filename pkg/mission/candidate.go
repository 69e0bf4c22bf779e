package mission

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Candidate is a catalog offer surfaced by search, enriched with details.
type Candidate struct {
	OfferID        string   `json:"offer_id"`
	SKUIDs         []string `json:"sku_ids"`
	Title          string   `json:"title"`
	Brand          string   `json:"brand,omitempty"`
	CategoryPath   []string `json:"category_path,omitempty"`
	RiskTags       []string `json:"risk_tags,omitempty"`
	ComplianceTags []string `json:"compliance_tags,omitempty"`
	SearchScore    float64  `json:"search_score"`
}

// DefaultSKU returns the SKU used for quotes and cart lines.
func (c Candidate) DefaultSKU() string {
	if len(c.SKUIDs) > 0 {
		return c.SKUIDs[0]
	}
	return c.OfferID + "_default"
}

// PricingCheck is the realtime quote for the requested quantity.
type PricingCheck struct {
	UnitPrice  decimal.Decimal `json:"unit_price"`
	TotalPrice decimal.Decimal `json:"total_price"`
	Currency   string          `json:"currency"`
	Stock      int             `json:"stock"`
}

// ShippingCheck summarises the shipping options for the destination.
type ShippingCheck struct {
	OptionsCount       int             `json:"options_count"`
	FastestDays        int             `json:"fastest_days"`
	CheapestPrice      decimal.Decimal `json:"cheapest_price"`
	CheapestOptionID   string          `json:"cheapest_option_id,omitempty"`
	CheapestOptionName string          `json:"cheapest_option_name,omitempty"`
	CheapestMaxDays    int             `json:"cheapest_max_days,omitempty"`
}

// ComplianceCheck is the import compliance verdict for the destination.
type ComplianceCheck struct {
	Allowed        bool     `json:"allowed"`
	Issues         []string `json:"issues,omitempty"`
	RequiredDocs   []string `json:"required_docs,omitempty"`
	RulesetVersion string   `json:"ruleset_version,omitempty"`
}

// Checks groups the per-candidate verification results. A nil entry means
// the corresponding check could not be completed.
type Checks struct {
	Pricing    *PricingCheck    `json:"pricing,omitempty"`
	Shipping   *ShippingCheck   `json:"shipping,omitempty"`
	Compliance *ComplianceCheck `json:"compliance,omitempty"`
}

// VerifiedCandidate is a candidate after pricing, compliance and shipping checks.
type VerifiedCandidate struct {
	Candidate
	SKUID           string   `json:"sku_id"`
	Checks          Checks   `json:"checks"`
	Passed          bool     `json:"passed"`
	Warnings        []string `json:"warnings,omitempty"`
	RejectionReason string   `json:"rejection_reason,omitempty"`
}

// TotalPrice returns the quoted total and whether pricing is known.
func (v VerifiedCandidate) TotalPrice() (decimal.Decimal, bool) {
	if v.Checks.Pricing == nil {
		return decimal.Zero, false
	}
	return v.Checks.Pricing.TotalPrice, true
}

// FastestDays returns the fastest delivery estimate and whether shipping is known.
func (v VerifiedCandidate) FastestDays() (int, bool) {
	if v.Checks.Shipping == nil || v.Checks.Shipping.OptionsCount == 0 {
		return 0, false
	}
	return v.Checks.Shipping.FastestDays, true
}

// CheckInvariant reports whether a passed candidate respects the mission:
// it must fit the budget and must not be explicitly disallowed.
func (v VerifiedCandidate) CheckInvariant(m *MissionSpec) error {
	if !v.Passed {
		return nil
	}
	if total, ok := v.TotalPrice(); ok && m != nil && !m.WithinBudget(total) {
		return fmt.Errorf("candidate %s passed with total %s over budget %s", v.OfferID, total.StringFixed(2), m.BudgetAmount.StringFixed(2))
	}
	if v.Checks.Compliance != nil && !v.Checks.Compliance.Allowed {
		return fmt.Errorf("candidate %s passed although compliance disallows it", v.OfferID)
	}
	return nil
}
