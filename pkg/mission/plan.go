package mission

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PlanType classifies a purchase plan.
type PlanType string

const (
	PlanCheapest  PlanType = "cheapest"
	PlanFastest   PlanType = "fastest"
	PlanBestValue PlanType = "best_value"
)

// Tolerance is the largest allowed difference between a landed cost and
// the sum of its components.
var Tolerance = decimal.NewFromFloat(0.01)

// PlanItem is one cart line of a plan.
type PlanItem struct {
	OfferID   string          `json:"offer_id"`
	SKUID     string          `json:"sku_id"`
	Title     string          `json:"title"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

// TotalBreakdown is the landed cost of a plan.
type TotalBreakdown struct {
	Subtotal        decimal.Decimal `json:"subtotal"`
	ShippingCost    decimal.Decimal `json:"shipping_cost"`
	TaxEstimate     decimal.Decimal `json:"tax_estimate"`
	TotalLandedCost decimal.Decimal `json:"total_landed_cost"`
	Currency        string          `json:"currency"`
}

// NewTotalBreakdown computes tax on the subtotal at rate and rounds each
// component to cents. The landed cost is the sum of the rounded components.
func NewTotalBreakdown(subtotal, shipping, rate decimal.Decimal, currency string) TotalBreakdown {
	sub := subtotal.Round(2)
	ship := shipping.Round(2)
	tax := subtotal.Mul(rate).Round(2)
	return TotalBreakdown{
		Subtotal:        sub,
		ShippingCost:    ship,
		TaxEstimate:     tax,
		TotalLandedCost: sub.Add(ship).Add(tax),
		Currency:        currency,
	}
}

// Check verifies that the landed cost matches its components within Tolerance.
func (t TotalBreakdown) Check() error {
	sum := t.Subtotal.Add(t.ShippingCost).Add(t.TaxEstimate)
	if t.TotalLandedCost.Sub(sum).Abs().GreaterThan(Tolerance) {
		return fmt.Errorf("total_landed_cost %s differs from components sum %s", t.TotalLandedCost.StringFixed(2), sum.StringFixed(2))
	}
	return nil
}

// DeliveryEstimate bounds the expected arrival in days.
type DeliveryEstimate struct {
	MinDays int `json:"min_days"`
	MaxDays int `json:"max_days"`
}

// Check verifies that the estimate is well ordered.
func (d DeliveryEstimate) Check() error {
	if d.MinDays < 0 || d.MinDays > d.MaxDays {
		return fmt.Errorf("delivery estimate %d..%d is not ordered", d.MinDays, d.MaxDays)
	}
	return nil
}

// PurchasePlan is a priced, delivery-estimated proposal the user can confirm.
type PurchasePlan struct {
	PlanName           string           `json:"plan_name"`
	PlanType           PlanType         `json:"plan_type"`
	Items              []PlanItem       `json:"items"`
	ShippingOptionID   string           `json:"shipping_option_id,omitempty"`
	ShippingOptionName string           `json:"shipping_option_name,omitempty"`
	Total              TotalBreakdown   `json:"total"`
	Delivery           DeliveryEstimate `json:"delivery_estimate"`
	Risks              []string         `json:"risks,omitempty"`
	Confidence         float64          `json:"confidence"`
	ConfirmationItems  []string         `json:"confirmation_items"`
}

// Validate checks the plan's invariants.
func (p PurchasePlan) Validate() error {
	var errs []error
	if p.PlanName == "" {
		errs = append(errs, errors.New("plan_name is empty"))
	}
	if len(p.Items) == 0 {
		errs = append(errs, errors.New("plan has no items"))
	}
	if err := p.Total.Check(); err != nil {
		errs = append(errs, err)
	}
	if err := p.Delivery.Check(); err != nil {
		errs = append(errs, err)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		errs = append(errs, fmt.Errorf("confidence %v outside [0,1]", p.Confidence))
	}
	return errors.Join(errs...)
}

// FindPlan returns the plan with the given name.
func FindPlan(plans []PurchasePlan, name string) (PurchasePlan, bool) {
	for _, p := range plans {
		if p.PlanName == name {
			return p, true
		}
	}
	return PurchasePlan{}, false
}

// ExecutionResult is the outcome of turning a plan into a draft order.
type ExecutionResult struct {
	Success            bool            `json:"success"`
	CartID             string          `json:"cart_id"`
	DraftOrderID       string          `json:"draft_order_id"`
	SelectedPlan       string          `json:"selected_plan"`
	PayableAmount      decimal.Decimal `json:"payable_amount"`
	Currency           string          `json:"currency"`
	ExpiresAt          time.Time       `json:"expires_at,omitempty"`
	EvidenceSnapshotID string          `json:"evidence_snapshot_id"`
	EvidenceLocation   string          `json:"evidence_location,omitempty"`
	ConfirmationItems  []string        `json:"confirmation_items"`
	Warnings           []string        `json:"warnings,omitempty"`
	RequiresUserAction bool            `json:"requires_user_action"`
	Summary            string          `json:"summary"`
}
