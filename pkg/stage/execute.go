package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cgast/missionctl/pkg/evidence"
	"github.com/cgast/missionctl/pkg/mission"
	"github.com/cgast/missionctl/pkg/pipeline"
	"github.com/cgast/missionctl/pkg/tool"
)

// Execute turns the chosen plan into a draft order and seals the evidence
// behind it. It never captures payment.
type Execute struct {
	d      Deps
	logger *slog.Logger
}

// NewExecute creates the execution stage.
func NewExecute(d Deps) *Execute {
	d = d.withDefaults()
	return &Execute{d: d, logger: d.Logger.With("component", "stage.execute")}
}

func (s *Execute) Step() pipeline.Step { return pipeline.StepExecute }

type cartCreated struct {
	CartID string `json:"cart_id"`
}

type checkoutTotal struct {
	Subtotal    decimal.Decimal `json:"subtotal"`
	Shipping    decimal.Decimal `json:"shipping"`
	TaxEstimate decimal.Decimal `json:"tax_estimate"`
	Total       decimal.Decimal `json:"total"`
	Currency    string          `json:"currency"`
}

type draftOrder struct {
	DraftOrderID      string          `json:"draft_order_id"`
	Status            string          `json:"status"`
	PayableAmount     decimal.Decimal `json:"payable_amount"`
	Currency          string          `json:"currency"`
	ExpiresAt         time.Time       `json:"expires_at"`
	ConfirmationItems []string        `json:"confirmation_items"`
}

// resolvePlan picks the selected plan, then the recommended one, then the first.
func resolvePlan(st pipeline.State) (mission.PurchasePlan, bool) {
	for _, name := range []string{st.SelectedPlan, st.RecommendedPlan} {
		if name == "" {
			continue
		}
		if p, ok := mission.FindPlan(st.Plans, name); ok {
			return p, true
		}
	}
	if len(st.Plans) > 0 {
		return st.Plans[0], true
	}
	return mission.PurchasePlan{}, false
}

func (s *Execute) Run(ctx context.Context, st pipeline.State) (pipeline.State, error) {
	m := st.Mission
	plan, ok := resolvePlan(st)
	if m == nil || !ok {
		return st, tool.Errorf(tool.CodeInvalidArgument, "execute stage requires a mission and a plan")
	}
	scope, ledger := scopeFor(st)
	var warnings []string
	fail := func(err error) (pipeline.State, error) {
		st.ToolCalls = ledger.Records()
		return st, err
	}

	resp := s.d.Tools.Invoke(ctx, scope, tool.Call{
		Tool:           tool.CreateCart,
		Params:         map[string]any{"user_id": st.UserID, "session_id": st.SessionID},
		IdempotencyKey: tool.IdempotencyKey("cart", st.UserID, st.SessionID),
	})
	var cart cartCreated
	if err := resp.Decode(&cart); err != nil {
		return fail(err)
	}

	added := 0
	for _, item := range plan.Items {
		resp := s.d.Tools.Invoke(ctx, scope, tool.Call{
			Tool: tool.AddCartItem,
			Params: map[string]any{
				"cart_id":  cart.CartID,
				"offer_id": item.OfferID,
				"sku_id":   item.SKUID,
				"quantity": item.Quantity,
			},
			IdempotencyKey: tool.IdempotencyKey("cart_item", cart.CartID, item.SKUID),
		})
		if err := resp.Err(); err != nil {
			warnings = append(warnings, fmt.Sprintf("Could not add %s to cart: %s", item.SKUID, errMessage(err)))
			s.logger.Warn("execute.add_item_failed", "cart_id", cart.CartID, "sku_id", item.SKUID, "error", err)
			continue
		}
		added++
	}

	checkout := map[string]any{
		"cart_id":             cart.CartID,
		"destination_country": m.DestinationCountry,
		"shipping_option_id":  plan.ShippingOptionID,
	}
	resp = s.d.Tools.Invoke(ctx, scope, tool.Call{Tool: tool.ComputeTotal, Params: checkout})
	var total checkoutTotal
	if err := resp.Decode(&total); err != nil {
		warnings = append(warnings, "Checkout total unavailable: "+errMessage(err))
	} else if total.Total.Sub(plan.Total.TotalLandedCost).Abs().GreaterThan(mission.Tolerance) {
		warnings = append(warnings, fmt.Sprintf("Checkout total %s differs from the planned %s",
			total.Total.StringFixed(2), plan.Total.TotalLandedCost.StringFixed(2)))
	}

	orderParams := map[string]any{
		"consents": map[string]any{
			"tax_estimate_ack":  true,
			"return_policy_ack": true,
			"compliance_ack":    true,
		},
	}
	for k, v := range checkout {
		orderParams[k] = v
	}
	resp = s.d.Tools.Invoke(ctx, scope, tool.Call{
		Tool:           tool.CreateDraftOrder,
		Params:         orderParams,
		IdempotencyKey: tool.IdempotencyKey("draft_order", cart.CartID),
	})
	var order draftOrder
	if err := resp.Decode(&order); err != nil {
		return fail(err)
	}

	ledger.Assume(fmt.Sprintf("Tax estimated at %s%% for %s", s.d.Taxes.Rate(m.DestinationCountry).Mul(decimal.NewFromInt(100)).String(), m.DestinationCountry))
	if plan.ShippingOptionID == "" {
		ledger.Assume("Shipping cost is an estimate; no carrier quote was available")
	} else {
		ledger.Assume("Shipping via " + plan.ShippingOptionName)
	}

	offers, skus := make([]string, 0, len(plan.Items)), make([]string, 0, len(plan.Items))
	for _, item := range plan.Items {
		offers = append(offers, item.OfferID)
		skus = append(skus, item.SKUID)
	}
	snap, err := evidence.NewSnapshot(s.d.NewID("snap"), m.ID, st.SessionID, evidence.Objects{
		OfferIDs:     offers,
		SKUIDs:       skus,
		CartID:       cart.CartID,
		DraftOrderID: order.DraftOrderID,
	}, ledger.Records(), ledger.Assumptions(), warnings, s.d.Now())
	if err != nil {
		return fail(tool.Errorf(tool.CodeInternal, "seal evidence: %v", err))
	}

	result := &mission.ExecutionResult{
		Success:            true,
		CartID:             cart.CartID,
		DraftOrderID:       order.DraftOrderID,
		SelectedPlan:       plan.PlanName,
		PayableAmount:      order.PayableAmount,
		Currency:           order.Currency,
		ExpiresAt:          order.ExpiresAt,
		EvidenceSnapshotID: snap.ID,
		ConfirmationItems:  append(append([]string(nil), plan.ConfirmationItems...), order.ConfirmationItems...),
		RequiresUserAction: true,
	}

	body, err := json.Marshal(snap)
	if err != nil {
		return fail(tool.Errorf(tool.CodeInternal, "encode evidence: %v", err))
	}
	resp = s.d.Tools.Invoke(ctx, scope, tool.Call{
		Tool:           tool.CreateSnapshot,
		Params:         map[string]any{"snapshot_id": snap.ID, "hash": snap.Hash, "snapshot": json.RawMessage(body)},
		IdempotencyKey: tool.IdempotencyKey("snapshot", snap.ID),
	})
	stored := resp.Err() == nil
	if !stored {
		warnings = append(warnings, "Evidence snapshot not stored: "+errMessage(resp.Err()))
	}

	if s.d.Archiver != nil {
		loc, err := s.d.Archiver.Archive(ctx, snap)
		if err != nil {
			warnings = append(warnings, "Evidence archive failed: "+err.Error())
			s.logger.Warn("execute.archive_failed", "snapshot_id", snap.ID, "error", err)
		} else {
			result.EvidenceLocation = loc
		}
	}

	if stored {
		resp = s.d.Tools.Invoke(ctx, scope, tool.Call{
			Tool:           tool.AttachEvidence,
			Params:         map[string]any{"draft_order_id": order.DraftOrderID, "snapshot_id": snap.ID},
			IdempotencyKey: tool.IdempotencyKey("attach", order.DraftOrderID, snap.ID),
		})
		if err := resp.Err(); err != nil {
			warnings = append(warnings, "Evidence not attached to draft order: "+errMessage(err))
		}
	}

	result.Warnings = warnings
	result.Summary = fmt.Sprintf("Draft order %s created for plan %q: %s %s payable before %s. Payment has NOT been captured.",
		order.DraftOrderID, plan.PlanName, order.PayableAmount.StringFixed(2), order.Currency, order.ExpiresAt.UTC().Format(time.RFC3339))

	st.Execution = result
	st.SelectedPlan = plan.PlanName
	st.ToolCalls = ledger.Records()
	st.CurrentStep = pipeline.CurrentExecuted
	s.logger.Info("execute.complete",
		"draft_order_id", order.DraftOrderID,
		"items_added", added,
		"snapshot_id", snap.ID,
		"warnings", len(warnings),
	)
	return st, nil
}
