package tool

// Tool names understood by the commerce backends.
const (
	SearchOffers       = "catalog.search_offers"
	GetOfferCard       = "catalog.get_offer_card"
	RealtimeQuote      = "pricing.get_realtime_quote"
	CheckCompliance    = "compliance.check_item"
	QuoteShipping      = "shipping.quote_options"
	CreateCart         = "cart.create"
	AddCartItem        = "cart.add_item"
	ComputeTotal       = "checkout.compute_total"
	CreateDraftOrder   = "checkout.create_draft_order"
	CreateSnapshot     = "evidence.create_snapshot"
	AttachEvidence     = "evidence.attach_to_draft_order"
	forbiddenNamespace = "payment"
)

var mutatingTools = map[string]bool{
	CreateCart:       true,
	AddCartItem:      true,
	CreateDraftOrder: true,
	CreateSnapshot:   true,
	AttachEvidence:   true,
}

// Mutating reports whether the tool changes backend state and so must carry
// an idempotency key.
func Mutating(name string) bool {
	return mutatingTools[name]
}
