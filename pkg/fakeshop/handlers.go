package fakeshop

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/cgast/missionctl/pkg/tool"
)

func builtinTools() []Tool {
	return []Tool{
		{Name: tool.SearchOffers, Description: "Search offers by keywords and price ceiling", Handle: searchOffers},
		{Name: tool.GetOfferCard, Description: "Fetch offer details and SKUs", Handle: getOfferCard},
		{Name: tool.RealtimeQuote, Description: "Quote a SKU for a quantity", Handle: realtimeQuote},
		{Name: tool.CheckCompliance, Description: "Check import compliance for a destination", Handle: checkCompliance},
		{Name: tool.QuoteShipping, Description: "List shipping options for a destination", Handle: quoteShipping},
		{Name: tool.CreateCart, Description: "Create a cart", Mutating: true, Handle: createCart},
		{Name: tool.AddCartItem, Description: "Add a SKU to a cart", Mutating: true, Handle: addCartItem},
		{Name: tool.ComputeTotal, Description: "Compute the landed total of a cart", Handle: computeTotal},
		{Name: tool.CreateDraftOrder, Description: "Create a draft order awaiting payment", Mutating: true, Handle: createDraftOrder},
		{Name: tool.CreateSnapshot, Description: "Store an evidence snapshot", Mutating: true, Handle: createSnapshot},
		{Name: tool.AttachEvidence, Description: "Attach a snapshot to a draft order", Mutating: true, Handle: attachEvidence},
	}
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "the": true, "for": true, "to": true, "of": true,
	"with": true, "under": true, "ship": true, "shipping": true, "budget": true, "buy": true,
	"need": true, "want": true, "i": true, "me": true, "my": true, "usd": true, "eur": true,
	"in": true, "on": true, "please": true, "within": true, "days": true,
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		f = strings.Trim(f, "-")
		if f == "" || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func offerTerms(o *Offer) map[string]bool {
	terms := make(map[string]bool)
	add := func(s string) {
		for _, t := range tokenize(s) {
			terms[t] = true
		}
	}
	add(o.Title)
	add(o.Brand)
	for _, k := range o.Keywords {
		add(k)
	}
	for _, c := range o.Category {
		add(c)
	}
	return terms
}

func (c *Catalog) minPrice(o *Offer) decimal.Decimal {
	var min decimal.Decimal
	for i, s := range o.SKUs {
		ref, ok := c.sku(s.SKUID)
		if !ok {
			continue
		}
		if i == 0 || ref.price.LessThan(min) {
			min = ref.price
		}
	}
	return min
}

type searchParams struct {
	Query              string           `json:"query"`
	PriceMax           *decimal.Decimal `json:"price_max"`
	Limit              int              `json:"limit"`
	DestinationCountry string           `json:"destination_country"`
}

type searchHit struct {
	id    string
	score float64
}

func searchOffers(_ context.Context, b *Backend, req tool.Request) (any, error) {
	var p searchParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	tokens := tokenize(p.Query)
	if len(tokens) == 0 {
		return nil, tool.Errorf(tool.CodeInvalidArgument, "query has no searchable terms")
	}
	if p.Limit <= 0 {
		p.Limit = 20
	}

	var hits []searchHit
	for i := range b.catalog.Offers {
		o := &b.catalog.Offers[i]
		if p.PriceMax != nil && b.catalog.minPrice(o).GreaterThan(*p.PriceMax) {
			continue
		}
		terms := offerTerms(o)
		matched := 0
		for _, t := range tokens {
			if terms[t] {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		hits = append(hits, searchHit{id: o.OfferID, score: float64(matched) / float64(len(tokens))})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	total := len(hits)
	if len(hits) > p.Limit {
		hits = hits[:p.Limit]
	}
	ids := make([]string, len(hits))
	scores := make([]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.id
		scores[i] = h.score
	}
	return map[string]any{"offer_ids": ids, "scores": scores, "total_count": total}, nil
}

type skuCard struct {
	SKUID string          `json:"sku_id"`
	Price decimal.Decimal `json:"price"`
	Stock int             `json:"stock"`
}

type offerCard struct {
	OfferID        string    `json:"offer_id"`
	Title          string    `json:"title"`
	Brand          string    `json:"brand"`
	CategoryPath   []string  `json:"category_path"`
	RiskTags       []string  `json:"risk_tags"`
	ComplianceTags []string  `json:"compliance_tags"`
	SKUs           []skuCard `json:"skus"`
}

func getOfferCard(_ context.Context, b *Backend, req tool.Request) (any, error) {
	var p struct {
		OfferID string `json:"offer_id"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	o, ok := b.catalog.offer(p.OfferID)
	if !ok {
		return nil, tool.Errorf(tool.CodeNotFound, "offer %s not found", p.OfferID)
	}
	card := offerCard{
		OfferID:        o.OfferID,
		Title:          o.Title,
		Brand:          o.Brand,
		CategoryPath:   nonNil(o.Category),
		RiskTags:       nonNil(o.RiskTags),
		ComplianceTags: nonNil(o.ComplianceTags),
	}
	for _, s := range o.SKUs {
		ref, _ := b.catalog.sku(s.SKUID)
		card.SKUs = append(card.SKUs, skuCard{SKUID: s.SKUID, Price: ref.price, Stock: s.Stock})
	}
	return card, nil
}

func quantityOf(q int) int {
	if q < 1 {
		return 1
	}
	return q
}

func realtimeQuote(_ context.Context, b *Backend, req tool.Request) (any, error) {
	var p struct {
		SKUID    string `json:"sku_id"`
		Quantity int    `json:"quantity"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	ref, ok := b.catalog.sku(p.SKUID)
	if !ok {
		return nil, tool.Errorf(tool.CodeNotFound, "sku %s not found", p.SKUID)
	}
	qty := quantityOf(p.Quantity)
	return map[string]any{
		"unit_price":      ref.price,
		"total_price":     ref.price.Mul(decimal.NewFromInt(int64(qty))),
		"currency":        b.catalog.Currency,
		"stock":           ref.sku.Stock,
		"stock_available": ref.sku.Stock >= qty,
	}, nil
}

type itemParams struct {
	OfferID            string `json:"offer_id"`
	SKUID              string `json:"sku_id"`
	Quantity           int    `json:"quantity"`
	DestinationCountry string `json:"destination_country"`
}

func (b *Backend) resolveItem(p itemParams) (*Offer, error) {
	if p.OfferID != "" {
		if o, ok := b.catalog.offer(p.OfferID); ok {
			return o, nil
		}
		return nil, tool.Errorf(tool.CodeNotFound, "offer %s not found", p.OfferID)
	}
	if ref, ok := b.catalog.sku(p.SKUID); ok {
		return ref.offer, nil
	}
	return nil, tool.Errorf(tool.CodeNotFound, "sku %s not found", p.SKUID)
}

func checkCompliance(_ context.Context, b *Backend, req tool.Request) (any, error) {
	var p itemParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if p.DestinationCountry == "" {
		return nil, tool.Errorf(tool.CodeInvalidArgument, "destination_country is required")
	}
	o, err := b.resolveItem(p)
	if err != nil {
		return nil, err
	}
	v, err := b.catalog.evaluate(o, p.DestinationCountry)
	if err != nil {
		return nil, tool.Errorf(tool.CodeInternal, "%v", err)
	}
	issues := v.Issues
	if issues == nil {
		issues = []issue{}
	}
	return map[string]any{
		"allowed":         v.Allowed,
		"issues":          issues,
		"required_docs":   nonNil(v.RequiredDocs),
		"warnings":        nonNil(v.Warnings),
		"ruleset_version": b.catalog.RulesetVersion,
	}, nil
}

type shippingQuote struct {
	ShippingOptionID string          `json:"shipping_option_id"`
	Name             string          `json:"name"`
	Price            decimal.Decimal `json:"price"`
	EtaMinDays       int             `json:"eta_min_days"`
	EtaMaxDays       int             `json:"eta_max_days"`
}

func quoteShipping(_ context.Context, b *Backend, req tool.Request) (any, error) {
	var p itemParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if p.DestinationCountry == "" {
		return nil, tool.Errorf(tool.CodeInvalidArgument, "destination_country is required")
	}
	o, err := b.resolveItem(p)
	if err != nil {
		return nil, err
	}
	options := []shippingQuote{}
	for _, s := range b.catalog.shippingFor(o) {
		price, _ := decimal.NewFromString(s.Price)
		options = append(options, shippingQuote{
			ShippingOptionID: s.ID,
			Name:             s.Name,
			Price:            price,
			EtaMinDays:       s.EtaMinDays,
			EtaMaxDays:       s.EtaMaxDays,
		})
	}
	return map[string]any{"options": options}, nil
}

func createCart(_ context.Context, b *Backend, req tool.Request) (any, error) {
	var p struct {
		UserID    string `json:"user_id"`
		SessionID string `json:"session_id"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	c := &cart{ID: b.nextID("cart"), UserID: p.UserID, SessionID: p.SessionID}
	b.carts[c.ID] = c
	b.logger.Debug("cart.created", "cart_id", c.ID)
	return map[string]any{"cart_id": c.ID}, nil
}

func (b *Backend) cart(id string) (*cart, error) {
	c, ok := b.carts[id]
	if !ok {
		return nil, tool.Errorf(tool.CodeNotFound, "cart %s not found", id)
	}
	return c, nil
}

func addCartItem(_ context.Context, b *Backend, req tool.Request) (any, error) {
	var p struct {
		CartID string `json:"cart_id"`
		itemParams
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	c, err := b.cart(p.CartID)
	if err != nil {
		return nil, err
	}
	ref, ok := b.catalog.sku(p.SKUID)
	if !ok {
		return nil, tool.Errorf(tool.CodeNotFound, "sku %s not found", p.SKUID)
	}
	qty := quantityOf(p.Quantity)
	if ref.sku.Stock < qty {
		return nil, tool.Errorf(tool.CodeInvalidArgument, "sku %s has %d in stock, %d requested", p.SKUID, ref.sku.Stock, qty)
	}
	c.Lines = append(c.Lines, cartLine{OfferID: ref.offer.OfferID, SKUID: p.SKUID, Quantity: qty})
	return map[string]any{"cart_id": c.ID, "line_count": len(c.Lines)}, nil
}

type totals struct {
	Subtotal    decimal.Decimal `json:"subtotal"`
	Shipping    decimal.Decimal `json:"shipping"`
	TaxEstimate decimal.Decimal `json:"tax_estimate"`
	Total       decimal.Decimal `json:"total"`
	Currency    string          `json:"currency"`
}

// total prices a cart: shipping is the chosen option of the first line's
// offer, tax applies to the subtotal.
func (b *Backend) total(c *cart, country, shippingID string) totals {
	subtotal := decimal.Zero
	for _, l := range c.Lines {
		ref, _ := b.catalog.sku(l.SKUID)
		subtotal = subtotal.Add(ref.price.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	shipping := decimal.Zero
	if len(c.Lines) > 0 {
		if o, ok := b.catalog.offer(c.Lines[0].OfferID); ok {
			opts := b.catalog.shippingFor(o)
			for i, s := range opts {
				if s.ID == shippingID || (shippingID == "" && i == 0) {
					shipping, _ = decimal.NewFromString(s.Price)
					break
				}
			}
		}
	}
	sub := subtotal.Round(2)
	ship := shipping.Round(2)
	tax := subtotal.Mul(b.catalog.TaxRate(country)).Round(2)
	return totals{Subtotal: sub, Shipping: ship, TaxEstimate: tax, Total: sub.Add(ship).Add(tax), Currency: b.catalog.Currency}
}

type checkoutParams struct {
	CartID             string `json:"cart_id"`
	DestinationCountry string `json:"destination_country"`
	ShippingOptionID   string `json:"shipping_option_id"`
}

func computeTotal(_ context.Context, b *Backend, req tool.Request) (any, error) {
	var p checkoutParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	c, err := b.cart(p.CartID)
	if err != nil {
		return nil, err
	}
	return b.total(c, p.DestinationCountry, p.ShippingOptionID), nil
}

type consents struct {
	TaxEstimateAck  bool `json:"tax_estimate_ack"`
	ReturnPolicyAck bool `json:"return_policy_ack"`
	ComplianceAck   bool `json:"compliance_ack"`
}

func createDraftOrder(_ context.Context, b *Backend, req tool.Request) (any, error) {
	var p struct {
		checkoutParams
		Consents *consents `json:"consents"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if p.Consents == nil || !p.Consents.TaxEstimateAck || !p.Consents.ReturnPolicyAck {
		return nil, tool.Errorf(tool.CodeInvalidArgument, "tax estimate and return policy consents are required")
	}
	c, err := b.cart(p.CartID)
	if err != nil {
		return nil, err
	}
	if len(c.Lines) == 0 {
		return nil, tool.Errorf(tool.CodeInvalidArgument, "cart %s is empty", c.ID)
	}
	t := b.total(c, p.DestinationCountry, p.ShippingOptionID)
	d := &draftOrder{
		ID:        b.nextID("do"),
		CartID:    c.ID,
		Payable:   t.Total.StringFixed(2),
		Status:    "pending_payment",
		ExpiresAt: b.now().UTC().Add(24 * time.Hour),
	}
	b.drafts[d.ID] = d
	b.logger.Debug("draft_order.created", "draft_order_id", d.ID, "payable", d.Payable)
	return map[string]any{
		"draft_order_id": d.ID,
		"status":         d.Status,
		"payable_amount": t.Total,
		"currency":       t.Currency,
		"expires_at":     d.ExpiresAt,
		"confirmation_items": []string{
			"Confirm payable amount " + d.Payable + " " + t.Currency,
			"Complete payment before " + d.ExpiresAt.Format(time.RFC3339),
		},
	}, nil
}

func createSnapshot(_ context.Context, b *Backend, req tool.Request) (any, error) {
	var p struct {
		SnapshotID string          `json:"snapshot_id"`
		Hash       string          `json:"hash"`
		Snapshot   json.RawMessage `json:"snapshot"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if p.SnapshotID == "" {
		return nil, tool.Errorf(tool.CodeInvalidArgument, "snapshot_id is required")
	}
	b.snapshots[p.SnapshotID] = p.Snapshot
	return map[string]any{"snapshot_id": p.SnapshotID, "stored": true}, nil
}

func attachEvidence(_ context.Context, b *Backend, req tool.Request) (any, error) {
	var p struct {
		DraftOrderID string `json:"draft_order_id"`
		SnapshotID   string `json:"snapshot_id"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	d, ok := b.drafts[p.DraftOrderID]
	if !ok {
		return nil, tool.Errorf(tool.CodeNotFound, "draft order %s not found", p.DraftOrderID)
	}
	if _, ok := b.snapshots[p.SnapshotID]; !ok {
		return nil, tool.Errorf(tool.CodeNotFound, "snapshot %s not found", p.SnapshotID)
	}
	d.Evidence = append(d.Evidence, p.SnapshotID)
	return map[string]any{"draft_order_id": d.ID, "snapshot_id": p.SnapshotID, "attached": true}, nil
}
