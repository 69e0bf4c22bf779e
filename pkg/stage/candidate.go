package stage

import (
	"context"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/cgast/missionctl/pkg/mission"
	"github.com/cgast/missionctl/pkg/pipeline"
	"github.com/cgast/missionctl/pkg/tool"
)

// Candidate searches the catalog and fetches offer details.
type Candidate struct {
	d      Deps
	logger *slog.Logger
}

// NewCandidate creates the candidate stage.
func NewCandidate(d Deps) *Candidate {
	d = d.withDefaults()
	return &Candidate{d: d, logger: d.Logger.With("component", "stage.candidate")}
}

func (s *Candidate) Step() pipeline.Step { return pipeline.StepCandidate }

type searchResult struct {
	OfferIDs   []string  `json:"offer_ids"`
	Scores     []float64 `json:"scores"`
	TotalCount int       `json:"total_count"`
}

type offerCard struct {
	OfferID        string   `json:"offer_id"`
	Title          string   `json:"title"`
	Brand          string   `json:"brand"`
	CategoryPath   []string `json:"category_path"`
	RiskTags       []string `json:"risk_tags"`
	ComplianceTags []string `json:"compliance_tags"`
	SKUs           []struct {
		SKUID string          `json:"sku_id"`
		Price decimal.Decimal `json:"price"`
		Stock int             `json:"stock"`
	} `json:"skus"`
}

func (c offerCard) candidate(score float64) mission.Candidate {
	out := mission.Candidate{
		OfferID:        c.OfferID,
		Title:          c.Title,
		Brand:          c.Brand,
		CategoryPath:   c.CategoryPath,
		RiskTags:       c.RiskTags,
		ComplianceTags: c.ComplianceTags,
		SearchScore:    score,
	}
	for _, s := range c.SKUs {
		out.SKUIDs = append(out.SKUIDs, s.SKUID)
	}
	return out
}

// searchQuery extends the mission's query with the constraint values that
// describe the product itself.
func searchQuery(m *mission.MissionSpec) string {
	parts := []string{m.SearchQuery}
	seen := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(m.SearchQuery)) {
		seen[w] = true
	}
	for _, v := range m.ConstraintValues(mission.ConstraintCategory, mission.ConstraintCompatibility, mission.ConstraintFeature) {
		if !seen[strings.ToLower(v)] {
			seen[strings.ToLower(v)] = true
			parts = append(parts, v)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func (s *Candidate) Run(ctx context.Context, st pipeline.State) (pipeline.State, error) {
	m := st.Mission
	scope, ledger := scopeFor(st)

	params := map[string]any{
		"query":               searchQuery(m),
		"limit":               s.d.Limits.SearchLimit,
		"destination_country": m.DestinationCountry,
	}
	if m.HasBudget() {
		params["price_max"] = m.BudgetAmount.String()
	}
	resp := s.d.Tools.Invoke(ctx, scope, tool.Call{Tool: tool.SearchOffers, Params: params})
	var found searchResult
	if err := resp.Decode(&found); err != nil {
		st.ToolCalls = ledger.Records()
		return st, err
	}
	s.logger.Info("candidate.search", "query", params["query"], "hits", len(found.OfferIDs), "total", found.TotalCount)

	ids := found.OfferIDs
	if len(ids) > s.d.Limits.DetailFetch {
		ids = ids[:s.d.Limits.DetailFetch]
	}

	cards := make([]*mission.Candidate, len(ids))
	var g errgroup.Group
	g.SetLimit(s.d.Limits.Concurrency)
	for i, id := range ids {
		score := 0.0
		if i < len(found.Scores) {
			score = found.Scores[i]
		}
		g.Go(func() error {
			resp := s.d.Tools.Invoke(ctx, scope, tool.Call{Tool: tool.GetOfferCard, Params: map[string]any{"offer_id": id}})
			var card offerCard
			if err := resp.Decode(&card); err != nil {
				s.logger.Warn("candidate.detail_failed", "offer_id", id, "error", err)
				return nil
			}
			c := card.candidate(score)
			cards[i] = &c
			return nil
		})
	}
	_ = g.Wait()

	candidates := make([]mission.Candidate, 0, len(cards))
	for _, c := range cards {
		if c != nil {
			candidates = append(candidates, *c)
		}
	}
	st.Candidates = candidates
	st.ToolCalls = ledger.Records()
	st.CurrentStep = pipeline.CurrentCandidatesFound
	s.logger.Info("candidate.complete", "candidates", len(candidates), "detail_failures", len(ids)-len(candidates))
	return st, nil
}
