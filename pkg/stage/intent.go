package stage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/cgast/missionctl/pkg/llm"
	"github.com/cgast/missionctl/pkg/mission"
	"github.com/cgast/missionctl/pkg/pipeline"
	"github.com/cgast/missionctl/pkg/tool"
)

// extractionTokenEstimate is charged when the model does not report usage.
const extractionTokenEstimate = 500

const intentPrompt = `You turn a shopping request into a purchase mission.
Extract the destination country as an ISO-3166 alpha-2 code, the budget and
its ISO-4217 currency, quantity, delivery deadline in days, hard constraints
and soft preferences. Set needs_clarification and ask short questions when
the destination country cannot be determined. Never invent a budget.`

// extraction is a parsed request: either a mission or clarification questions.
type extraction struct {
	mission mission.MissionSpec
	clarify []string
	source  string
}

// Intent turns the conversation into a MissionSpec.
type Intent struct {
	d      Deps
	logger *slog.Logger
}

// NewIntent creates the intent stage.
func NewIntent(d Deps) *Intent {
	d = d.withDefaults()
	return &Intent{d: d, logger: d.Logger.With("component", "stage.intent")}
}

func (s *Intent) Step() pipeline.Step { return pipeline.StepIntent }

func (s *Intent) Run(ctx context.Context, st pipeline.State) (pipeline.State, error) {
	if _, ok := st.LatestUserMessage(); !ok {
		return st, tool.Errorf(tool.CodeInvalidArgument, "no user message to parse")
	}
	text := userText(st.Messages)

	ex, tokens := s.extract(ctx, st.Messages)
	if ex.source != "model" {
		ex = parseHeuristic(text)
	}
	st.Tokens.Used += tokens

	if len(ex.clarify) > 0 {
		st.Mission = nil
		st.Clarifications = ex.clarify
		st.Messages = append(st.Messages, pipeline.Message{Role: "assistant", Content: strings.Join(ex.clarify, "\n")})
		st.CurrentStep = pipeline.CurrentAwaitingClarification
		s.logger.Info("intent.clarify", "questions", len(ex.clarify), "source", ex.source)
		return st, nil
	}

	m := ex.mission
	m.ID = s.d.NewID("mission")
	m.Query = text
	if m.SearchQuery == "" {
		m.SearchQuery = text
	}
	if err := m.Validate(); err != nil {
		return st, tool.Errorf(tool.CodeInvalidArgument, "mission: %v", err)
	}
	st.Mission = &m
	st.Clarifications = nil
	st.CurrentStep = pipeline.CurrentIntentParsed
	s.logger.Info("intent.parsed",
		"source", ex.source,
		"country", m.DestinationCountry,
		"has_budget", m.HasBudget(),
		"constraints", len(m.HardConstraints),
		"tokens", tokens,
	)
	return st, nil
}

// extract asks the model. A result with source "model" is usable as is;
// anything else means the heuristic must run.
func (s *Intent) extract(ctx context.Context, history []pipeline.Message) (extraction, int) {
	if s.d.Extractor == nil {
		return extraction{}, 0
	}
	msgs := make([]llm.Message, len(history))
	for i, m := range history {
		msgs[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	res, err := s.d.Extractor.Extract(ctx, llm.ExtractRequest{
		Model:    s.d.PlannerModel,
		System:   intentPrompt,
		Messages: msgs,
		Schema:   llm.MissionSchema,
	})
	if errors.Is(err, llm.ErrUnavailable) {
		return extraction{}, 0
	}
	tokens := res.TokensUsed
	if tokens == 0 {
		tokens = extractionTokenEstimate
	}
	if err != nil {
		s.logger.Warn("intent.fallback", "reason", "extraction failed", "error", err)
		return extraction{}, tokens
	}

	var parse llm.MissionParse
	if err := json.Unmarshal(res.Raw, &parse); err != nil {
		s.logger.Warn("intent.fallback", "reason", "undecodable output", "error", err)
		return extraction{}, tokens
	}
	ex := fromParse(parse)
	if len(ex.clarify) == 0 {
		candidate := ex.mission
		if err := candidate.Validate(); err != nil {
			s.logger.Warn("intent.fallback", "reason", "invalid mission", "error", err)
			return extraction{}, tokens
		}
	}
	return ex, tokens
}

// fromParse maps model output onto a mission, filling the defaults the
// model may omit.
func fromParse(p llm.MissionParse) extraction {
	if p.NeedsClarification {
		q := p.ClarificationQuestions
		if len(q) == 0 {
			q = []string{"Which country should the order be shipped to?"}
		}
		return extraction{clarify: q, source: "model"}
	}
	m := mission.MissionSpec{
		DestinationCountry: strings.ToUpper(strings.TrimSpace(p.DestinationCountry)),
		BudgetCurrency:     strings.ToUpper(p.BudgetCurrency),
		Quantity:           p.Quantity,
		Weights:            mission.DefaultWeights(),
		SearchQuery:        strings.TrimSpace(p.SearchQuery),
	}
	if m.BudgetCurrency == "" {
		m.BudgetCurrency = "USD"
	}
	if m.Quantity < 1 {
		m.Quantity = 1
	}
	if p.BudgetAmount != nil {
		b := decimal.NewFromFloat(*p.BudgetAmount)
		m.BudgetAmount = &b
	}
	if p.ArrivalDaysMax != nil {
		m.ArrivalDaysMax = *p.ArrivalDaysMax
	}
	if w := p.ObjectiveWeights; w != nil && w.Price+w.Speed+w.Risk > 0 {
		m.Weights = mission.ObjectiveWeights{Price: w.Price, Speed: w.Speed, Risk: w.Risk}
	}
	for _, c := range p.HardConstraints {
		op := c.Operator
		if op == "" {
			op = "eq"
		}
		m.HardConstraints = append(m.HardConstraints, mission.HardConstraint{Type: mission.ConstraintType(c.Type), Value: c.Value, Operator: op})
	}
	for _, sp := range p.SoftPreferences {
		m.SoftPreferences = append(m.SoftPreferences, mission.SoftPreference{Type: sp.Type, Value: sp.Value, Weight: sp.Weight})
	}
	return extraction{mission: m, source: "model"}
}

// userText joins every user turn, so an answer to a clarification question
// is read together with the original request.
func userText(msgs []pipeline.Message) string {
	var parts []string
	for _, m := range msgs {
		if m.Role == "user" && strings.TrimSpace(m.Content) != "" {
			parts = append(parts, strings.TrimSpace(m.Content))
		}
	}
	return strings.Join(parts, "\n")
}
