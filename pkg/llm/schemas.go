package llm

// MissionParse is the shape the intent model must return.
type MissionParse struct {
	NeedsClarification     bool     `json:"needs_clarification"`
	ClarificationQuestions []string `json:"clarification_questions"`
	DestinationCountry     string   `json:"destination_country"`
	BudgetAmount           *float64 `json:"budget_amount"`
	BudgetCurrency         string   `json:"budget_currency"`
	Quantity               int      `json:"quantity"`
	ArrivalDaysMax         *int     `json:"arrival_days_max"`
	HardConstraints        []struct {
		Type     string `json:"type"`
		Value    string `json:"value"`
		Operator string `json:"operator"`
	} `json:"hard_constraints"`
	SoftPreferences []struct {
		Type   string  `json:"type"`
		Value  string  `json:"value"`
		Weight float64 `json:"weight"`
	} `json:"soft_preferences"`
	ObjectiveWeights *struct {
		Price float64 `json:"price"`
		Speed float64 `json:"speed"`
		Risk  float64 `json:"risk"`
	} `json:"objective_weights"`
	SearchQuery string `json:"search_query"`
}

// PlanAdvice is the shape the recommendation model must return.
type PlanAdvice struct {
	RecommendedPlan string `json:"recommended_plan"`
	Reason          string `json:"reason"`
}

var unitInterval = map[string]any{"type": "number", "minimum": 0, "maximum": 1}

// MissionSchema constrains MissionParse output.
var MissionSchema = NewSchema("mission_parse", map[string]any{
	"type":     "object",
	"required": []any{"needs_clarification"},
	"properties": map[string]any{
		"needs_clarification":     map[string]any{"type": "boolean"},
		"clarification_questions": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"destination_country":     map[string]any{"type": "string", "pattern": "^[A-Z]{2}$"},
		"budget_amount":           map[string]any{"type": []any{"number", "null"}, "minimum": 0},
		"budget_currency":         map[string]any{"type": "string", "pattern": "^[A-Z]{3}$"},
		"quantity":                map[string]any{"type": "integer", "minimum": 1},
		"arrival_days_max":        map[string]any{"type": []any{"integer", "null"}, "minimum": 0},
		"hard_constraints": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []any{"type", "value"},
				"properties": map[string]any{
					"type": map[string]any{"enum": []any{
						"category", "brand", "voltage", "certification", "material", "compatibility", "feature",
					}},
					"value":    map[string]any{"type": "string", "minLength": 1},
					"operator": map[string]any{"enum": []any{"eq", "ne", "in", "not_in", "gt", "lt"}},
				},
			},
		},
		"soft_preferences": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []any{"type", "value", "weight"},
				"properties": map[string]any{
					"type":   map[string]any{"type": "string"},
					"value":  map[string]any{"type": "string"},
					"weight": unitInterval,
				},
			},
		},
		"objective_weights": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"price": unitInterval,
				"speed": unitInterval,
				"risk":  unitInterval,
			},
		},
		"search_query": map[string]any{"type": "string"},
	},
})

// PlanAdviceSchema constrains PlanAdvice output.
var PlanAdviceSchema = NewSchema("plan_advice", map[string]any{
	"type":     "object",
	"required": []any{"recommended_plan", "reason"},
	"properties": map[string]any{
		"recommended_plan": map[string]any{"type": "string", "minLength": 1},
		"reason":           map[string]any{"type": "string"},
	},
})
