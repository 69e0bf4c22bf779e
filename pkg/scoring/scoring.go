// Package scoring ranks verified candidates by a weighted composite of
// price, delivery speed and risk.
package scoring

import (
	"math"
	"sort"

	"github.com/cgast/missionctl/pkg/mission"
)

// Constants normalise the score components.
type Constants struct {
	PriceMax    float64 `yaml:"price_max" json:"price_max"`
	DaysMax     float64 `yaml:"days_max" json:"days_max"`
	WarningsMax float64 `yaml:"warnings_max" json:"warnings_max"`
}

// DefaultConstants returns P_MAX=500, D_MAX=30, W_MAX=5.
func DefaultConstants() Constants {
	return Constants{PriceMax: 500, DaysMax: 30, WarningsMax: 5}
}

// Components holds the normalised sub-scores, each in [0,1].
type Components struct {
	Price float64 `json:"price"`
	Speed float64 `json:"speed"`
	Risk  float64 `json:"risk"`
}

// Engine computes scores with fixed constants.
type Engine struct {
	c Constants
}

// New returns an engine. Non-positive constants fall back to the defaults.
func New(c Constants) Engine {
	d := DefaultConstants()
	if c.PriceMax <= 0 {
		c.PriceMax = d.PriceMax
	}
	if c.DaysMax <= 0 {
		c.DaysMax = d.DaysMax
	}
	if c.WarningsMax <= 0 {
		c.WarningsMax = d.WarningsMax
	}
	return Engine{c: c}
}

// Constants returns the engine's constants.
func (e Engine) Constants() Constants { return e.c }

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// Components computes the sub-scores. Unknown price or delivery scores 0.
func (e Engine) Components(vc mission.VerifiedCandidate) Components {
	var out Components
	if total, ok := vc.TotalPrice(); ok {
		f, _ := total.Float64()
		out.Price = clamp01(1 - f/e.c.PriceMax)
	}
	if days, ok := vc.FastestDays(); ok {
		out.Speed = clamp01(1 - float64(days)/e.c.DaysMax)
	}
	out.Risk = clamp01(1 - float64(len(vc.Warnings))/e.c.WarningsMax)
	return out
}

// Score returns the weighted sum of the components.
func (e Engine) Score(vc mission.VerifiedCandidate, w mission.ObjectiveWeights) float64 {
	c := e.Components(vc)
	return w.Price*c.Price + w.Speed*c.Speed + w.Risk*c.Risk
}

// Ranked pairs a candidate with its score.
type Ranked struct {
	Candidate mission.VerifiedCandidate
	Index     int
	Score     float64
}

// Rank orders candidates by descending score. Ties keep input order.
func (e Engine) Rank(cands []mission.VerifiedCandidate, w mission.ObjectiveWeights) []Ranked {
	out := make([]Ranked, len(cands))
	for i, vc := range cands {
		out[i] = Ranked{Candidate: vc, Index: i, Score: e.Score(vc, w)}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

// Cheapest returns the index of the lowest total price. The first minimum
// wins; candidates without pricing are never chosen.
func Cheapest(cands []mission.VerifiedCandidate) (int, bool) {
	best := -1
	for i, vc := range cands {
		total, ok := vc.TotalPrice()
		if !ok {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		bt, _ := cands[best].TotalPrice()
		if total.LessThan(bt) {
			best = i
		}
	}
	return best, best >= 0
}

// Fastest returns the index of the fewest delivery days. The first minimum
// wins; candidates without shipping are never chosen.
func Fastest(cands []mission.VerifiedCandidate) (int, bool) {
	best, bestDays := -1, 0
	for i, vc := range cands {
		days, ok := vc.FastestDays()
		if !ok {
			continue
		}
		if best < 0 || days < bestDays {
			best, bestDays = i, days
		}
	}
	return best, best >= 0
}
