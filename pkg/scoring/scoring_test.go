package scoring

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgast/missionctl/pkg/mission"
)

func candidate(id string, price string, days int, warnings int) mission.VerifiedCandidate {
	vc := mission.VerifiedCandidate{Candidate: mission.Candidate{OfferID: id}, Passed: true}
	if price != "" {
		vc.Checks.Pricing = &mission.PricingCheck{TotalPrice: decimal.RequireFromString(price)}
	}
	if days >= 0 {
		vc.Checks.Shipping = &mission.ShippingCheck{OptionsCount: 1, FastestDays: days}
	}
	for i := 0; i < warnings; i++ {
		vc.Warnings = append(vc.Warnings, "w")
	}
	return vc
}

func TestComponents(t *testing.T) {
	e := New(DefaultConstants())
	c := e.Components(candidate("a", "250", 15, 1))
	assert.InDelta(t, 0.5, c.Price, 1e-9)
	assert.InDelta(t, 0.5, c.Speed, 1e-9)
	assert.InDelta(t, 0.8, c.Risk, 1e-9)

	c = e.Components(candidate("b", "900", 45, 9))
	assert.Equal(t, Components{}, c, "components clamp at zero")

	c = e.Components(candidate("c", "", -1, 0))
	assert.Equal(t, 0.0, c.Price)
	assert.Equal(t, 0.0, c.Speed)
	assert.Equal(t, 1.0, c.Risk)
}

func TestConfigurableConstants(t *testing.T) {
	e := New(Constants{PriceMax: 100, DaysMax: 10, WarningsMax: 2})
	c := e.Components(candidate("a", "50", 5, 1))
	assert.InDelta(t, 0.5, c.Price, 1e-9)
	assert.InDelta(t, 0.5, c.Speed, 1e-9)
	assert.InDelta(t, 0.5, c.Risk, 1e-9)

	assert.Equal(t, DefaultConstants(), New(Constants{}).Constants())
}

func TestScoreWeights(t *testing.T) {
	e := New(DefaultConstants())
	vc := candidate("a", "250", 15, 1)
	w := mission.ObjectiveWeights{Price: 0.4, Speed: 0.3, Risk: 0.3}
	assert.InDelta(t, 0.4*0.5+0.3*0.5+0.3*0.8, e.Score(vc, w), 1e-9)
}

func TestRankStableOnTies(t *testing.T) {
	e := New(DefaultConstants())
	cands := []mission.VerifiedCandidate{
		candidate("first", "100", 5, 0),
		candidate("better", "10", 2, 0),
		candidate("second", "100", 5, 0),
	}
	ranked := e.Rank(cands, mission.DefaultWeights())
	require.Len(t, ranked, 3)
	assert.Equal(t, "better", ranked[0].Candidate.OfferID)
	assert.Equal(t, "first", ranked[1].Candidate.OfferID)
	assert.Equal(t, "second", ranked[2].Candidate.OfferID)
	assert.Equal(t, 0, ranked[1].Index)
}

func TestCheapestAndFastest(t *testing.T) {
	cands := []mission.VerifiedCandidate{
		candidate("nopricing", "", 1, 0),
		candidate("a", "20", 9, 0),
		candidate("b", "20", 3, 0),
		candidate("c", "30", 3, 0),
	}
	i, ok := Cheapest(cands)
	require.True(t, ok)
	assert.Equal(t, 1, i)

	i, ok = Fastest(cands)
	require.True(t, ok)
	assert.Equal(t, 0, i)

	_, ok = Cheapest([]mission.VerifiedCandidate{candidate("x", "", 1, 0)})
	assert.False(t, ok)
	_, ok = Fastest(nil)
	assert.False(t, ok)
}

func TestScoringDeterministic(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)
	e := New(DefaultConstants())

	properties.Property("same input gives same score in [0,1]", prop.ForAll(
		func(cents int64, days int, warnings int, wp, ws, wr float64) bool {
			vc := candidate("p", decimal.New(cents, -2).String(), days, warnings)
			sum := wp + ws + wr
			w := mission.ObjectiveWeights{Price: wp / sum, Speed: ws / sum, Risk: wr / sum}
			a := e.Score(vc, w)
			b := e.Score(vc, w)
			return a == b && a >= -1e-9 && a <= 1+1e-9
		},
		gen.Int64Range(0, 100_000),
		gen.IntRange(0, 60),
		gen.IntRange(0, 10),
		gen.Float64Range(0.01, 1),
		gen.Float64Range(0.01, 1),
		gen.Float64Range(0.01, 1),
	))

	properties.Property("rank is a permutation sorted by score", prop.ForAll(
		func(prices []int64) bool {
			cands := make([]mission.VerifiedCandidate, len(prices))
			for i, p := range prices {
				cands[i] = candidate("c", decimal.New(p, -2).String(), 5, 0)
			}
			ranked := e.Rank(cands, mission.DefaultWeights())
			if len(ranked) != len(cands) {
				return false
			}
			for i := 1; i < len(ranked); i++ {
				if ranked[i-1].Score < ranked[i].Score {
					return false
				}
				if ranked[i-1].Score == ranked[i].Score && ranked[i-1].Index > ranked[i].Index {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(0, 60_000)),
	))

	properties.TestingRun(t)
}
