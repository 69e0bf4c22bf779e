package stage

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/cgast/missionctl/pkg/mission"
)

type countryAlias struct {
	code    string
	aliases []string
}

var countries = []countryAlias{
	{"US", []string{"united states", "usa", "america"}},
	{"DE", []string{"germany", "deutschland"}},
	{"GB", []string{"united kingdom", "great britain", "britain", "england", "uk"}},
	{"JP", []string{"japan"}},
	{"CN", []string{"china"}},
	{"FR", []string{"france"}},
	{"CA", []string{"canada"}},
	{"AU", []string{"australia"}},
}

// knownCodes are the destinations accepted as bare "ship to XX" codes.
var knownCodes = map[string]bool{
	"US": true, "DE": true, "GB": true, "JP": true, "CN": true, "FR": true, "CA": true, "AU": true,
	"IT": true, "ES": true, "NL": true, "AT": true, "BE": true, "IE": true, "CH": true, "SE": true,
}

var (
	countryPatterns = compileCountries()
	shipToCode      = regexp.MustCompile(`\b(?:ship|deliver|send)(?:ped|ping)?\s+to\s+([a-z]{2})\b`)

	amountPatterns = []struct {
		re       *regexp.Regexp
		currency string
	}{
		{regexp.MustCompile(`\$\s*(\d+(?:\.\d{1,2})?)`), "USD"},
		{regexp.MustCompile(`€\s*(\d+(?:[.,]\d{1,2})?)`), "EUR"},
		{regexp.MustCompile(`£\s*(\d+(?:\.\d{1,2})?)`), "GBP"},
		{regexp.MustCompile(`(\d+(?:\.\d{1,2})?)\s*(?:usd|dollars?)\b`), "USD"},
		{regexp.MustCompile(`(\d+(?:[.,]\d{1,2})?)\s*(?:eur\b|euros?\b|€)`), "EUR"},
		{regexp.MustCompile(`(\d+(?:\.\d{1,2})?)\s*(?:gbp|pounds?)\b`), "GBP"},
	}

	quantityPattern = regexp.MustCompile(`\b(\d+)\s*(?:pcs|pieces|units|x)\b`)
	arrivalPattern  = regexp.MustCompile(`\bwithin\s+(\d+)\s+days?\b`)
	speedPattern    = regexp.MustCompile(`\b(?:fast|quick|quickly|asap|urgent|express)\b`)
	cheapPattern    = regexp.MustCompile(`\b(?:cheap|cheapest|inexpensive|affordable)\b`)
)

type keyword struct {
	kind  mission.ConstraintType
	value string
	re    *regexp.Regexp
}

var constraintKeywords = compileKeywords(map[mission.ConstraintType][]string{
	mission.ConstraintCompatibility: {"iphone", "samsung"},
	mission.ConstraintFeature:       {"wireless", "magsafe", "usb-c"},
	mission.ConstraintCategory:      {"charger", "cable", "case", "headphones"},
})

func compileKeywords(groups map[mission.ConstraintType][]string) []keyword {
	order := []mission.ConstraintType{mission.ConstraintCompatibility, mission.ConstraintFeature, mission.ConstraintCategory}
	var out []keyword
	for _, kind := range order {
		for _, kw := range groups[kind] {
			out = append(out, keyword{kind: kind, value: kw, re: regexp.MustCompile(`\b` + regexp.QuoteMeta(kw))})
		}
	}
	return out
}

func compileCountries() map[string][]*regexp.Regexp {
	out := make(map[string][]*regexp.Regexp, len(countries))
	for _, c := range countries {
		for _, a := range c.aliases {
			out[c.code] = append(out[c.code], regexp.MustCompile(`\b`+regexp.QuoteMeta(a)+`\b`))
		}
	}
	return out
}

// normalize folds case and compatibility forms so full-width digits and
// mixed case match the patterns.
func normalize(text string) string {
	return cases.Fold().String(norm.NFKC.String(text))
}

// findCountry returns the destination mentioned earliest in text.
func findCountry(text string) (string, bool) {
	best, bestPos := "", -1
	for _, c := range countries {
		for _, re := range countryPatterns[c.code] {
			if loc := re.FindStringIndex(text); loc != nil && (bestPos < 0 || loc[0] < bestPos) {
				best, bestPos = c.code, loc[0]
			}
		}
	}
	if m := shipToCode.FindStringSubmatchIndex(text); m != nil {
		code := strings.ToUpper(text[m[2]:m[3]])
		if knownCodes[code] && (bestPos < 0 || m[0] < bestPos) {
			best, bestPos = code, m[0]
		}
	}
	return best, bestPos >= 0
}

// findBudget returns the first currency amount in text.
func findBudget(text string) (decimal.Decimal, string, bool) {
	type hit struct {
		pos      int
		amount   string
		currency string
	}
	var hits []hit
	for _, p := range amountPatterns {
		if m := p.re.FindStringSubmatchIndex(text); m != nil {
			hits = append(hits, hit{pos: m[0], amount: text[m[2]:m[3]], currency: p.currency})
		}
	}
	if len(hits) == 0 {
		return decimal.Decimal{}, "", false
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	amount, err := decimal.NewFromString(strings.Replace(hits[0].amount, ",", ".", 1))
	if err != nil {
		return decimal.Decimal{}, "", false
	}
	return amount, hits[0].currency, true
}

func firstInt(re *regexp.Regexp, text string) (int, bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	return n, err == nil
}

// parseHeuristic extracts a mission from free text with keyword and pattern
// matching. It asks for clarification only when no destination is found.
func parseHeuristic(text string) extraction {
	folded := normalize(text)

	m := mission.MissionSpec{
		Query:          text,
		BudgetCurrency: "USD",
		Quantity:       1,
		Weights:        mission.DefaultWeights(),
		SearchQuery:    strings.TrimSpace(text),
	}

	country, ok := findCountry(folded)
	if !ok {
		return extraction{clarify: []string{"Which country should the order be shipped to?"}}
	}
	m.DestinationCountry = country

	if amount, currency, ok := findBudget(folded); ok {
		m.BudgetAmount = &amount
		m.BudgetCurrency = currency
	}
	if n, ok := firstInt(quantityPattern, folded); ok && n > 0 {
		m.Quantity = n
	}
	if n, ok := firstInt(arrivalPattern, folded); ok {
		m.ArrivalDaysMax = n
	}

	for _, kw := range constraintKeywords {
		if kw.re.MatchString(folded) {
			m.HardConstraints = append(m.HardConstraints, mission.HardConstraint{Type: kw.kind, Value: kw.value, Operator: "eq"})
		}
	}
	if speedPattern.MatchString(folded) || m.ArrivalDaysMax > 0 {
		m.SoftPreferences = append(m.SoftPreferences, mission.SoftPreference{Type: "delivery_speed", Value: "fast", Weight: 0.7})
	}
	if cheapPattern.MatchString(folded) {
		m.SoftPreferences = append(m.SoftPreferences, mission.SoftPreference{Type: "price", Value: "low", Weight: 0.7})
	}
	return extraction{mission: m, source: "heuristic"}
}
