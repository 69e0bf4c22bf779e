// Package fakeshop is a deterministic in-process commerce backend. It serves
// every tool the pipeline calls from a YAML catalog fixture, enforces
// idempotency keys on mutating tools and supports fault injection for tests.
package fakeshop

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

// SupportedVersions is the range of fixture versions this package reads.
const SupportedVersions = ">= 1.0.0, < 2.0.0"

// Catalog is the parsed fixture.
type Catalog struct {
	Version         string             `yaml:"version"`
	Currency        string             `yaml:"currency"`
	DefaultTaxRate  float64            `yaml:"default_tax_rate"`
	TaxRates        map[string]float64 `yaml:"tax_rates"`
	RulesetVersion  string             `yaml:"ruleset_version"`
	Shipping        []ShippingOption   `yaml:"shipping"`
	Offers          []Offer            `yaml:"offers"`
	ComplianceRules []ComplianceRule   `yaml:"compliance_rules"`

	offers map[string]*Offer
	skus   map[string]skuRef
	rules  []compiledRule
}

// Offer is a catalog listing.
type Offer struct {
	OfferID        string           `yaml:"offer_id"`
	Title          string           `yaml:"title"`
	Brand          string           `yaml:"brand"`
	Category       []string         `yaml:"category"`
	Keywords       []string         `yaml:"keywords"`
	RiskTags       []string         `yaml:"risk_tags"`
	ComplianceTags []string         `yaml:"compliance_tags"`
	SKUs           []SKU            `yaml:"skus"`
	Shipping       []ShippingOption `yaml:"shipping"`
}

// SKU is a purchasable variant.
type SKU struct {
	SKUID string `yaml:"sku_id"`
	Price string `yaml:"price"`
	Stock int    `yaml:"stock"`
}

// ShippingOption is a delivery method with its price and ETA.
type ShippingOption struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Price      string `yaml:"price"`
	EtaMinDays int    `yaml:"eta_min_days"`
	EtaMaxDays int    `yaml:"eta_max_days"`
}

// Rule actions.
const (
	ActionBlock = "block"
	ActionDocs  = "docs"
	ActionWarn  = "warn"
)

// ComplianceRule is a CEL predicate over the item and destination. When it
// evaluates to true the action applies.
type ComplianceRule struct {
	ID           string   `yaml:"id"`
	Expr         string   `yaml:"expr"`
	Action       string   `yaml:"action"`
	Message      string   `yaml:"message"`
	RequiredDocs []string `yaml:"required_docs"`
}

type skuRef struct {
	offer *Offer
	sku   SKU
	price decimal.Decimal
}

type compiledRule struct {
	ComplianceRule
	prg cel.Program
}

// LoadCatalog reads a fixture file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// DefaultCatalog returns the embedded demo catalog.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// ParseCatalog parses, validates and indexes a fixture.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if c.Currency == "" {
		c.Currency = "USD"
	}
	if c.DefaultTaxRate == 0 {
		c.DefaultTaxRate = 0.08
	}
	if result := ValidateCatalog(&c); !result.Valid() {
		return nil, result
	}
	return &c, nil
}

// ValidationError is a single fixture problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationResult collects every problem found in a fixture.
type ValidationResult struct {
	Errors []ValidationError
}

// Valid returns true if no validation errors were found.
func (r ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r ValidationResult) Error() string {
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("catalog validation failed: %s", strings.Join(msgs, "; "))
}

func (r *ValidationResult) add(field, format string, args ...any) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// ValidateCatalog checks the fixture and builds its indexes and compiled rules.
func ValidateCatalog(c *Catalog) ValidationResult {
	var result ValidationResult

	constraint, _ := semver.NewConstraint(SupportedVersions)
	if c.Version == "" {
		result.add("version", "required")
	} else if v, err := semver.NewVersion(c.Version); err != nil {
		result.add("version", "invalid semantic version %q", c.Version)
	} else if !constraint.Check(v) {
		result.add("version", "unsupported version %s (want %s)", c.Version, SupportedVersions)
	}

	for i, s := range c.Shipping {
		validateShipping(&result, fmt.Sprintf("shipping[%d]", i), s)
	}

	c.offers = make(map[string]*Offer, len(c.Offers))
	c.skus = make(map[string]skuRef)
	for i := range c.Offers {
		o := &c.Offers[i]
		field := fmt.Sprintf("offers[%d]", i)
		if o.OfferID == "" {
			result.add(field+".offer_id", "required")
			continue
		}
		if _, dup := c.offers[o.OfferID]; dup {
			result.add(field+".offer_id", "duplicate offer %s", o.OfferID)
			continue
		}
		c.offers[o.OfferID] = o
		if len(o.SKUs) == 0 {
			result.add(field+".skus", "offer %s has no skus", o.OfferID)
		}
		for j, s := range o.SKUs {
			sf := fmt.Sprintf("%s.skus[%d]", field, j)
			price, err := decimal.NewFromString(s.Price)
			if err != nil || !price.IsPositive() {
				result.add(sf+".price", "price %q must be a positive amount", s.Price)
				continue
			}
			if _, dup := c.skus[s.SKUID]; dup || s.SKUID == "" {
				result.add(sf+".sku_id", "missing or duplicate sku id %q", s.SKUID)
				continue
			}
			c.skus[s.SKUID] = skuRef{offer: o, sku: s, price: price}
		}
		for j, s := range o.Shipping {
			validateShipping(&result, fmt.Sprintf("%s.shipping[%d]", field, j), s)
		}
	}

	env, err := complianceEnv()
	if err != nil {
		result.add("compliance_rules", "cel environment: %v", err)
		return result
	}
	c.rules = c.rules[:0]
	for i, r := range c.ComplianceRules {
		field := fmt.Sprintf("compliance_rules[%d]", i)
		switch r.Action {
		case ActionBlock, ActionDocs, ActionWarn:
		default:
			result.add(field+".action", "unknown action %q", r.Action)
		}
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			result.add(field+".expr", "compile: %v", issues.Err())
			continue
		}
		prg, err := env.Program(ast)
		if err != nil {
			result.add(field+".expr", "program: %v", err)
			continue
		}
		c.rules = append(c.rules, compiledRule{ComplianceRule: r, prg: prg})
	}

	return result
}

func validateShipping(result *ValidationResult, field string, s ShippingOption) {
	if s.ID == "" {
		result.add(field+".id", "required")
	}
	if p, err := decimal.NewFromString(s.Price); err != nil || p.IsNegative() {
		result.add(field+".price", "price %q must be a non-negative amount", s.Price)
	}
	if s.EtaMinDays < 0 || s.EtaMinDays > s.EtaMaxDays {
		result.add(field+".eta", "eta %d..%d is not ordered", s.EtaMinDays, s.EtaMaxDays)
	}
}

func complianceEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("country", cel.StringType),
		cel.Variable("brand", cel.StringType),
		cel.Variable("risk_tags", cel.ListType(cel.StringType)),
		cel.Variable("compliance_tags", cel.ListType(cel.StringType)),
		cel.Variable("category", cel.ListType(cel.StringType)),
	)
}

// TaxRate returns the fixture's tax rate for a destination.
func (c *Catalog) TaxRate(country string) decimal.Decimal {
	if r, ok := c.TaxRates[country]; ok {
		return decimal.NewFromFloat(r)
	}
	return decimal.NewFromFloat(c.DefaultTaxRate)
}

func (c *Catalog) offer(id string) (*Offer, bool) {
	o, ok := c.offers[id]
	return o, ok
}

func (c *Catalog) sku(id string) (skuRef, bool) {
	s, ok := c.skus[id]
	return s, ok
}

func (c *Catalog) shippingFor(o *Offer) []ShippingOption {
	if len(o.Shipping) > 0 {
		return o.Shipping
	}
	return c.Shipping
}

// complianceVerdict is the outcome of evaluating every rule for one item.
type complianceVerdict struct {
	Allowed      bool
	Issues       []issue
	RequiredDocs []string
	Warnings     []string
}

type issue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Catalog) evaluate(o *Offer, country string) (complianceVerdict, error) {
	v := complianceVerdict{Allowed: true}
	vars := map[string]any{
		"country":         country,
		"brand":           o.Brand,
		"risk_tags":       nonNil(o.RiskTags),
		"compliance_tags": nonNil(o.ComplianceTags),
		"category":        nonNil(o.Category),
	}
	for _, r := range c.rules {
		out, _, err := r.prg.Eval(vars)
		if err != nil {
			return v, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		hit, ok := out.Value().(bool)
		if !ok {
			return v, fmt.Errorf("rule %s: expression is not boolean", r.ID)
		}
		if !hit {
			continue
		}
		switch r.Action {
		case ActionBlock:
			v.Allowed = false
			v.Issues = append(v.Issues, issue{Code: r.ID, Message: r.Message})
		case ActionDocs:
			v.RequiredDocs = append(v.RequiredDocs, r.RequiredDocs...)
		case ActionWarn:
			v.Warnings = append(v.Warnings, r.Message)
		}
	}
	return v, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
