package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cgast/missionctl/pkg/checkpoint"
	"github.com/cgast/missionctl/pkg/retry"
	"github.com/cgast/missionctl/pkg/scoring"
)

// Config represents the runtime configuration from missionctl.yaml.
type Config struct {
	Log              LogConfig              `yaml:"log"`
	LLM              LLMConfig              `yaml:"llm"`
	Gateway          GatewayConfig          `yaml:"gateway"`
	Tools            ToolsConfig            `yaml:"tools"`
	Pipeline         PipelineConfig         `yaml:"pipeline"`
	Scoring          scoring.Constants      `yaml:"scoring"`
	Tax              TaxConfig              `yaml:"tax"`
	ShippingFallback ShippingFallbackConfig `yaml:"shipping_fallback"`
	Checkpoint       checkpoint.Config      `yaml:"checkpoint"`
	Evidence         EvidenceConfig         `yaml:"evidence"`
	Telemetry        TelemetryConfig        `yaml:"telemetry"`
	FakeShop         FakeShopConfig         `yaml:"fakeshop"`
	Server           ServerConfig           `yaml:"server"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "text", "json"
}

// LLMConfig points at an OpenAI-compatible endpoint. An empty api key
// disables model calls and the heuristic parser is used.
type LLMConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	PlannerModel string        `yaml:"planner_model"`
	AdvisorModel string        `yaml:"advisor_model"`
	Timeout      time.Duration `yaml:"timeout"`
}

// GatewayConfig selects the remote tool gateway. An empty base url runs
// the in-process fake shop instead.
type GatewayConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	Breaker      BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the gateway circuit breaker.
type BreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	Reset     time.Duration `yaml:"reset"`
}

// ToolsConfig configures the tool invocation facade.
type ToolsConfig struct {
	Retry        retry.Policy  `yaml:"retry"`
	RateLimitRPS float64       `yaml:"rate_limit_rps"`
	Burst        int           `yaml:"burst"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
	Concurrency  int           `yaml:"concurrency"`
}

// PipelineConfig bounds a single mission run.
type PipelineConfig struct {
	TokenBudget          int           `yaml:"token_budget"`
	Deadline             time.Duration `yaml:"deadline"`
	MaxTransitions       int           `yaml:"max_transitions"`
	ConfirmPlanSelection bool          `yaml:"confirm_plan_selection"`
	SearchLimit          int           `yaml:"search_limit"`
	DetailFetchLimit     int           `yaml:"detail_fetch_limit"`
	VerifyLimit          int           `yaml:"verify_limit"`
	UserID               string        `yaml:"user_id"`
}

// TaxConfig holds flat per-country rates.
type TaxConfig struct {
	DefaultRate float64            `yaml:"default_rate"`
	Rates       map[string]float64 `yaml:"rates"`
}

// ShippingFallbackConfig prices plans whose candidate has no quote.
type ShippingFallbackConfig struct {
	Price string `yaml:"price"`
	Days  int    `yaml:"days"`
}

// EvidenceConfig selects where evidence snapshots are archived.
type EvidenceConfig struct {
	Kind     string `yaml:"kind"` // "", "file", "s3", "gcs"
	Dir      string `yaml:"dir"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
	ServiceName string  `yaml:"service_name"`
}

// FakeShopConfig points at a catalog fixture. Empty uses the embedded one.
type FakeShopConfig struct {
	Catalog string `yaml:"catalog"`
}

// ServerConfig configures `missionctl gateway serve`.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	Burst          int           `yaml:"burst"`
	RedisAddr      string        `yaml:"redis_addr"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		LLM: LLMConfig{
			BaseURL:      "https://api.openai.com/v1",
			PlannerModel: "gpt-4o-mini",
			AdvisorModel: "gpt-4o-mini",
			Timeout:      30 * time.Second,
		},
		Gateway: GatewayConfig{
			Timeout:      30 * time.Second,
			MaxIdleConns: 16,
			Breaker:      BreakerConfig{Threshold: 5, Reset: 10 * time.Second},
		},
		Tools: ToolsConfig{
			Retry:        retry.DefaultPolicy(),
			RateLimitRPS: 0,
			Burst:        1,
			CallTimeout:  10 * time.Second,
			Concurrency:  10,
		},
		Pipeline: PipelineConfig{
			TokenBudget:      20000,
			Deadline:         2 * time.Minute,
			MaxTransitions:   16,
			SearchLimit:      20,
			DetailFetchLimit: 10,
			VerifyLimit:      10,
			UserID:           "local-user",
		},
		Scoring: scoring.DefaultConstants(),
		Tax: TaxConfig{
			DefaultRate: 0.08,
			Rates: map[string]float64{
				"DE": 0.19, "FR": 0.20, "GB": 0.20, "JP": 0.10,
				"CN": 0.13, "CA": 0.05, "AU": 0.10,
			},
		},
		ShippingFallback: ShippingFallbackConfig{Price: "9.99", Days: 7},
		Checkpoint:       checkpoint.Config{Driver: "bolt", DSN: "missionctl.db"},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			SampleRate:  1.0,
			ServiceName: "missionctl",
		},
		Server: ServerConfig{
			Addr:           ":8081",
			RateLimitRPS:   50,
			Burst:          100,
			IdempotencyTTL: 24 * time.Hour,
		},
	}
}

// LoadConfig reads and parses a runtime config YAML file, interpolating
// ${VAR} references from the environment first.
// Returns default config if the file doesn't exist.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	interpolated := interpolateEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem in the config at once.
func (c Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", c.Log.Format))
	}
	if c.Tools.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("tools.retry.max_attempts must be at least 1"))
	}
	if c.Tools.RateLimitRPS < 0 {
		errs = append(errs, errors.New("tools.rate_limit_rps must not be negative"))
	}
	if c.Tools.Concurrency < 1 {
		errs = append(errs, errors.New("tools.concurrency must be at least 1"))
	}
	if c.Pipeline.TokenBudget < 0 {
		errs = append(errs, errors.New("pipeline.token_budget must not be negative"))
	}
	if c.Pipeline.SearchLimit < 1 || c.Pipeline.SearchLimit > 100 {
		errs = append(errs, errors.New("pipeline.search_limit must be between 1 and 100"))
	}
	if c.Scoring.PriceMax <= 0 || c.Scoring.DaysMax <= 0 || c.Scoring.WarningsMax <= 0 {
		errs = append(errs, errors.New("scoring constants must be positive"))
	}
	if c.Tax.DefaultRate < 0 || c.Tax.DefaultRate >= 1 {
		errs = append(errs, fmt.Errorf("tax.default_rate %v must be in [0,1)", c.Tax.DefaultRate))
	}
	for country, r := range c.Tax.Rates {
		if len(country) != 2 || strings.ToUpper(country) != country {
			errs = append(errs, fmt.Errorf("tax.rates key %q is not an ISO-3166 alpha-2 code", country))
		}
		if r < 0 || r >= 1 {
			errs = append(errs, fmt.Errorf("tax.rates[%s] %v must be in [0,1)", country, r))
		}
	}
	if !decimalPattern.MatchString(c.ShippingFallback.Price) {
		errs = append(errs, fmt.Errorf("shipping_fallback.price %q is not a decimal amount", c.ShippingFallback.Price))
	}
	if c.ShippingFallback.Days < 1 {
		errs = append(errs, errors.New("shipping_fallback.days must be at least 1"))
	}
	switch c.Checkpoint.Driver {
	case "", "bolt", "bbolt", checkpoint.DialectSQLite, checkpoint.DialectPostgres:
	default:
		errs = append(errs, fmt.Errorf("checkpoint.driver %q is not one of bolt, sqlite, postgres", c.Checkpoint.Driver))
	}
	switch c.Evidence.Kind {
	case "":
	case "file":
		if c.Evidence.Dir == "" {
			errs = append(errs, errors.New("evidence.dir is required for kind file"))
		}
	case "s3", "gcs":
		if c.Evidence.Bucket == "" {
			errs = append(errs, fmt.Errorf("evidence.bucket is required for kind %s", c.Evidence.Kind))
		}
	default:
		errs = append(errs, fmt.Errorf("evidence.kind %q is not one of file, s3, gcs", c.Evidence.Kind))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, errors.New("telemetry.sample_rate must be in [0,1]"))
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		errs = append(errs, errors.New("telemetry.endpoint is required when telemetry is enabled"))
	}
	return errors.Join(errs...)
}

var decimalPattern = regexp.MustCompile(`^\d+(\.\d{1,2})?$`)

// envVarPattern matches ${VAR_NAME} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolateEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func interpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match // Leave unresolved if not set.
	})
}
