package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cgast/missionctl/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "missionctl",
	Short: "Turn a purchase request into a payment-ready draft order",
	Long: `missionctl runs a purchase mission through five stages:
intent extraction, candidate search, verification, planning and execution.
The run ends with a draft order and an evidence snapshot. Payment is never
captured; the user confirms and pays outside missionctl.

Sessions are checkpointed after every stage, so a run that paused for a
clarification, a plan choice or a transient upstream failure can be resumed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MISSIONCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "missionctl.yaml", "runtime config file")
	pf.Bool("json", false, "output JSON")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-format", "", "log format (text, json)")
	pf.String("user-id", "", "user the mission runs for")
	pf.String("catalog", "", "fake shop catalog fixture (default: embedded demo catalog)")
	pf.String("gateway-url", "", "remote tool gateway base URL (default: in-process fake shop)")
	pf.String("checkpoint-driver", "", "checkpoint store (bolt, sqlite, postgres)")
	pf.String("checkpoint-dsn", "", "checkpoint store path or DSN")
	for _, name := range []string{
		"config", "json", "log-level", "log-format", "user-id", "catalog",
		"gateway-url", "checkpoint-driver", "checkpoint-dsn",
	} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(demoCmd())
}

// loadConfig reads the config file, then layers flags and MISSIONCTL_*
// environment variables on top.
func loadConfig() (config.Config, error) {
	cfg, err := config.LoadConfig(viper.GetString("config"))
	if err != nil {
		return cfg, err
	}
	overlayString(&cfg.Log.Level, "log-level")
	overlayString(&cfg.Log.Format, "log-format")
	overlayString(&cfg.Pipeline.UserID, "user-id")
	overlayString(&cfg.FakeShop.Catalog, "catalog")
	overlayString(&cfg.Gateway.BaseURL, "gateway-url")
	overlayString(&cfg.Checkpoint.Driver, "checkpoint-driver")
	overlayString(&cfg.Checkpoint.DSN, "checkpoint-dsn")
	overlayString(&cfg.LLM.APIKey, "llm-api-key")
	overlayString(&cfg.LLM.BaseURL, "llm-base-url")
	overlayString(&cfg.Server.RedisAddr, "redis-addr")
	if viper.IsSet("telemetry-endpoint") {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Endpoint = viper.GetString("telemetry-endpoint")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func overlayString(dst *string, key string) {
	if viper.IsSet(key) {
		if v := viper.GetString(key); v != "" {
			*dst = v
		}
	}
}
