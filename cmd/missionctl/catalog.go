package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/cgast/missionctl/internal/config"
	"github.com/cgast/missionctl/pkg/fakeshop"
)

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "catalog", Short: "Work with fake shop catalog fixtures"}
	cmd.AddCommand(catalogValidateCmd())
	cmd.AddCommand(catalogToolsCmd())
	return cmd
}

func catalogValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a catalog fixture (default: the embedded catalog)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			c, err := loadCatalog(path)
			var vr fakeshop.ValidationResult
			if errors.As(err, &vr) {
				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"Field", "Problem"})
				for _, e := range vr.Errors {
					tw.AppendRow(table.Row{e.Field, e.Message})
				}
				tw.Render()
				return &exitError{code: exitCodeError}
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "catalog %s is valid: %d offers, currency %s, ruleset %s\n",
				c.Version, len(c.Offers), c.Currency, c.RulesetVersion)
			return nil
		},
	}
}

func catalogToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools the fake shop serves",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := loadCatalog(cfg.FakeShop.Catalog)
			if err != nil {
				return err
			}
			infos := toolInfos(fakeshop.New(c))
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), infos)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"Tool", "Mutating", "Description"})
			for _, t := range infos {
				tw.AppendRow(table.Row{t.Name, t.Mutating, t.Description})
			}
			tw.Render()
			return nil
		},
	}
}

func initCmd() *cobra.Command {
	var output string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with every default spelled out",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(output); err == nil && !force {
				return fmt.Errorf("file %q already exists (use --force to overwrite)", output)
			}
			data, err := yaml.Marshal(config.DefaultConfig())
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			if dir := filepath.Dir(output); dir != "." {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return fmt.Errorf("create output dir: %w", err)
				}
			}
			if err := os.WriteFile(output, data, 0644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", output)
			fmt.Fprintln(cmd.OutOrStdout(), "Set llm.api_key (or MISSIONCTL_LLM_API_KEY) to use model extraction, then run:")
			fmt.Fprintf(cmd.OutOrStdout(), "  missionctl --config %s run \"<request>\"\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "missionctl.yaml", "config file to write")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
