package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cgast/missionctl/pkg/fakeshop"
	"github.com/cgast/missionctl/pkg/pipeline"
	"github.com/cgast/missionctl/pkg/tool"
)

const demoRequest = "wireless charger for iPhone 15, budget $50, ship to Germany"

func demoCmd() *cobra.Command {
	var scenario string
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a canned mission against the embedded catalog",
		Long: `Demo runs one mission end to end against the in-process fake shop with a
throwaway checkpoint file, printing pipeline events to stderr.

Scenarios:
  ready     the request is complete and a draft order is created
  clarify   the destination is missing; the run pauses and is resumed
  upstream  draft-order creation fails upstream; the run is resumed after recovery`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir, err := os.MkdirTemp("", "missionctl-demo")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)
			cfg.Checkpoint.Driver = "bolt"
			cfg.Checkpoint.DSN = filepath.Join(dir, "demo.db")
			cfg.Gateway.BaseURL = ""
			cfg.Evidence.Kind = "file"
			cfg.Evidence.Dir = dir

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(cmd.Context()))

			ch := a.bus.SubscribeSession("demo")
			defer a.bus.Unsubscribe(ch)
			go func() {
				for ev := range ch {
					fmt.Fprintf(cmd.ErrOrStderr(), "[event] %s %v\n", ev.Type, ev.Data)
				}
			}()
			return runDemo(cmd.Context(), cmd, a, scenario)
		},
	}
	cmd.Flags().StringVar(&scenario, "scenario", "ready", "ready, clarify or upstream")
	return cmd
}

func runDemo(ctx context.Context, cmd *cobra.Command, a *app, scenario string) error {
	out := cmd.OutOrStdout()
	start := pipeline.StartRequest{SessionID: "demo", UserID: a.cfg.Pipeline.UserID, Text: demoRequest}

	switch scenario {
	case "ready":
		res, err := a.orch.Start(ctx, start)
		if err != nil {
			return err
		}
		return report(out, res)

	case "clarify":
		start.Text = "wireless charger for iPhone 15, budget $50"
		res, err := a.orch.Start(ctx, start)
		if err != nil {
			return err
		}
		renderResult(out, res)
		fmt.Fprintln(out, "\n> Ship it to Germany please")
		res, err = a.orch.Resume(ctx, start.SessionID, pipeline.ResumeInput{Message: "Ship it to Germany please"})
		if err != nil {
			return err
		}
		return report(out, res)

	case "upstream":
		a.shop.Inject(tool.CreateDraftOrder, fakeshop.Fault{
			Code:    tool.CodeUpstreamError,
			Message: "checkout service unavailable",
			Times:   -1,
		})
		res, err := a.orch.Start(ctx, start)
		if err != nil {
			return err
		}
		renderResult(out, res)
		a.shop.ClearFaults()
		fmt.Fprintln(out, "\n> upstream recovered, resuming")
		res, err = a.orch.Resume(ctx, start.SessionID, pipeline.ResumeInput{})
		if err != nil {
			return err
		}
		return report(out, res)

	default:
		return fmt.Errorf("unknown scenario %q (want ready, clarify or upstream)", scenario)
	}
}
