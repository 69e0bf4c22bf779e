package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cgast/missionctl/pkg/checkpoint"
	"github.com/cgast/missionctl/pkg/pipeline"
)

// historian is implemented by stores that keep a step history per session.
type historian interface {
	History(sessionID string) ([]checkpoint.Info, error)
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sessions", Short: "Inspect checkpointed sessions"}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsShowCmd())
	cmd.AddCommand(sessionsHistoryCmd())
	cmd.AddCommand(sessionsDeleteCmd())
	return cmd
}

func withStore(ctx context.Context, fn func(context.Context, checkpoint.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := checkpoint.Open(cfg.Checkpoint)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer store.Close()
	return fn(ctx, store)
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s checkpoint.Store) error {
				infos, err := s.List(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), infos)
				}
				renderInfos(cmd, infos)
				return nil
			})
		},
	}
}

func sessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show the last checkpoint of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s checkpoint.Store) error {
				rec, err := s.Load(ctx, args[0])
				if err != nil {
					return err
				}
				st, err := pipeline.UnmarshalState(rec.State)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), st)
				}
				renderResult(cmd.OutOrStdout(), pipeline.Result{
					State:       st,
					Terminal:    pipeline.Step(rec.Step),
					Paused:      st.CurrentStep == pipeline.CurrentAwaitingClarification,
					Recoverable: st.Recoverable,
				})
				fmt.Fprintf(cmd.OutOrStdout(), "Updated: %s\n", rec.UpdatedAt.Format(time.RFC3339))
				return nil
			})
		},
	}
}

func sessionsHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <session-id>",
		Short: "Show every checkpointed step of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s checkpoint.Store) error {
				h, ok := s.(historian)
				if !ok {
					return fmt.Errorf("checkpoint store %T keeps no step history", s)
				}
				infos, err := h.History(args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), infos)
				}
				renderInfos(cmd, infos)
				return nil
			})
		},
	}
}

func sessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s checkpoint.Store) error {
				if err := s.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func renderInfos(cmd *cobra.Command, infos []checkpoint.Info) {
	tw := table.NewWriter()
	tw.SetOutputMirror(cmd.OutOrStdout())
	tw.AppendHeader(table.Row{"Session", "Step", "Updated"})
	for _, i := range infos {
		tw.AppendRow(table.Row{i.SessionID, i.Step, i.UpdatedAt.Format(time.RFC3339)})
	}
	tw.Render()
}
