package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cgast/missionctl/pkg/pipeline"
)

// Process exit codes.
const (
	exitCodeOK      = 0
	exitCodeError   = 1
	exitCodeAborted = 2
)

func runCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "run <request>",
		Short: "Start a mission from a natural-language purchase request",
		Example: `  missionctl run "wireless charger for iPhone 15, budget $50, ship to Germany"
  missionctl run --session s1 "usb-c cable under 20 EUR to France"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				res, err := a.orch.Start(ctx, pipeline.StartRequest{
					SessionID: sessionID,
					UserID:    a.cfg.Pipeline.UserID,
					Text:      strings.Join(args, " "),
				})
				if err != nil {
					return err
				}
				return report(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (default: generated)")
	return cmd
}

func resumeCmd() *cobra.Command {
	var in pipeline.ResumeInput
	cmd := &cobra.Command{
		Use:   "resume <session-id> [answer]",
		Short: "Continue a paused or failed session",
		Long: `Resume continues a checkpointed session. Pass an answer when the run asked
a clarification question, --plan to confirm a plan when it awaits a choice, or
nothing to retry a run that stopped on a recoverable error.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Message = strings.Join(args[1:], " ")
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				res, err := a.orch.Resume(ctx, args[0], in)
				if err != nil {
					return err
				}
				return report(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&in.SelectedPlan, "plan", "", "plan name to confirm")
	return cmd
}

// exitCode maps a run result to the process exit status.
func exitCode(res pipeline.Result) int {
	switch {
	case res.Aborted:
		return exitCodeAborted
	case res.Terminal == pipeline.StepError:
		return exitCodeError
	default:
		return exitCodeOK
	}
}

// report renders the result and returns an exitError for non-zero codes.
func report(w io.Writer, res pipeline.Result) error {
	var err error
	if viper.GetBool("json") {
		err = printJSON(w, res.State)
	} else {
		renderResult(w, res)
	}
	if err != nil {
		return err
	}
	if code := exitCode(res); code != exitCodeOK {
		return &exitError{code: code}
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderResult(w io.Writer, res pipeline.Result) {
	st := res.State
	fmt.Fprintf(w, "Session: %s\n", st.SessionID)
	switch {
	case res.Paused:
		fmt.Fprintln(w, "Status:  waiting for clarification")
		for _, q := range st.Clarifications {
			fmt.Fprintf(w, "  ? %s\n", q)
		}
		fmt.Fprintf(w, "Answer with: missionctl resume %s \"<answer>\"\n", st.SessionID)
		return
	case res.Aborted:
		fmt.Fprintf(w, "Status:  aborted before %s\n", st.Next)
		fmt.Fprintf(w, "Continue with: missionctl resume %s\n", st.SessionID)
		return
	}
	fmt.Fprintf(w, "Status:  %s\n", res.Terminal)

	if st.Error != nil {
		fmt.Fprintf(w, "Error:   %s (%s)\n", st.Error.Message, st.Error.Code)
		if res.Recoverable {
			fmt.Fprintf(w, "The failure is transient. Retry with: missionctl resume %s\n", st.SessionID)
		}
		return
	}

	if len(st.Plans) > 0 {
		renderPlans(w, res)
	}
	if len(st.Rejected) > 0 && len(st.Verified) == 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(w)
		tw.AppendHeader(table.Row{"Offer", "Title", "Rejected because"})
		for _, r := range st.Rejected {
			tw.AppendRow(table.Row{r.OfferID, r.Title, r.RejectionReason})
		}
		tw.Render()
	}

	switch res.Terminal {
	case pipeline.StepNoResults:
		fmt.Fprintln(w, "No offers matched the request. Try broader wording or a higher budget.")
	case pipeline.StepAwaitingUser:
		if len(st.Plans) == 0 {
			fmt.Fprintln(w, "No plan could be priced. Refine the request and start again.")
		} else {
			fmt.Fprintf(w, "Confirm with: missionctl resume %s --plan %q\n", st.SessionID, st.RecommendedPlan)
		}
	case pipeline.StepDone:
		renderExecution(w, st)
	}
}

func renderPlans(w io.Writer, res pipeline.Result) {
	st := res.State
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"", "Plan", "Item", "Subtotal", "Shipping", "Tax", "Total", "Delivery", "Risks"})
	for _, p := range st.Plans {
		mark := ""
		if p.PlanName == st.RecommendedPlan {
			mark = "*"
		}
		title := ""
		if len(p.Items) > 0 {
			title = p.Items[0].Title
		}
		tw.AppendRow(table.Row{
			mark,
			p.PlanName,
			title,
			p.Total.Subtotal.StringFixed(2),
			p.Total.ShippingCost.StringFixed(2),
			p.Total.TaxEstimate.StringFixed(2),
			p.Total.TotalLandedCost.StringFixed(2) + " " + p.Total.Currency,
			fmt.Sprintf("%d-%d days", p.Delivery.MinDays, p.Delivery.MaxDays),
			len(p.Risks),
		})
	}
	tw.Render()
	if st.RecommendationReason != "" {
		fmt.Fprintf(w, "* Recommended: %s\n", st.RecommendationReason)
	}
}

func renderExecution(w io.Writer, st pipeline.State) {
	ex := st.Execution
	if ex == nil {
		return
	}
	fmt.Fprintln(w, ex.Summary)
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendRows([]table.Row{
		{"Draft order", ex.DraftOrderID},
		{"Cart", ex.CartID},
		{"Payable", ex.PayableAmount.StringFixed(2) + " " + ex.Currency},
		{"Evidence snapshot", ex.EvidenceSnapshotID},
	})
	if ex.EvidenceLocation != "" {
		tw.AppendRow(table.Row{"Evidence archive", ex.EvidenceLocation})
	}
	tw.Render()
	if len(ex.ConfirmationItems) > 0 {
		fmt.Fprintln(w, "Before paying, confirm:")
		for _, c := range ex.ConfirmationItems {
			fmt.Fprintf(w, "  - %s\n", c)
		}
	}
	for _, warn := range ex.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
}
