package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/netsendo/funnel/internal/abtest"
	"github.com/netsendo/funnel/pkg/api"
)

func newABTestCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abtest",
		Short: "Inspect the A/B test behind a split step",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "results <funnel-id> <split-step-id>",
			Short: "Show per-variant results for a split",
			Long:  `Show per-variant rates with 95% intervals and the confidence that the leader beats the runner-up.`,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				return a.withBackend(ctx, func(b *backend) error {
					test, err := b.store.GetTestByStep(ctx, args[0], args[1])
					if err != nil {
						return fmt.Errorf("split %s/%s: %w", args[0], args[1], err)
					}
					report, err := b.abtests.Analyze(ctx, test.ID)
					if err != nil {
						return err
					}
					printReport(cmd.OutOrStdout(), report)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "check <funnel-id> <split-step-id>",
			Short: "Declare a winner if the split has one",
			Long: `Check applies the winner rules used by the engine: the sample size must be
reached and the leader must beat the runner-up by the configured lift.
A declared winner completes the test.`,
			Args: cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				out := cmd.OutOrStdout()
				return a.withBackend(ctx, func(b *backend) error {
					test, err := b.store.GetTestByStep(ctx, args[0], args[1])
					if err != nil {
						return fmt.Errorf("split %s/%s: %w", args[0], args[1], err)
					}
					winner, err := b.abtests.CheckForWinner(ctx, test.ID)
					if err != nil {
						return err
					}
					if winner == nil {
						fmt.Fprintf(out, "No winner yet for test '%s'\n", test.Name)
						return nil
					}
					fmt.Fprintf(out, "Declared winner for test '%s': variant \"%s\"\n", test.Name, winner.Name)
					fmt.Fprintln(out, "Test has been marked as completed.")
					return nil
				})
			},
		},
	)
	return cmd
}

func printReport(w io.Writer, r *abtest.Report) {
	t := r.Test
	fmt.Fprintf(w, "TEST: %s\n", t.Name)
	fmt.Fprintf(w, "STATE: %s\n", t.Status)
	fmt.Fprintf(w, "METRIC: %s\n", t.Metric)
	if t.SampleSize > 0 {
		fmt.Fprintf(w, "SAMPLE SIZE: %d\n", t.SampleSize)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "VARIANT           ENROLLED  SUCCESSES  RATE     95% CI")
	fmt.Fprintln(w, strings.Repeat("─", 60))

	for i, v := range r.Variants {
		indicator := ""
		switch {
		case t.WinnerVariantID != "" && v.Variant.ID == t.WinnerVariantID:
			indicator = " ← WINNER"
		case t.WinnerVariantID == "" && i == r.Leader:
			indicator = " ← LEADING"
		}

		ci := fmt.Sprintf("[%.1f%%, %.1f%%]", v.Lower*100, v.Upper*100)
		if v.Stats.Enrolled == 0 {
			ci = "N/A"
		}

		fmt.Fprintf(w, "%-16s  %-8d  %-9d  %-7s  %s%s\n",
			truncate(v.Variant.Name, 16),
			v.Stats.Enrolled,
			v.Stats.Successes(t.Metric),
			formatPercent(v.Rate),
			ci,
			indicator,
		)
	}
	fmt.Fprintln(w)

	if r.Leader < 0 {
		fmt.Fprintln(w, "Statistical significance: Not enough data to determine a winner")
		return
	}
	leader := r.Variants[r.Leader].Variant.Name
	conf := r.Confidence * 100
	switch {
	case r.Confident:
		fmt.Fprintf(w, "Statistical significance: %.1f%% confident \"%s\" is the winner\n", conf, leader)
	case conf >= 90:
		fmt.Fprintf(w, "Statistical significance: %.1f%% confident \"%s\" leads (not yet significant)\n", conf, leader)
	default:
		fmt.Fprintln(w, "Statistical significance: Not enough data to determine a winner")
	}
	if r.WouldDeclare && t.Status == api.TestRunning {
		fmt.Fprintf(w, "Lift %.1f%% meets the winner rule; run 'funnelctl abtest check' to declare it.\n", r.Lift)
	}
}

func formatPercent(rate float64) string {
	if rate == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", rate*100)
}
