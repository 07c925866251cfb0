package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/netsendo/funnel"
	"github.com/netsendo/funnel/pkg/api"
)

func newEnrollCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "enroll <funnel-id> <subscriber-id>...",
		Short: "Enroll subscribers into a funnel",
		Long: `Enroll runs each subscriber through the funnel until the enrollment
sleeps, waits on a condition or finishes. A subscriber who already has an
open enrollment in the funnel keeps it.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			return a.withBackend(ctx, func(b *backend) error {
				for _, sub := range args[1:] {
					enr, err := funnel.Enroll(ctx, b.engine, args[0], sub)
					if err != nil {
						return fmt.Errorf("enroll %s: %w", sub, err)
					}
					if enr == nil {
						fmt.Fprintf(out, "Funnel '%s' is not active; %s was not enrolled\n", args[0], sub)
						continue
					}
					fmt.Fprintf(out, "%s  %s  %s\n", enr.ID, sub, describe(enr))
				}
				return nil
			})
		},
	}
}

func newTickCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Process ready and waiting enrollments once",
		Long: `Tick wakes enrollments whose delay elapsed and polls enrollments waiting
on a condition, then exits. Use it from cron when not running 'funnelctl run'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withBackend(ctx, func(b *backend) error {
				res, err := funnel.Tick(ctx, b.engine)
				fmt.Fprintf(cmd.OutOrStdout(), "Resumed %d, acted on %d waiting\n", res.Resumed, res.Waiting)
				return err
			})
		},
	}
}

func newShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <enrollment-id>",
		Short: "Show an enrollment and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withBackend(ctx, func(b *backend) error {
				enr, err := b.engine.GetEnrollment(ctx, args[0])
				if err != nil {
					return err
				}
				printEnrollment(cmd.OutOrStdout(), enr)
				return nil
			})
		},
	}
}

func describe(enr *api.Enrollment) string {
	switch {
	case enr.Status.IsTerminal():
		return string(enr.Status)
	case enr.IsSleeping():
		return fmt.Sprintf("sleeping until %s before %s", enr.NextActionAt.UTC().Format(time.RFC3339), enr.CurrentStep)
	default:
		return fmt.Sprintf("%s at %s", enr.Status, enr.CurrentStep)
	}
}

func printEnrollment(w io.Writer, enr *api.Enrollment) {
	fmt.Fprintf(w, "ENROLLMENT: %s\n", enr.ID)
	fmt.Fprintf(w, "FUNNEL: %s\n", enr.FunnelID)
	fmt.Fprintf(w, "SUBSCRIBER: %s\n", enr.SubscriberID)
	fmt.Fprintf(w, "STATE: %s\n", describe(enr))
	fmt.Fprintf(w, "STEPS COMPLETED: %d\n", enr.StepsCompleted)
	fmt.Fprintf(w, "ENROLLED: %s\n", enr.EnrolledAt.UTC().Format(time.RFC3339))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "AT                    STEP              ACTION")
	fmt.Fprintln(w, strings.Repeat("─", 60))
	for _, h := range enr.History {
		fmt.Fprintf(w, "%-20s  %-16s  %s%s\n", h.At.UTC().Format(time.RFC3339), truncate(h.StepID, 16), h.Action, formatPayload(h.Payload))
	}
}

func formatPayload(p map[string]string) string {
	if len(p) == 0 {
		return ""
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + p[k]
	}
	return " (" + strings.Join(parts, ", ") + ")"
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
