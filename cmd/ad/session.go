package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/faizrhashmi/theautodoctor/internal/lifecycle"
	"github.com/faizrhashmi/theautodoctor/internal/models"
	"github.com/faizrhashmi/theautodoctor/internal/timeline"
	"github.com/spf13/cobra"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Session lifecycle commands",
	}

	cmd.AddCommand(newSessionShowCmd())
	cmd.AddCommand(newSessionStartCmd())
	cmd.AddCommand(newSessionEndCmd())
	cmd.AddCommand(newSessionForceEndCmd())
	cmd.AddCommand(newSessionForceCancelCmd())
	return cmd
}

// sessionCmd builds a single-argument session command that runs fn with an
// opened app.
func sessionCmd(use, short string, fn func(cmd *cobra.Command, a *app, id string) error) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   use + " <session-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			return fn(cmd, a, args[0])
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

func newSessionShowCmd() *cobra.Command {
	cmd := sessionCmd("show", "Show a session and its timeline", func(cmd *cobra.Command, a *app, id string) error {
		s, err := lifecycle.GetSession(a.db, id)
		if err != nil {
			return describeErr(err)
		}
		events, err := timeline.List(a.db, s.ID)
		if err != nil {
			return err
		}
		printSession(cmd, s)
		printTimeline(cmd, events)
		return nil
	})
	return cmd
}

func newSessionStartCmd() *cobra.Command {
	cmd := sessionCmd("start", "Mark a waiting session live", func(cmd *cobra.Command, a *app, id string) error {
		s, err := a.controller().Start(cmd.Context(), id)
		if err != nil {
			return describeErr(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s is live (started %s)\n", s.ID, formatTime(s.StartedAt))
		return nil
	})
	return cmd
}

func newSessionEndCmd() *cobra.Command {
	cmd := sessionCmd("end", "Complete a live session", func(cmd *cobra.Command, a *app, id string) error {
		res, err := a.controller().End(cmd.Context(), id)
		if err != nil {
			return describeErr(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s completed after %d minutes\n", res.Session.ID, res.DurationMinutes)
		return nil
	})
	return cmd
}

func newSessionForceEndCmd() *cobra.Command {
	var by string
	cmd := sessionCmd("force-end", "Complete any non-terminal session", func(cmd *cobra.Command, a *app, id string) error {
		s, err := a.controller().ForceEnd(cmd.Context(), id, adminActor(by))
		if err != nil {
			return describeErr(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s force-ended\n", s.ID)
		return nil
	})
	cmd.Flags().StringVar(&by, "by", "cli", "operator id recorded on the timeline")
	return cmd
}

func newSessionForceCancelCmd() *cobra.Command {
	var by, reason string
	cmd := sessionCmd("force-cancel", "Cancel any non-terminal session and its request", func(cmd *cobra.Command, a *app, id string) error {
		s, err := a.controller().ForceCancel(cmd.Context(), id, reason, adminActor(by))
		if err != nil {
			return describeErr(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s cancelled\n", s.ID)
		return nil
	})
	cmd.Flags().StringVar(&by, "by", "cli", "operator id recorded as the canceller")
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func printSession(cmd *cobra.Command, s *models.Session) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session:   %s\n", s.ID)
	fmt.Fprintf(out, "Customer:  %s\n", s.CustomerID)
	fmt.Fprintf(out, "Type:      %s\n", s.Type)
	fmt.Fprintf(out, "Status:    %s\n", s.Status)
	fmt.Fprintf(out, "Mechanic:  %s\n", deref(s.MechanicID))
	fmt.Fprintf(out, "Request:   %s\n", s.LinkedRequestID)
	fmt.Fprintf(out, "Created:   %s\n", formatTime(&s.CreatedAt))
	fmt.Fprintf(out, "Started:   %s\n", formatTime(s.StartedAt))
	fmt.Fprintf(out, "Ended:     %s\n", formatTime(s.EndedAt))
	if s.DurationMinutes != nil {
		fmt.Fprintf(out, "Duration:  %d min\n", *s.DurationMinutes)
	}
	if s.CancelKind != "" {
		fmt.Fprintf(out, "Cancelled: %s by %s (%s)\n", s.CancelKind, s.CancelledBy, s.CancelReason)
	}
}

func printTimeline(cmd *cobra.Command, events []models.SessionEvent) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "\nTimeline:")
	if len(events) == 0 {
		fmt.Fprintln(out, "  (none)")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, e := range events {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", formatTime(&e.CreatedAt), e.Kind, e.Actor, e.Detail)
	}
	w.Flush()
}
