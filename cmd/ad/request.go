package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/faizrhashmi/theautodoctor/internal/assign"
	"github.com/faizrhashmi/theautodoctor/internal/broadcast"
	"github.com/faizrhashmi/theautodoctor/internal/intake"
	"github.com/faizrhashmi/theautodoctor/internal/lifecycle"
	"github.com/faizrhashmi/theautodoctor/internal/timeline"
	"github.com/spf13/cobra"
)

func newRequestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Customer help request commands",
	}

	cmd.AddCommand(newRequestCreateCmd())
	cmd.AddCommand(newRequestPendingCmd())
	cmd.AddCommand(newRequestShowCmd())
	cmd.AddCommand(newRequestCancelCmd())
	return cmd
}

func newRequestCreateCmd() *cobra.Command {
	var (
		configPath string
		opts       intake.CreateOpts
		start, end string
		skipActive bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a request and its session for a customer",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.ScheduledStart, err = parseOptionalTime("start", start); err != nil {
				return err
			}
			if opts.ScheduledEnd, err = parseOptionalTime("end", end); err != nil {
				return err
			}
			opts.SkipActiveCheck = skipActive
			return runRequestCreate(cmd, configPath, opts)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&opts.CustomerID, "customer", "", "customer id (required)")
	cmd.Flags().StringVar(&opts.SessionType, "type", "video", "session type: chat, video or diagnostic")
	cmd.Flags().StringVar(&opts.PlanCode, "plan", "", "plan code")
	cmd.Flags().StringVar(&start, "start", "", "scheduled start (RFC 3339)")
	cmd.Flags().StringVar(&end, "end", "", "scheduled end (RFC 3339)")
	cmd.Flags().BoolVar(&skipActive, "allow-second", false, "allow a customer a second open session")
	cmd.MarkFlagRequired("customer")
	return cmd
}

func parseOptionalTime(name, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s %q: %w", name, v, err)
	}
	t = t.UTC()
	return &t, nil
}

func runRequestCreate(cmd *cobra.Command, configPath string, opts intake.CreateOpts) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, configPath, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	opts.ExpireAfter = a.cfg.Sweeper.ExpireAfter
	pair, err := intake.CreatePair(ctx, a.db, opts)
	if err != nil {
		return describeErr(err)
	}
	broadcast.Send(ctx, a.pub, a.log, broadcast.Event{
		Type:      broadcast.RequestAvailable,
		RequestID: pair.Request.ID,
		SessionID: pair.Session.ID,
		Status:    pair.Request.Status,
		Source:    string(lifecycle.RoleAdmin),
		At:        pair.Request.CreatedAt,
	})

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created request %s (session %s, %s)\n", pair.Request.ID, pair.Session.ID, pair.Session.Status)
	fmt.Fprintf(out, "Expires at %s\n", formatTime(pair.Request.ExpiresAt))
	return nil
}

func newRequestPendingCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List requests mechanics can accept",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			reqs, err := assign.ListPending(gormDB, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(reqs) == 0 {
				fmt.Fprintln(out, "No pending requests.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCUSTOMER\tTYPE\tSTATUS\tCREATED\tEXPIRES")
			for _, r := range reqs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.CustomerID, r.SessionType, r.Status, formatTime(&r.CreatedAt), formatTime(r.ExpiresAt))
			}
			w.Flush()
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of requests (0 for all)")
	return cmd
}

func newRequestShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a request and its timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			r, err := lifecycle.GetRequest(gormDB, args[0])
			if err != nil {
				return describeErr(err)
			}
			events, err := timeline.ListForRequest(gormDB, r.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Request:   %s\n", r.ID)
			fmt.Fprintf(out, "Customer:  %s\n", r.CustomerID)
			fmt.Fprintf(out, "Status:    %s\n", r.Status)
			fmt.Fprintf(out, "Mechanic:  %s\n", deref(r.MechanicID))
			fmt.Fprintf(out, "Session:   %s\n", r.LinkedSessionID)
			fmt.Fprintf(out, "Created:   %s\n", formatTime(&r.CreatedAt))
			fmt.Fprintf(out, "Accepted:  %s\n", formatTime(r.AcceptedAt))
			fmt.Fprintf(out, "Expires:   %s\n", formatTime(r.ExpiresAt))
			if r.CancelledBy != "" {
				fmt.Fprintf(out, "Cancelled: %s by %s (%s)\n", formatTime(r.CancelledAt), r.CancelledBy, r.CancelReason)
			}
			printTimeline(cmd, events)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newRequestCancelCmd() *cobra.Command {
	var (
		configPath string
		reason     string
		by         string
	)

	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a request as an administrator",
		Long: `Cancels a non-terminal request and frees its mechanic. A session left
waiting on it is reclaimed by the sweeper's orphan rule.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			r, err := a.controller().CancelRequest(ctx, args[0], reason, adminActor(by))
			if err != nil {
				return describeErr(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled request %s\n", r.ID)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	cmd.Flags().StringVar(&by, "by", "cli", "operator id recorded as the canceller")
	return cmd
}
