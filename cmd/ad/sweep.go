package main

import (
	"encoding/json"
	"fmt"

	"github.com/faizrhashmi/theautodoctor/internal/sweep"
	"github.com/spf13/cobra"
)

func newSweepCmd() *cobra.Command {
	var (
		configPath string
		asJSON     bool
		daemon     bool
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire, flag and reclaim aged requests and sessions",
		Long: `Runs every sweeper rule once and prints what changed. With --daemon the
sweeper keeps running on the configured cron schedule until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, configPath, asJSON, daemon)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	cmd.Flags().BoolVar(&daemon, "daemon", false, "keep sweeping on the configured schedule")
	return cmd
}

func runSweep(cmd *cobra.Command, configPath string, asJSON, daemon bool) error {
	ctx, cancel := withSignals(cmd)
	defer cancel()

	a, err := openApp(ctx, configPath, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	sw := a.sweeper(a.controller())

	if daemon {
		fmt.Fprintf(cmd.OutOrStdout(), "Sweeping on schedule %q\n", a.cfg.Sweeper.Schedule)
		return sweep.RunDaemon(ctx, sw, a.cfg.Sweeper.Schedule)
	}

	res := sw.Sweep(ctx)
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	fmt.Fprintf(out, "Expired requests:     %d\n", res.ExpiredRequests)
	fmt.Fprintf(out, "Unattended requests:  %d\n", res.UnattendedRequests)
	fmt.Fprintf(out, "Orphaned sessions:    %d\n", res.OrphanedSessions)
	fmt.Fprintf(out, "Expired sessions:     %d\n", res.ExpiredSessions)
	fmt.Fprintf(out, "Stale acceptances:    %d\n", res.StaleAcceptances)
	fmt.Fprintf(out, "Overrun sessions:     %d\n", res.OverrunSessions)
	for rule, msg := range res.Errors {
		fmt.Fprintf(out, "Rule %s failed: %s\n", rule, msg)
	}
	if len(res.Errors) > 0 {
		return fmt.Errorf("%d sweeper rules failed", len(res.Errors))
	}
	return nil
}
