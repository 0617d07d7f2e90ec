package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/faizrhashmi/theautodoctor/internal/apperr"
	"github.com/faizrhashmi/theautodoctor/internal/mechanic"
	"github.com/spf13/cobra"
)

func newMechanicCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mechanic",
		Short: "Mechanic registry and assignment commands",
	}

	cmd.AddCommand(newMechanicRegisterCmd())
	cmd.AddCommand(newMechanicListCmd())
	cmd.AddCommand(newMechanicAvailabilityCmd())
	cmd.AddCommand(newMechanicAcceptCmd())
	cmd.AddCommand(newMechanicUndoCmd())
	cmd.AddCommand(newMechanicAssignCmd())
	return cmd
}

func newMechanicRegisterCmd() *cobra.Command {
	var (
		configPath string
		opts       mechanic.RegisterOpts
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a mechanic for a user id",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			m, err := mechanic.Register(gormDB, opts)
			if err != nil {
				return describeErr(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered mechanic %s for user %s\n", m.ID, m.UserID)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&opts.UserID, "user", "", "user id the mechanic signs in as (required)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().BoolVar(&opts.Available, "available", true, "mark the mechanic available")
	cmd.MarkFlagRequired("user")
	return cmd
}

func newMechanicListCmd() *cobra.Command {
	var (
		configPath string
		opts       mechanic.ListOpts
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List mechanics and their current assignment",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			ms, err := mechanic.List(gormDB, opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(ms) == 0 {
				fmt.Fprintln(out, "No mechanics found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSER\tNAME\tAVAILABLE\tREQUEST")
			for _, m := range ms {
				req := "-"
				a, err := mechanic.ActiveAssignment(gormDB, m.ID)
				switch {
				case err == nil:
					req = a.RequestID
				case !apperr.Is(err, apperr.NotFound):
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", m.ID, m.UserID, m.Name, m.IsAvailable, req)
			}
			w.Flush()
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&opts.AvailableOnly, "available", false, "only available mechanics")
	cmd.Flags().BoolVar(&opts.Idle, "idle", false, "only mechanics without an assignment")
	return cmd
}

func newMechanicAvailabilityCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "availability <mechanic-id> <true|false>",
		Short: "Set a mechanic's availability",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			available, err := strconv.ParseBool(args[1])
			if err != nil {
				return fmt.Errorf("invalid availability %q: want true or false", args[1])
			}
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := mechanic.SetAvailability(gormDB, args[0], available); err != nil {
				return describeErr(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Mechanic %s available: %t\n", args[0], available)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newMechanicAcceptCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "accept <mechanic-id> <request-id>",
		Short: "Accept a pending request on behalf of a mechanic",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.matcher().Accept(cmd.Context(), args[0], args[1])
			if err != nil {
				return describeErr(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Request %s accepted by %s; session %s is %s\n",
				res.Request.ID, res.MechanicName, res.Session.ID, res.Session.Status)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newMechanicUndoCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "undo <mechanic-id> <request-id>",
		Short: "Release an accepted request before the session starts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.matcher().CancelAcceptance(cmd.Context(), args[0], args[1]); err != nil {
				return describeErr(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Request %s is pending again\n", args[1])
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newMechanicAssignCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "assign <request-id> <mechanic-id>",
		Short: "Assign a request to a mechanic as an administrator",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.matcher().AdminAssign(cmd.Context(), args[0], args[1])
			if err != nil {
				return describeErr(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Request %s assigned to %s; session %s is %s\n",
				res.Request.ID, res.MechanicName, res.Session.ID, res.Session.Status)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
