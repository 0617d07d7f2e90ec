package main

import (
	"fmt"
	"time"

	"github.com/faizrhashmi/theautodoctor/internal/api"
	"github.com/faizrhashmi/theautodoctor/internal/config"
	"github.com/faizrhashmi/theautodoctor/internal/lifecycle"
	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	var (
		configPath string
		subject    string
		role       string
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token signed with the configured secret",
		Long: `Prints an HS256 bearer token for the API. Intended for local testing
and operator scripts; production tokens come from the identity provider.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret is not set (or %s)", config.EnvJWTSecret)
			}
			switch lifecycle.Role(role) {
			case lifecycle.RoleCustomer, lifecycle.RoleMechanic, lifecycle.RoleAdmin:
			default:
				return fmt.Errorf("invalid role %q: want customer, mechanic or admin", role)
			}
			tok, err := api.IssueToken(cfg.Server.JWTSecret, subject, lifecycle.Role(role), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&subject, "sub", "", "user id (required)")
	cmd.Flags().StringVar(&role, "role", "customer", "role: customer, mechanic or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.MarkFlagRequired("sub")
	return cmd
}
