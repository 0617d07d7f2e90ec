package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/faizrhashmi/theautodoctor/internal/api"
	"github.com/faizrhashmi/theautodoctor/internal/broadcast"
	"github.com/faizrhashmi/theautodoctor/internal/sweep"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		noSweep    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the sweeper",
		Long: `Starts the HTTP API and, unless disabled in config or with --no-sweep,
the expiration sweeper on its cron schedule. Events are streamed to SSE clients
and to any Redis, RabbitMQ or command publishers configured under broadcast.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port, noSweep)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides server.port)")
	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "do not run the sweeper in this process")
	return cmd
}

// withSignals returns a context cancelled on SIGINT or SIGTERM.
func withSignals(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(cmd.Context())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func runServe(cmd *cobra.Command, configPath string, port int, noSweep bool) error {
	ctx, cancel := withSignals(cmd)
	defer cancel()

	hub := broadcast.NewHub()
	a, err := openApp(ctx, configPath, cmd.ErrOrStderr(), hub)
	if err != nil {
		return err
	}
	defer a.Close()

	ctl := a.controller()
	sw := a.sweeper(ctl)
	if port <= 0 {
		port = a.cfg.Server.Port
	}

	sweepDone := make(chan struct{})
	if a.cfg.Sweeper.Disabled || noSweep {
		close(sweepDone)
	} else {
		go func() {
			defer close(sweepDone)
			if err := sweep.RunDaemon(ctx, sw, a.cfg.Sweeper.Schedule); err != nil {
				a.log.WithError(err).Error("sweeper stopped")
			}
		}()
	}

	err = api.Start(ctx, api.StartOpts{
		DB:             a.db,
		Matcher:        a.matcher(),
		Controller:     ctl,
		Sweeper:        sw,
		Hub:            hub,
		Publisher:      a.pub,
		Log:            a.log,
		JWTSecret:      a.cfg.Server.JWTSecret,
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		ExpireAfter:    a.cfg.Sweeper.ExpireAfter,
		Port:           port,
		Out:            cmd.OutOrStdout(),
	})
	cancel()
	<-sweepDone
	return err
}
