package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/faizrhashmi/theautodoctor/internal/apperr"
	"github.com/faizrhashmi/theautodoctor/internal/assign"
	"github.com/faizrhashmi/theautodoctor/internal/broadcast"
	"github.com/faizrhashmi/theautodoctor/internal/config"
	"github.com/faizrhashmi/theautodoctor/internal/db"
	"github.com/faizrhashmi/theautodoctor/internal/lifecycle"
	"github.com/faizrhashmi/theautodoctor/internal/logger"
	"github.com/faizrhashmi/theautodoctor/internal/sweep"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

const defaultConfigPath = "autodoc.yaml"

func addConfigFlag(cmd *cobra.Command, p *string) {
	cmd.Flags().StringVarP(p, "config", "c", defaultConfigPath, "path to AutoDoctor config file")
}

// connectFromConfig loads config and returns a GORM DB connection.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s database: %w", cfg.Database.Driver, err)
	}

	return cfg, gormDB, nil
}

// app bundles what the operational commands share: the store, a logger and
// the publishers configured under broadcast.
type app struct {
	cfg     *config.Config
	db      *gorm.DB
	log     *logrus.Logger
	pub     broadcast.Publisher
	closers []func()
}

// openApp connects to the store and dials the configured publishers. extra
// publishers, such as the server's hub, are added to the fan-out.
func openApp(ctx context.Context, configPath string, logOut io.Writer, extra ...broadcast.Publisher) (*app, error) {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, logOut)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, db: gormDB, log: log}
	pubs := append(broadcast.Multi{}, extra...)

	if r := cfg.Broadcast.Redis; r.Addr != "" {
		p, client, err := broadcast.DialRedis(ctx, r.Addr, r.Password, r.DB, r.Channel)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { client.Close() })
		pubs = append(pubs, p)
		log.WithField("channel", r.Channel).Info("broadcast: redis publisher enabled")
	}
	if q := cfg.Broadcast.AMQP; q.URL != "" {
		p, err := broadcast.DialAMQP(q.URL, q.Exchange)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { p.Close() })
		pubs = append(pubs, p)
		log.WithField("exchange", q.Exchange).Info("broadcast: amqp publisher enabled")
	}
	if tmpl := cfg.Broadcast.Command; tmpl != "" {
		pubs = append(pubs, broadcast.Command{Template: tmpl})
	}

	a.pub = pubs
	return a, nil
}

// Close releases publisher connections and the store.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
}

func (a *app) controller() *lifecycle.Controller {
	return lifecycle.New(lifecycle.Opts{DB: a.db, Publisher: a.pub, Log: a.log})
}

func (a *app) matcher() *assign.Matcher {
	return assign.New(assign.Opts{DB: a.db, Publisher: a.pub, Log: a.log})
}

func (a *app) sweeper(ctl *lifecycle.Controller) *sweep.Sweeper {
	return sweep.New(sweep.Opts{DB: a.db, Controller: ctl, Publisher: a.pub, Log: a.log, Config: a.cfg.Sweeper})
}

// adminActor is the actor recorded for operator commands.
func adminActor(id string) lifecycle.Actor {
	return lifecycle.Actor{Role: lifecycle.RoleAdmin, ID: id}
}

// describeErr renders an error with its kind for terminal output.
func describeErr(err error) error {
	return fmt.Errorf("%s: %w", apperr.KindOf(err), err)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func deref(p *string) string {
	if p == nil || *p == "" {
		return "-"
	}
	return *p
}
