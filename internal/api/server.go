// Package api exposes the dispatch core over HTTP: JSON endpoints for every
// request and session operation, JWT-derived actor identity, and an SSE
// stream of broadcast events.
package api

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/faizrhashmi/theautodoctor/internal/assign"
	"github.com/faizrhashmi/theautodoctor/internal/broadcast"
	"github.com/faizrhashmi/theautodoctor/internal/config"
	"github.com/faizrhashmi/theautodoctor/internal/lifecycle"
	"github.com/faizrhashmi/theautodoctor/internal/sweep"
	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// StartOpts holds configuration for the API server.
type StartOpts struct {
	DB         *gorm.DB
	Matcher    *assign.Matcher
	Controller *lifecycle.Controller
	Sweeper    *sweep.Sweeper
	Hub        *broadcast.Hub

	// Publisher receives request.available after intake. Defaults to Hub.
	Publisher broadcast.Publisher

	Log            logrus.FieldLogger
	JWTSecret      string
	AllowedOrigins []string
	ExpireAfter    time.Duration
	Port           int
	Out            io.Writer
	Now            func() time.Time
}

// server carries the dependencies shared by the handlers.
type server struct {
	db          *gorm.DB
	matcher     *assign.Matcher
	ctl         *lifecycle.Controller
	sweeper     *sweep.Sweeper
	hub         *broadcast.Hub
	pub         broadcast.Publisher
	log         logrus.FieldLogger
	secret      []byte
	expireAfter time.Duration
	now         func() time.Time
}

// NewHandler builds the router wrapped in the CORS handler.
func NewHandler(opts StartOpts) (http.Handler, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("api: db is required")
	}
	if opts.JWTSecret == "" {
		return nil, fmt.Errorf("api: jwt secret is required")
	}
	s := &server{
		db:          opts.DB,
		matcher:     opts.Matcher,
		ctl:         opts.Controller,
		sweeper:     opts.Sweeper,
		hub:         opts.Hub,
		pub:         opts.Publisher,
		log:         opts.Log,
		secret:      []byte(opts.JWTSecret),
		expireAfter: opts.ExpireAfter,
		now:         opts.Now,
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.expireAfter <= 0 {
		s.expireAfter = config.DefaultExpireAfter
	}
	if s.hub == nil {
		s.hub = broadcast.NewHub()
	}
	if s.pub == nil {
		s.pub = s.hub
	}
	if s.matcher == nil {
		s.matcher = assign.New(assign.Opts{DB: s.db, Publisher: s.pub, Log: s.log, Now: s.now})
	}
	if s.ctl == nil {
		s.ctl = lifecycle.New(lifecycle.Opts{DB: s.db, Publisher: s.pub, Log: s.log, Now: s.now})
	}
	if s.sweeper == nil {
		s.sweeper = sweep.New(sweep.Opts{DB: s.db, Controller: s.ctl, Publisher: s.pub, Log: s.log, Now: s.now})
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(s.log))
	s.registerRoutes(router)

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "Authorization", requestIDHeader},
		ExposedHeaders: []string{requestIDHeader},
	})
	return c.Handler(router), nil
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	handler, err := NewHandler(opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Request contexts end with ctx so open event streams close on shutdown.
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}
