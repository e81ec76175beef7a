// Package api exposes the RefillPipe HTTP surface: conversation turns,
// session inspection, order cancellation, health, and metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/RefillPipe/internal/engine"
	"github.com/BTreeMap/RefillPipe/internal/store"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = ":8080"

const shutdownTimeout = 10 * time.Second

// Opts holds configuration options for the API server.
type Opts struct {
	Addr    string
	Webhook http.Handler
}

// Option configures Opts.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithWebhook mounts an inbound message webhook at /webhooks/sms.
func WithWebhook(h http.Handler) Option {
	return func(o *Opts) { o.Webhook = h }
}

// Server wires the conversation engine and the session store to HTTP.
type Server struct {
	engine         *engine.Engine
	store          store.SessionStore
	metricsHandler http.Handler
	webhook        http.Handler
	addr           string
}

// NewServer creates an API server. metricsHandler may be nil, in which
// case /metrics responds 404.
func NewServer(eng *engine.Engine, st store.SessionStore, metricsHandler http.Handler, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		engine:         eng,
		store:          st,
		metricsHandler: metricsHandler,
		webhook:        cfg.Webhook,
		addr:           cfg.Addr,
	}
}

// Handler returns the server's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", s.messagesHandler)
	mux.HandleFunc("/sessions/", s.sessionsHandler)
	mux.HandleFunc("/health", s.healthHandler)
	if s.metricsHandler != nil {
		mux.Handle("/metrics", s.metricsHandler)
	}
	if s.webhook != nil {
		mux.Handle("/webhooks/sms", s.webhook)
	}
	return mux
}

// Run serves HTTP and the session sweeper until the context is cancelled,
// then shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context, sweeper *store.Sweeper) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server.Run: listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if sweeper != nil {
		g.Go(func() error {
			return sweeper.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		slog.Info("Server.Run: shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
