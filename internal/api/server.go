// Package api provides the HTTP server for AllyGate.
//
// It exposes stateless scope and gate evaluation, stored conversations driven by
// the assistant pipeline, the Twilio WhatsApp webhook, health and metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/AllybyWaiter/AllyGate/internal/assistant"
	"github.com/AllybyWaiter/AllyGate/internal/messaging"
	"github.com/AllybyWaiter/AllyGate/internal/metrics"
	"github.com/AllybyWaiter/AllyGate/internal/store"
	"github.com/AllybyWaiter/AllyGate/internal/twiliowhatsapp"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"
	// MaxRequestBodyBytes bounds JSON and form request bodies.
	MaxRequestBodyBytes = 1 << 20
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultHealthTimeout bounds each dependency check in /healthz.
	DefaultHealthTimeout = 2 * time.Second
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Opts holds configuration options for the API server.
type Opts struct {
	Addr         string
	Twilio       *messaging.TwilioService
	Validator    *twiliowhatsapp.SignatureValidator
	WebhookURL   string
	Metrics      *metrics.Recorder
	HealthChecks map[string]HealthCheck
	Ledger       store.InboundLedger
	Outbox       store.ReplyOutbox
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTwilio enables the WhatsApp webhook, replying through svc.
func WithTwilio(svc *messaging.TwilioService) Option {
	return func(o *Opts) { o.Twilio = svc }
}

// WithSignatureValidation rejects webhooks whose X-Twilio-Signature does not
// match webhookURL, the public URL configured in the Twilio console.
func WithSignatureValidation(v *twiliowhatsapp.SignatureValidator, webhookURL string) Option {
	return func(o *Opts) {
		o.Validator = v
		o.WebhookURL = webhookURL
	}
}

// WithInboundLedger drops webhook redeliveries whose message ID was already handled.
func WithInboundLedger(l store.InboundLedger) Option {
	return func(o *Opts) { o.Ledger = l }
}

// WithReplyOutbox queues webhook replies for a ReplyDispatcher instead of
// sending them inline.
func WithReplyOutbox(ob store.ReplyOutbox) Option {
	return func(o *Opts) { o.Outbox = ob }
}

// WithMetrics serves rec on /metrics.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(o *Opts) { o.Metrics = rec }
}

// WithHealthCheck adds a named dependency check to /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(o *Opts) {
		if o.HealthChecks == nil {
			o.HealthChecks = make(map[string]HealthCheck)
		}
		o.HealthChecks[name] = check
	}
}

// Server serves the AllyGate HTTP API.
type Server struct {
	pipeline     *assistant.Pipeline
	twilio       *messaging.TwilioService
	validator    *twiliowhatsapp.SignatureValidator
	webhookURL   string
	metrics      *metrics.Recorder
	healthChecks map[string]HealthCheck
	ledger       store.InboundLedger
	outbox       store.ReplyOutbox
	addr         string
	router       chi.Router
}

// NewServer creates an API server around a pipeline.
func NewServer(p *assistant.Pipeline, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	s := &Server{
		pipeline:     p,
		twilio:       cfg.Twilio,
		validator:    cfg.Validator,
		webhookURL:   cfg.WebhookURL,
		metrics:      cfg.Metrics,
		healthChecks: cfg.HealthChecks,
		ledger:       cfg.Ledger,
		outbox:       cfg.Outbox,
		addr:         cfg.Addr,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthHandler)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/evaluate", func(r chi.Router) {
		r.Post("/scope", s.evaluateScopeHandler)
		r.Post("/gate", s.evaluateGateHandler)
	})

	r.Route("/conversations", func(r chi.Router) {
		r.Post("/", s.createConversationHandler)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getConversationHandler)
			r.Post("/messages", s.postMessageHandler)
			r.Put("/context", s.putContextHandler)
			r.Get("/decisions", s.getDecisionsHandler)
		})
	})

	if s.twilio != nil {
		r.Post("/webhook/twilio", s.twilioWebhookHandler)
	}
	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.addr, "twilio", s.twilio != nil, "metrics", s.metrics != nil)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api server shutdown failed: %w", err)
		}
		return nil
	}
}
