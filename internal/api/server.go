// Package api exposes the HTTP control surface of ReplyPipe: chat status and
// mode switches, manual pauses, follow-up inspection and cancellation,
// per-instance settings, a WebSocket event feed and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/engine"
	"github.com/BTreeMap/ReplyPipe/internal/events"
	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/settings"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// DefaultAddr is the listen address used when none is configured.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds the graceful shutdown of the HTTP server.
	DefaultShutdownTimeout = 10 * time.Second
)

// Server serves the control API for the instances of a Manager.
type Server struct {
	manager  *engine.Manager
	settings *settings.Provider
	hub      *events.Hub
	metrics  http.Handler
	webhook  http.Handler
	origins  []string
	upgrader websocket.Upgrader
	now      func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithSettings enables the settings endpoints.
func WithSettings(p *settings.Provider) Option {
	return func(s *Server) { s.settings = p }
}

// WithHub enables the WebSocket event feed.
func WithHub(h *events.Hub) Option {
	return func(s *Server) { s.hub = h }
}

// WithMetricsHandler replaces the default promhttp handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithTwilioWebhook mounts h at /twilio/webhook.
func WithTwilioWebhook(h http.Handler) Option {
	return func(s *Server) { s.webhook = h }
}

// WithAllowedOrigins restricts browser WebSocket clients to the given
// origins. Without it only same-host browser origins are accepted.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = append(s.origins, origins...) }
}

// NewServer creates a Server for manager.
func NewServer(manager *engine.Manager, opts ...Option) *Server {
	s := &Server{manager: manager, metrics: promhttp.Handler(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range s.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.healthHandler)
	r.Handle("/metrics", s.metrics)
	r.Get("/events/ws", s.eventsHandler)
	if s.webhook != nil {
		r.Post("/twilio/webhook", s.webhook.ServeHTTP)
	}

	r.Get("/instances", s.listInstancesHandler)
	r.Route("/instances/{instanceID}", func(r chi.Router) {
		r.Get("/followups", s.listFollowUpsHandler)
		r.Delete("/followups", s.cancelAllFollowUpsHandler)
		r.Get("/settings", s.getSettingsHandler)
		r.Put("/settings", s.updateSettingsHandler)
		r.Delete("/settings", s.resetSettingsHandler)

		r.Route("/chats/{chatID}", func(r chi.Router) {
			r.Get("/status", s.statusHandler)
			r.Put("/mode", s.setModeHandler)
			r.Post("/pause", s.pauseHandler)
			r.Delete("/intervention", s.clearInterventionHandler)
			r.Get("/followups", s.chatFollowUpsHandler)
			r.Delete("/followups", s.cancelFollowUpsHandler)
		})
	})
	return r
}

// ListenAndServe serves the API on addr until ctx is cancelled, then shuts
// the server down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.ListenAndServe: API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	slog.Info("Server.ListenAndServe: API stopped")
	return nil
}

// instanceFor resolves the {instanceID} URL parameter.
func (s *Server) instanceFor(r *http.Request) (*engine.Instance, error) {
	return s.manager.Get(chi.URLParam(r, "instanceID"))
}

// chatFor resolves both URL parameters into an instance and a validated key.
func (s *Server) chatFor(r *http.Request) (*engine.Instance, models.ConversationKey, error) {
	inst, err := s.instanceFor(r)
	if err != nil {
		return nil, models.ConversationKey{}, err
	}
	raw := chi.URLParam(r, "chatID")
	chatID, err := url.PathUnescape(raw)
	if err != nil {
		return nil, models.ConversationKey{}, models.NewValidationError("chat_id", raw, "bad escape")
	}
	key, err := models.NewConversationKey(inst.ID(), chatID)
	if err != nil {
		return nil, models.ConversationKey{}, err
	}
	return inst, key, nil
}
