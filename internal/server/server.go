// Package server exposes the broker over HTTP: producer and viewer websocket
// endpoints, a session inspection API, health probes, and the Prometheus
// scrape endpoint.
//
// Endpoints:
//
//	GET /ws/transcribe/{session_id} — producer websocket (one per session)
//	GET /ws/view/{session_id}       — viewer websocket (any number)
//	GET /api/sessions               — active session snapshot (JSON)
//	GET /healthz, /readyz           — liveness and readiness probes
//	GET /metrics                    — Prometheus scrape endpoint
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jcarpenter-uam/calc-translation/internal/artifact"
	"github.com/jcarpenter-uam/calc-translation/internal/health"
	"github.com/jcarpenter-uam/calc-translation/internal/observe"
	"github.com/jcarpenter-uam/calc-translation/internal/session"
	"github.com/jcarpenter-uam/calc-translation/pkg/provider/llm"
	"github.com/jcarpenter-uam/calc-translation/pkg/provider/stt"
)

// shutdownTimeout bounds the graceful drain of in-flight HTTP requests.
const shutdownTimeout = 10 * time.Second

// Config wires the broker subsystems into the HTTP surface.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string
	TLSKeyFile  string

	Registry    *session.Registry
	Broadcaster *session.Broadcaster

	// Auth validates upgrade tokens. Nil means AllowAll.
	Auth TokenValidator

	// STT creates upstream streams for producer sessions.
	STT          stt.Provider
	StreamConfig stt.StreamConfig

	// Corrector and Translator power the per-session correction engine. A nil
	// Corrector disables corrections entirely.
	Corrector  llm.Provider
	Translator llm.Provider

	// CorrectionWindow is the trailing-context threshold K.
	CorrectionWindow int

	// CorrectionLanguages lists source codes eligible for correction.
	CorrectionLanguages []string

	DefaultTargetLanguage string

	ReconnectBackoff []time.Duration
	FinalizeTimeout  time.Duration

	// Artifacts persists finished sessions. May be nil.
	Artifacts *artifact.Writer

	// Health serves /healthz and /readyz when non-nil.
	Health *health.Handler

	// MetricsHandler serves /metrics when non-nil (promhttp).
	MetricsHandler http.Handler

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Server is the broker's HTTP front end.
type Server struct {
	cfg     Config
	auth    TokenValidator
	log     *slog.Logger
	metrics *observe.Metrics
}

// New validates cfg and returns a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("server: Registry is required")
	}
	if cfg.Broadcaster == nil {
		return nil, fmt.Errorf("server: Broadcaster is required")
	}
	if cfg.STT == nil {
		return nil, fmt.Errorf("server: STT provider is required")
	}
	if cfg.Auth == nil {
		cfg.Auth = AllowAll{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Server{
		cfg:     cfg,
		auth:    cfg.Auth,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// Handler returns the full route set wrapped in the observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/transcribe/{session_id}", s.handleProducer)
	mux.HandleFunc("GET /ws/view/{session_id}", s.handleViewer)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)

	if s.cfg.Health != nil {
		s.cfg.Health.Register(mux)
	}
	if s.cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.cfg.MetricsHandler)
	}

	return observe.Middleware(s.metrics)(mux)
}

// Run serves HTTP until ctx is cancelled, then drains gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Handler(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
			errCh <- srv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
			return
		}
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("server listening", "addr", s.cfg.Addr, "tls", s.cfg.TLSCertFile != "")

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// handleSessions returns the active session snapshot as JSON.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.cfg.Registry.AllSessions()
	if sessions == nil {
		sessions = []session.Info{}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(map[string]any{"sessions": sessions}); err != nil {
		s.log.Warn("encode session list", "err", err)
	}
}

// authorize validates the upgrade token and binds it to the session in the
// request path. The token comes from the Authorization bearer header or,
// for browser clients that cannot set headers on websocket upgrades, the
// "token" query parameter.
func (s *Server) authorize(r *http.Request, sessionID string) (Claims, error) {
	token := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); auth != "" {
		if t, ok := strings.CutPrefix(auth, "Bearer "); ok {
			token = t
		}
	}

	claims, err := s.auth.Validate(r.Context(), token)
	if err != nil {
		return Claims{}, fmt.Errorf("server: validate token: %w", err)
	}
	if claims.SessionID != "" && claims.SessionID != sessionID {
		return Claims{}, fmt.Errorf("server: token bound to session %q, not %q: %w",
			claims.SessionID, sessionID, ErrTokenInvalid)
	}
	return claims, nil
}
