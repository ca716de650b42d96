package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"

	"github.com/jcarpenter-uam/calc-translation/internal/correction"
	"github.com/jcarpenter-uam/calc-translation/internal/session"
)

// producerSocket adapts a websocket connection to session.ProducerConn.
type producerSocket struct {
	conn *websocket.Conn
}

var _ session.ProducerConn = (*producerSocket)(nil)

// ReadText returns the next text frame, skipping any other message types.
func (p *producerSocket) ReadText(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := p.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

// handleProducer upgrades a producer connection and runs the session
// orchestrator until the producer disconnects or the session fails.
func (s *Server) handleProducer(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	integration := r.URL.Query().Get("integration")
	log := s.log.With("session_id", sessionID)

	claims, err := s.authorize(r, sessionID)
	if err != nil {
		log.Warn("producer rejected", "err", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("producer upgrade failed", "err", err)
		return
	}

	log.Info("producer connected", "subject", claims.Subject, "integration", integration)

	orch, err := session.NewOrchestrator(session.OrchestratorConfig{
		SessionID:             sessionID,
		Integration:           integration,
		Registry:              s.cfg.Registry,
		Broadcaster:           s.cfg.Broadcaster,
		Producer:              &producerSocket{conn: conn},
		STT:                   s.cfg.STT,
		StreamConfig:          s.cfg.StreamConfig,
		Corrections:           s.newCorrectionSink(sessionID),
		CorrectionLanguages:   s.cfg.CorrectionLanguages,
		DefaultTargetLanguage: s.cfg.DefaultTargetLanguage,
		ReconnectBackoff:      s.cfg.ReconnectBackoff,
		FinalizeTimeout:       s.cfg.FinalizeTimeout,
		Artifacts:             s.artifactSink(),
		Logger:                s.log,
		Metrics:               s.metrics,
	})
	if err != nil {
		log.Error("orchestrator setup failed", "err", err)
		conn.Close(websocket.StatusInternalError, "setup failed")
		return
	}

	switch err := orch.Run(r.Context()); {
	case err == nil:
		conn.Close(websocket.StatusNormalClosure, "session complete")
	case errors.Is(err, session.ErrSessionActive):
		log.Warn("duplicate producer rejected")
		conn.Close(websocket.StatusPolicyViolation, "session already active")
	default:
		log.Error("session failed", "err", err)
		conn.Close(websocket.StatusInternalError, "session failed")
	}
}

// newCorrectionSink builds the per-session correction engine, or nil when no
// corrector is configured.
func (s *Server) newCorrectionSink(sessionID string) session.CorrectionSink {
	if s.cfg.Corrector == nil {
		return nil
	}
	translator := s.cfg.Translator
	if translator == nil {
		translator = s.cfg.Corrector
	}
	return correction.NewEngine(sessionID, correction.Config{
		WindowSize:  s.cfg.CorrectionWindow,
		Corrector:   s.cfg.Corrector,
		Translator:  translator,
		Broadcaster: s.cfg.Broadcaster,
		Logger:      s.log,
		Metrics:     s.metrics,
	})
}

// artifactSink returns the artifact writer as the orchestrator's narrow
// interface, preserving nil-ness across the interface conversion.
func (s *Server) artifactSink() session.Artifacts {
	if s.cfg.Artifacts == nil {
		return nil
	}
	return s.cfg.Artifacts
}
