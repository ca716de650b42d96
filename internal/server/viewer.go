package server

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jcarpenter-uam/calc-translation/internal/session"
)

// viewerSocket adapts a websocket connection to session.ViewerConn.
type viewerSocket struct {
	conn *websocket.Conn
}

var _ session.ViewerConn = (*viewerSocket)(nil)

func (v *viewerSocket) WriteText(ctx context.Context, data []byte) error {
	return v.conn.Write(ctx, websocket.MessageText, data)
}

func (v *viewerSocket) Close(reason string) error {
	return v.conn.Close(websocket.StatusNormalClosure, reason)
}

// handleViewer upgrades a viewer connection, replays the cached transcript,
// and streams live records until either side disconnects.
func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	log := s.log.With("session_id", sessionID)

	if _, err := s.authorize(r, sessionID); err != nil {
		log.Warn("viewer rejected", "err", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	if !s.cfg.Registry.IsActive(sessionID) {
		http.Error(w, "no active session", http.StatusNotFound)
		return
	}

	language := r.URL.Query().Get("language")
	if language == "" {
		language = s.cfg.DefaultTargetLanguage
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("viewer upgrade failed", "err", err)
		return
	}

	viewer := session.NewViewer(uuid.NewString(), language, &viewerSocket{conn: conn}, session.DefaultViewerQueueSize, log)

	if err := s.cfg.Broadcaster.Attach(sessionID, viewer); err != nil {
		log.Warn("viewer attach failed", "err", err)
		viewer.Stop("no active session")
		<-viewer.Done()
		return
	}
	log.Info("viewer attached", "viewer_id", viewer.ID, "language", language)

	// Inbound viewer messages are reserved for future subscription control;
	// the read loop only detects disconnects.
	go func() {
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				s.cfg.Broadcaster.Detach(sessionID, viewer)
				viewer.Stop("client disconnected")
				return
			}
		}
	}()

	<-viewer.Done()
	log.Info("viewer detached", "viewer_id", viewer.ID)
}
