package server

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

// handleEventStream upgrades to a WebSocket and forwards the session's
// events from the moment of attachment. Events published while nobody was
// attached go to the stream's backlog and arrive with the first attacher;
// the status and result endpoints exist to recover anything else.
func (s *service) handleEventStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	sess, ok := s.registry.Get(sessionID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin policy is enforced upstream
	})
	if err != nil {
		s.logger.Debug("websocket accept failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	events, cancel := sess.Stream().Subscribe()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, open := <-events:
			if !open {
				return
			}
			if err := wsjson.Write(ctx, conn, evt); err != nil {
				s.logger.Debug("websocket write failed", "session_id", sessionID, "error", err)
				return
			}
		}
	}
}
