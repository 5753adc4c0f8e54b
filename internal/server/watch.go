package server

import (
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/apexgames-io/arbiter/internal/api"
	"github.com/apexgames-io/arbiter/internal/model"
)

const watchPingInterval = 15 * time.Second

// handleWatch upgrades to a websocket and streams a change event line each
// time the session commits. Events carry only the session id; the watcher
// re-reads the state endpoint. The subscription dies with the connection,
// so a gone client never accumulates backlog.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request, agent model.Agent, sessionID string) {
	if _, err := s.arb.Read(r.Context(), agent.AgentID, sessionID); err != nil {
		s.writeFault(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed") //nolint:errcheck

	sub := s.notifier.Subscribe(sessionID)
	defer s.notifier.Unsubscribe(sub)

	event, err := json.Marshal(api.ChangeEvent{SessionID: sessionID})
	if err != nil {
		return
	}

	ctx := r.Context()
	ping := time.NewTicker(watchPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "bye") //nolint:errcheck
			return
		case <-sub.C():
			if err := conn.Write(ctx, websocket.MessageText, event); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		}
	}
}
