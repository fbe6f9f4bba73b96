package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/wanderplan/internal/agent"
	"github.com/nugget/wanderplan/internal/events"
)

const (
	liveWriteWait  = 10 * time.Second
	livePingPeriod = 30 * time.Second
	livePongWait   = 2 * livePingPeriod
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The feed is read-only and carries no credentials.
	CheckOrigin: func(*http.Request) bool { return true },
}

// LiveMessage is one frame of the live feed. The first frame is a
// snapshot of the session; every later frame wraps a bus event.
type LiveMessage struct {
	Type  string        `json:"type"` // snapshot or event
	State agent.State   `json:"state,omitempty"`
	Trip  *TripResponse `json:"trip,omitempty"`
	Event *events.Event `json:"event,omitempty"`
}

// handleLive streams the session's bus events over a websocket until
// the client goes away.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "live feed not configured")
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "session", sess.ID, "error", err)
		return
	}
	defer conn.Close()

	// Subscribe before the snapshot so nothing falls between them.
	ch := s.bus.Subscribe(256)
	defer s.bus.Unsubscribe(ch)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(1024)
		_ = conn.SetReadDeadline(time.Now().Add(livePongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(livePongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("live feed read ended", "session", sess.ID, "error", err)
				}
				return
			}
		}
	}()

	doc := sess.Document()
	snap := tripResponse(doc.Snapshot(), doc.Version(), doc.SharedAt())
	if err := s.writeLive(conn, LiveMessage{Type: "snapshot", State: sess.State(), Trip: &snap}); err != nil {
		return
	}
	s.logger.Debug("live feed opened", "session", sess.ID)

	ping := time.NewTicker(livePingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			s.logger.Debug("live feed closed", "session", sess.ID)
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Session != sess.ID {
				continue
			}
			if err := s.writeLive(conn, LiveMessage{Type: "event", Event: &e}); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeLive(conn *websocket.Conn, msg LiveMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Debug("live feed write failed", "error", err)
		return err
	}
	return nil
}
