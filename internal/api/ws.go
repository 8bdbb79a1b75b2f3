package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nugget/agrifarm/internal/events"
	"github.com/nugget/agrifarm/internal/session"
	"github.com/nugget/agrifarm/internal/users"
)

const (
	wsWriteWait   = 10 * time.Second
	wsPongWait    = 60 * time.Second
	wsPingPeriod  = 30 * time.Second
	wsBufferSize  = 64
	wsMaxReadSize = 512
)

// streamedKinds are the events forwarded to /ws/sensors clients.
var streamedKinds = map[string]bool{
	events.KindSensorReading: true,
	events.KindDeviceStatus:  true,
}

// handleSensorStream upgrades to a websocket and streams the caller's
// sensor readings and device status events as JSON text frames.
// Browsers cannot set headers on a websocket, so the token may also be
// passed as ?token=.
func (s *Server) handleSensorStream(w http.ResponseWriter, r *http.Request) {
	token := session.BearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	u, err := s.authenticate(r.Context(), token)
	if errors.Is(err, errUnauthorized) {
		s.errorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !u.IsActive {
		s.errorResponse(w, http.StatusForbidden, "account is deactivated")
		return
	}
	if s.deps.Events == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "live feed not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.deps.Events.Subscribe(wsBufferSize)
	defer s.deps.Events.Unsubscribe(sub)

	log := s.logger.With("user_id", u.ID, "remote", r.RemoteAddr)
	log.Debug("sensor stream opened")
	defer log.Debug("sensor stream closed")

	closed := make(chan struct{})
	go s.drainReads(conn, closed)

	admin := u.Role == users.RoleAdmin
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		case <-closed:
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if !streamedKinds[ev.Kind] || (!admin && ev.OwnerID() != u.ID) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drainReads consumes client frames so control messages are handled,
// and closes done when the client goes away.
func (s *Server) drainReads(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(wsMaxReadSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
