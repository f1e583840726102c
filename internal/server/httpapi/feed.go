package httpapi

import (
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Token auth already gates the route.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleFeed upgrades the connection and streams the session's change
// events until the client disconnects or the session is destroyed.
func (s *Server) handleFeed(c echo.Context) error {
	sessionID, err := uuid.FromString(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "id must be a uuid")
	}
	if _, err := s.sessions.Get(c.Request().Context(), sessionID); err != nil {
		return toHTTPError(err)
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil // Upgrade already wrote the error response.
	}

	sub := s.hub.Subscribe(sessionID)
	s.metrics.feedSubscribers.Inc()
	defer func() {
		sub.Close()
		s.metrics.feedSubscribers.Dec()
		conn.Close()
	}()

	// Reader exists only to observe the close handshake.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-readDone:
			return nil
		case ev, ok := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Session destroyed or subscriber dropped.
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "feed closed"))
				return nil
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debug("feed write failed",
					zap.String("session", sessionID.String()), zap.Error(err))
				return nil
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}
