package httpserver

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tinytelemetry/sensord/internal/hub"
)

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debugw("websocket upgrade failed", "remote", c.Request.RemoteAddr, "error", err)
		return
	}

	sub, err := s.hub.Register(s.ctx)
	if err != nil {
		s.log.Warnw("websocket subscriber rejected", "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	s.log.Infow("websocket client connected", "id", sub.ID, "remote", conn.RemoteAddr().String())

	go s.writeLoop(conn, sub)
	s.readLoop(conn, sub)
}

// writeLoop is the only writer on conn. It exits when the subscriber queue
// closes or a write fails.
func (s *Server) writeLoop(conn *websocket.Conn, sub *hub.Subscriber) {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		s.hub.Unregister(sub)
		_ = conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg.Data); err != nil {
				s.log.Debugw("websocket write failed", "id", sub.ID, "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop drains client frames. Inbound messages carry no meaning and are
// only logged; a read error ends the subscription.
func (s *Server) readLoop(conn *websocket.Conn, sub *hub.Subscriber) {
	defer func() {
		s.hub.Unregister(sub)
		_ = conn.Close()
		s.log.Infow("websocket client disconnected", "id", sub.ID)
	}()

	pongWait := 2 * s.pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		s.log.Debugw("websocket client message ignored", "id", sub.ID, "bytes", len(data))
	}
}
