package broadcast

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const maxInboundMessage = 4096

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Viewers are read-only; origin is not a trust boundary here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RegisterRoutes mounts the viewer push endpoint.
func RegisterRoutes(router gin.IRouter, hub *Hub) {
	router.GET("/ws", func(c *gin.Context) {
		hub.ServeWS(c.Writer, c.Request)
	})
}

// ServeWS upgrades the request and pumps hub events to the viewer until
// either side goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	session := h.NewSession()
	h.Register(session)

	go h.writePump(conn, session)
	h.readPump(conn, session)
}

// readPump discards inbound frames and keeps the pong deadline fresh.
func (h *Hub) readPump(conn *websocket.Conn, session *Session) {
	defer func() {
		h.Unregister(session)
		_ = conn.Close()
	}()

	pongWait := h.opts.PingInterval * 2
	conn.SetReadLimit(maxInboundMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway) {
				return
			}
			h.log.Debug("viewer session read ended", "sessionID", session.ID, "error", err)
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, session *Session) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case <-session.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
				time.Now().Add(h.opts.WriteTimeout),
			)
			return
		case envelope := <-session.Outbound:
			_ = conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := conn.WriteJSON(envelope); err != nil {
				h.log.Warn("deliver expression change failed", "sessionID", session.ID, "error", err)
				h.Unregister(session)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.WriteTimeout)); err != nil {
				h.Unregister(session)
				return
			}
		}
	}
}
