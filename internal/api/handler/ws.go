package handler

import (
	"net/http"
	"pairchat/backend/internal/signaling"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Calls are opened from shared links on any origin; the room token is the credential.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWebSocket upgrades /ws/call/:room_id?token=... and serves the
// participant until the connection ends. The token is checked after the
// upgrade so a refused client receives a close frame with the reason.
func (h *Handler) ServeWebSocket(c *gin.Context) {
	roomID := c.Param("room_id")
	token := c.Query("token")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.WithError(err).WithField("room_id", roomID).Debug("websocket upgrade failed")
		return
	}

	ctx := c.Request.Context()
	ws := signaling.NewWSConn(conn, h.SendBuffer)
	peer, err := h.Relay.Connect(ctx, roomID, token, ws)
	if err != nil {
		return
	}
	h.Relay.Serve(ctx, peer, ws)
}
