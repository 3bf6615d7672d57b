package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ollivr/soketi/internal/apps"
	"github.com/ollivr/soketi/internal/protocol"
	"github.com/ollivr/soketi/internal/registry"
)

// Pusher clients connect cross-origin by design; origin policy is
// enforced by the CORS middleware on the HTTP surface instead.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WSHandler struct {
	registry *registry.Registry
}

func NewWSHandler(reg *registry.Registry) *WSHandler {
	return &WSHandler{registry: reg}
}

// HandleWebSocket serves GET /app/:key. Handshake failures are reported
// as a pusher:error frame on the upgraded socket before it is closed, so
// clients can distinguish a bad key from a network problem.
func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	appKey := c.Param("key")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Debug("WebSocket upgrade failed", "appKey", appKey, "error", err)
		return
	}

	connection, err := h.registry.Connect(c.Request.Context(), appKey, conn)
	if err != nil {
		code, message := handshakeError(err)
		frame := protocol.NewError(code, message)
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteMessage(websocket.TextMessage, frame.Marshal())
		// Close with the protocol code so conforming clients know not to
		// reconnect on 4000-4099.
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, message), deadline)
		_ = conn.Close()
		slog.Info("Handshake rejected", "appKey", appKey, "code", code, "error", err)
		return
	}

	// Blocks for the lifetime of the connection; gin handlers run on
	// their own goroutine already.
	connection.Serve()
}

func handshakeError(err error) (int, string) {
	switch {
	case errors.Is(err, apps.ErrAppNotFound):
		return protocol.CodeAppNotFound, "application does not exist"
	case errors.Is(err, registry.ErrAppDisabled):
		return protocol.CodeAppDisabled, "application is disabled"
	case errors.Is(err, registry.ErrOverQuota):
		return protocol.CodeOverConnectionQuota, "application is over its connection quota"
	default:
		return protocol.CodeAppNotFound, "connection refused"
	}
}
