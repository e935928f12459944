package relay

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sarpel/privrelay/internal/auth"
	"github.com/sarpel/privrelay/internal/config"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin enforcement happens at the HTTP layer (CORS); the socket
		// itself carries no cookies, so cross-origin upgrade is harmless.
		return true
	},
}

// Handler wires the AUTHENTICATING step: token verification and registry
// install, then hands off to a Session for DRAINING/ACTIVE.
type Handler struct {
	cfg      *config.Config
	registry *Registry
	store    envelopeStore
	wakeup   WakeupNotifier
}

// NewHandler creates a WebSocket relay handler. wakeup may be nil.
func NewHandler(cfg *config.Config, registry *Registry, store envelopeStore, wakeup WakeupNotifier) *Handler {
	return &Handler{cfg: cfg, registry: registry, store: store, wakeup: wakeup}
}

// HandleConnection upgrades the request to a WebSocket, then verifies the
// token query parameter. An upgrade is required before a close code can be
// sent at all, so AUTHENTICATING failures close code 1008 over the socket
// rather than failing the HTTP handshake. GET /ws?token=...
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	token := c.Query("token")
	userID, err := auth.VerifyToken(token, h.cfg.SecretKey)
	if err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "invalid or expired token") // 1008
		conn.Close()
		return
	}

	session := NewSession(userID, conn, h.registry, h.store, h.wakeup)

	if err := h.registry.Connect(userID, session); err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, ErrAtCapacity) {
			code = websocket.CloseTryAgainLater // 1013
		}
		closeWith(conn, code, err.Error())
		conn.Close()
		return
	}

	// Run blocks for the connection's full lifetime, so the hijacked conn
	// and this session's write pump must both outlive c.Request.Context().
	// Gin cancels that context when this handler returns, which only
	// happens after Run does - the ordering is safe, but swapping this for
	// a detached context would be wrong for the opposite reason: the
	// hijack already took the underlying net.Conn away from gin's server
	// loop, which otherwise cancels it early.
	session.Run(c.Request.Context())
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
