package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/knikolov/sfumesh/internal/app/orch"
	"github.com/knikolov/sfumesh/internal/core"
	"github.com/knikolov/sfumesh/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

// Controller is the signaling router: it validates inbound messages,
// resolves targets through the registry, and dispatches to the
// orchestrator or relays peer-to-peer.
type Controller struct {
	Orch    *orch.Orchestrator
	limiter *RoomRateLimiter
}

func NewController(o *orch.Orchestrator) *Controller {
	return &Controller{
		Orch:    o,
		limiter: NewRoomRateLimiter(10, time.Minute),
	}
}

type WsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// BroadcastRoom fans a payload out to every member except the excluded one.
func (ctl *Controller) BroadcastRoom(roomID domain.RoomID, except domain.UserID, v any) {
	for _, mc := range ctl.Orch.Registry.MemberChans(roomID) {
		if mc.User == except {
			continue
		}
		ctl.sendTo(mc.Signal, v)
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the connection's pumps.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(c.GetString("client_token"))
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}

	conn := &WsConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}

	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Registry.BindSignal(sid, conn, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, sid, conn)
}
