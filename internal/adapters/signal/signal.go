package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/auth"
	"github.com/dkeye/Meet/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

const (
	writeWait   = 5 * time.Second
	sendBuffer  = 64
	defaultPing = 54 * time.Second
)

type SignalWSController struct {
	Orch       *orch.Orchestrator
	Tokens     *auth.Tokens
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewSignalWSController(o *orch.Orchestrator, tokens *auth.Tokens, readLimit int64, ping time.Duration) *SignalWSController {
	if ping <= 0 {
		ping = defaultPing
	}
	return &SignalWSController{Orch: o, Tokens: tokens, ReadLimit: readLimit, PingPeriod: ping}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
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

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves it until either pump stops.
// Every connection gets its own session id.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(uuid.NewString())
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("client", c.GetString("client_id")).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, sendBuffer),
	}

	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Registry.BindSignal(sid, conn, cancel)

	go func() {
		var pumps conc.WaitGroup
		pumps.Go(func() { ctl.writePump(ctx, conn) })
		pumps.Go(func() {
			ctl.readPump(ctx, sid, conn)
			cancel()
		})
		// Closing the socket unblocks a read stuck past cancellation.
		context.AfterFunc(ctx, conn.Close)
		pumps.Wait()
		cancel()
		ctl.Orch.OnDisconnect(sid)
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("session closed")
	}()
}
