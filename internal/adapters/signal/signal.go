// Package signal is the WebSocket side of the signaling protocol: framing,
// payload validation and per-connection pumps. Request semantics live in orch.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/conference/internal/app/orch"
	"github.com/dkeye/conference/internal/config"
	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/dkeye/conference/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var errConnClosed = errors.New("connection closed")

const (
	defaultPingPeriod = 54 * time.Second
	defaultPongWait   = 60 * time.Second
)

type SignalWSController struct {
	Orch    *orch.Orchestrator
	Limiter *RoomRateLimiter
	Metrics *metrics.Metrics

	cfg      *config.Config
	validate *validator.Validate
}

func NewSignalWSController(o *orch.Orchestrator, cfg *config.Config, limiter *RoomRateLimiter, m *metrics.Metrics) *SignalWSController {
	if cfg.PingPeriod <= 0 || cfg.PongWait <= cfg.PingPeriod {
		c := *cfg
		c.PingPeriod, c.PongWait = defaultPingPeriod, defaultPongWait
		cfg = &c
	}
	return &SignalWSController{
		Orch:     o,
		Limiter:  limiter,
		Metrics:  m,
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// WsSignalConn is the outbound half of one socket. Frames queue on send and
// the write pump drains them, so a slow client never blocks the caller.
type WsSignalConn struct {
	conn    *websocket.Conn
	send    chan core.Frame
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(ws *websocket.Conn, buffer int, m *metrics.Metrics) *WsSignalConn {
	if buffer <= 0 {
		buffer = 1
	}
	return &WsSignalConn{conn: ws, send: make(chan core.Frame, buffer), metrics: m}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

// Notify implements core.SignalConnection.
func (c *WsSignalConn) Notify(event string, payload any) error {
	f, err := encodePush(event, payload)
	if err != nil {
		return err
	}
	err = c.TrySend(f)
	c.metrics.ObserveNotification(event, err)
	return err
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

// HandleSignal upgrades the request and runs the connection until either
// side drops it. Every socket gets a fresh peer id.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	sid := domain.NewPeerID()
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("client_token", token).Msg("new WS connection")

	conn := newWsSignalConn(ws, ctl.cfg.Signal.SendBuffer, ctl.Metrics)
	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.OnConnect(sid, conn, cancel)

	go ctl.writePump(ctx, cancel, conn)
	go ctl.readPump(ctx, cancel, session{sid: sid, token: token, conn: conn})
}

// session is what a request handler knows about its caller.
type session struct {
	sid   domain.PeerID
	token string
	conn  *WsSignalConn
}
