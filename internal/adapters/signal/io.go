package signal

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/conference/internal/domain"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

// writePump drains the send queue and pings the client. Losing the socket
// here cancels ctx so a request blocked in the read pump gives up.
func (ctl *SignalWSController) writePump(ctx context.Context, cancel context.CancelFunc, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping failed")
				return
			}
		}
	}
}

// readPump handles requests strictly in arrival order. When it returns the
// peer is torn down.
func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, s session) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(s.sid)).Msg("readPump closing")
		ctl.Orch.OnDisconnect(s.sid)
		cancel()
		s.conn.Close()
	}()

	ws := s.conn.conn
	if ctl.cfg.ReadLimit > 0 {
		ws.SetReadLimit(ctl.cfg.ReadLimit)
	}
	_ = ws.SetReadDeadline(time.Now().Add(ctl.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(ctl.cfg.PongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(s.sid)).Msg("readPump read error")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		ctl.handleSignal(ctx, s, data)
	}
}

type handlerFunc func(ctx context.Context, s session, data json.RawMessage) (any, error)

type route struct {
	handle handlerFunc
	// fireAndForget requests get no response unless acks are enabled.
	fireAndForget bool
}

func (ctl *SignalWSController) routes() map[string]route {
	return map[string]route{
		"join-room":              {handle: ctl.handleJoinRoom},
		"get-producers":          {handle: ctl.handleGetProducers},
		"create-transport":       {handle: ctl.handleCreateTransport},
		"connect-send-transport": {handle: ctl.handleConnectSendTransport, fireAndForget: true},
		"produce":                {handle: ctl.handleProduce},
		"connect-recv-transport": {handle: ctl.handleConnectRecvTransport, fireAndForget: true},
		"consume":                {handle: ctl.handleConsume},
		"resume-consumer":        {handle: ctl.handleResumeConsumer, fireAndForget: true},
		"ping":                   {handle: ctl.handlePing},
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, s session, data []byte) {
	req, err := decodeRequest(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(s.sid)).Msg("bad json")
		ctl.reply(s, req, nil, err)
		return
	}
	rt, ok := ctl.routes()[req.Type]
	if !ok {
		log.Warn().Str("module", "signal").Str("type", req.Type).Msg("unknown signal")
		ctl.reply(s, req, nil, errors.Join(domain.ErrBadRequest, errors.New("unknown request type "+req.Type)))
		return
	}

	if d := ctl.cfg.Signal.RequestTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	resp, err := rt.handle(ctx, s, req.Data)
	ctl.Metrics.ObserveRequest(req.Type, domain.ErrorCode(err))

	if rt.fireAndForget && !ctl.cfg.Signal.AckFireAndForget {
		if err != nil {
			log.Error().Err(err).Str("module", "signal").Str("sid", string(s.sid)).Str("type", req.Type).Msg("request failed")
		}
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(s.sid)).Str("type", req.Type).Msg("request failed")
	}
	ctl.reply(s, req, resp, err)
}

func (ctl *SignalWSController) reply(s session, req request, data any, err error) {
	var (
		out    []byte
		encErr error
	)
	if err != nil {
		out, encErr = encodeError(req, err)
	} else {
		out, encErr = encodeResponse(req, data)
	}
	if encErr != nil {
		log.Error().Err(encErr).Str("module", "signal").Msg("reply marshal")
		return
	}
	if err := s.conn.TrySend(out); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(s.sid)).Str("type", req.Type).Msg("reply dropped")
	}
}

// decode unmarshals a request payload and runs struct validation on it.
func (ctl *SignalWSController) decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Join(domain.ErrBadRequest, err)
	}
	if err := ctl.validate.Struct(v); err != nil {
		return errors.Join(domain.ErrBadRequest, err)
	}
	return nil
}
