package signal

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/conference/internal/app"
	"github.com/dkeye/conference/internal/app/enginetest"
	"github.com/dkeye/conference/internal/app/orch"
	"github.com/dkeye/conference/internal/config"
	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCodecs = []core.RTPCodecCapability{
	{Kind: domain.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
	{Kind: domain.KindVideo, MimeType: "video/VP8", ClockRate: 90000},
}

type frame struct {
	ID    *uint64         `json:"id"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Error *wireError      `json:"error"`
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
	id domain.PeerID
	n  uint64
}

func testConfig() *config.Config {
	return &config.Config{
		ReadLimit:  65536,
		PingPeriod: time.Second,
		PongWait:   5 * time.Second,
		Signal:     config.SignalConfig{SendBuffer: 64},
	}
}

func newTestServer(t *testing.T, cfg *config.Config, limiter *RoomRateLimiter) *httptest.Server {
	t.Helper()
	srv, _ := startServer(t, cfg, limiter, enginetest.New())
	return srv
}

func startServer(t *testing.T, cfg *config.Config, limiter *RoomRateLimiter, eng *enginetest.Engine) (*httptest.Server, *app.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := app.NewRegistry(eng, testCodecs, app.CloseEmptyRooms{})
	o := orch.New(reg, app.NewConnections(app.SimplePolicy{}))
	ctl := NewSignalWSController(o, cfg, limiter, nil)

	ctx, cancel := context.WithCancel(context.Background())
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		c.Set("client_token", "token-1")
		ctl.HandleSignal(ctx, c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv, reg
}

func dial(t *testing.T, srv *httptest.Server) *client {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	c := &client{t: t, ws: ws}
	f := c.read()
	require.Equal(t, orch.EventConnectionSuccess, f.Type)
	var ev orch.PeerEvent
	require.NoError(t, json.Unmarshal(f.Data, &ev))
	require.NotEmpty(t, ev.PeerID)
	c.id = ev.PeerID
	return c
}

func (c *client) read() frame {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ws.ReadMessage()
	require.NoError(c.t, err)
	var f frame
	require.NoError(c.t, json.Unmarshal(data, &f))
	return f
}

// expect reads frames until one of type typ arrives.
func (c *client) expect(typ string) frame {
	c.t.Helper()
	for range 10 {
		if f := c.read(); f.Type == typ {
			return f
		}
	}
	c.t.Fatalf("no %s frame", typ)
	return frame{}
}

func (c *client) send(typ string, data any) uint64 {
	c.t.Helper()
	c.n++
	msg := map[string]any{"id": c.n, "type": typ}
	if data != nil {
		msg["data"] = data
	}
	require.NoError(c.t, c.ws.WriteJSON(msg))
	return c.n
}

// call sends a request and returns its response.
func (c *client) call(typ string, data any) frame {
	c.t.Helper()
	id := c.send(typ, data)
	for range 10 {
		f := c.read()
		if f.ID != nil && *f.ID == id {
			return f
		}
	}
	c.t.Fatalf("no response to %s", typ)
	return frame{}
}

func (c *client) join(room string) orch.JoinRoomResult {
	c.t.Helper()
	f := c.call("join-room", map[string]any{"roomName": room, "name": "n"})
	require.Nil(c.t, f.Error)
	var res orch.JoinRoomResult
	require.NoError(c.t, json.Unmarshal(f.Data, &res))
	return res
}

var dtlsParams = map[string]any{
	"role":         "client",
	"fingerprints": []map[string]string{{"algorithm": "sha-256", "value": "AA:BB"}},
}

func TestJoinRoom(t *testing.T) {
	srv := newTestServer(t, testConfig(), nil)
	a := dial(t, srv)

	res := a.join("r1")
	assert.Len(t, res.RTPCapabilities.Codecs, 2)
	assert.Empty(t, res.PeerIDs)

	b := dial(t, srv)
	res = b.join("r1")
	assert.Equal(t, []domain.PeerID{a.id}, res.PeerIDs)

	f := a.expect(orch.EventPeerJoined)
	var ev orch.PeerEvent
	require.NoError(t, json.Unmarshal(f.Data, &ev))
	assert.Equal(t, b.id, ev.PeerID)

	require.NoError(t, b.ws.Close())
	f = a.expect(orch.EventPeerLeft)
	require.NoError(t, json.Unmarshal(f.Data, &ev))
	assert.Equal(t, b.id, ev.PeerID)
}

var vp8Produce = map[string]any{
	"kind": "video",
	"rtpParameters": map[string]any{
		"codecs":    []map[string]any{{"mimeType": "video/VP8", "payloadType": 96, "clockRate": 90000}},
		"encodings": []map[string]any{{"ssrc": 1111}},
	},
}

func TestProduceConsumeFlow(t *testing.T) {
	srv := newTestServer(t, testConfig(), nil)
	a, b := dial(t, srv), dial(t, srv)
	a.join("r1")
	b.join("r1")

	f := a.call("create-transport", map[string]any{"isConsuming": false})
	require.Nil(t, f.Error)
	a.send("connect-send-transport", map[string]any{"dtlsParameters": dtlsParams})
	f = a.call("produce", vp8Produce)
	require.Nil(t, f.Error)
	var produced orch.ProduceResult
	require.NoError(t, json.Unmarshal(f.Data, &produced))
	assert.False(t, produced.ProducersExist)

	f = b.expect(orch.EventNewProducer)
	var info core.ProducerInfo
	require.NoError(t, json.Unmarshal(f.Data, &info))
	assert.Equal(t, produced.ID, info.ProducerID)
	assert.Equal(t, a.id, info.PeerID)

	f = b.call("create-transport", map[string]any{"isConsuming": true})
	require.Nil(t, f.Error)
	var params core.TransportParams
	require.NoError(t, json.Unmarshal(f.Data, &params))

	b.send("connect-recv-transport", map[string]any{"transportId": params.ID, "dtlsParameters": dtlsParams})
	f = b.call("consume", map[string]any{
		"rtpCapabilities":  core.RTPCapabilities{Codecs: testCodecs},
		"remoteProducerId": produced.ID,
		"transportId":      params.ID,
	})
	require.Nil(t, f.Error)
	var consumed orch.ConsumeResult
	require.NoError(t, json.Unmarshal(f.Data, &consumed))
	assert.Equal(t, produced.ID, consumed.ProducerID)
	assert.Equal(t, domain.KindVideo, consumed.Kind)

	b.send("resume-consumer", map[string]any{"consumerId": consumed.ID})
	f = b.call("get-producers", nil)
	require.Nil(t, f.Error)
	var list []core.ProducerInfo
	require.NoError(t, json.Unmarshal(f.Data, &list))
	assert.Len(t, list, 1)

	require.NoError(t, a.ws.Close())
	f = b.expect(orch.EventProducerClosed)
	var closed orch.ProducerClosedEvent
	require.NoError(t, json.Unmarshal(f.Data, &closed))
	assert.Equal(t, produced.ID, closed.ProducerID)
}

func TestSocketLossCancelsPendingRequest(t *testing.T) {
	cfg := testConfig()
	cfg.PingPeriod = 100 * time.Millisecond
	cfg.PongWait = 500 * time.Millisecond
	eng := enginetest.New()
	eng.HoldProduce = true
	srv, reg := startServer(t, cfg, nil, eng)

	a := dial(t, srv)
	a.join("r1")
	f := a.call("create-transport", map[string]any{"isConsuming": false})
	require.Nil(t, f.Error)

	// produce without connect never completes on its own
	a.send("produce", vp8Produce)
	require.NoError(t, a.ws.Close())

	assert.Eventually(t, func() bool {
		return reg.Stats().Peers == 0
	}, 3*time.Second, 20*time.Millisecond, "peer still registered after the socket dropped")
	stats := reg.Stats()
	assert.Zero(t, stats.Rooms)
	assert.Zero(t, stats.Transports)
}

func TestRequestErrors(t *testing.T) {
	srv := newTestServer(t, testConfig(), nil)
	a := dial(t, srv)

	require.NoError(t, a.ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	f := a.read()
	require.NotNil(t, f.Error)
	assert.Equal(t, "bad_request", f.Error.Code)

	f = a.call("teleport", nil)
	require.NotNil(t, f.Error)
	assert.Equal(t, "bad_request", f.Error.Code)

	f = a.call("join-room", map[string]any{"name": "x"})
	require.NotNil(t, f.Error)
	assert.Equal(t, "bad_request", f.Error.Code)

	f = a.call("create-transport", map[string]any{"isConsuming": false})
	require.NotNil(t, f.Error)
	assert.Equal(t, "not_found", f.Error.Code)

	a.join("r1")
	f = a.call("produce", map[string]any{"kind": "text", "rtpParameters": map[string]any{}})
	require.NotNil(t, f.Error)
	assert.Equal(t, "bad_request", f.Error.Code)

	f = a.call("ping", nil)
	assert.Nil(t, f.Error)
}

func TestFireAndForgetAck(t *testing.T) {
	t.Run("off", func(t *testing.T) {
		srv := newTestServer(t, testConfig(), nil)
		a := dial(t, srv)
		a.send("resume-consumer", map[string]any{"consumerId": "nope"})

		f := a.call("ping", nil)
		assert.Equal(t, "ping", f.Type, "the failed resume produced no frame")
		assert.Equal(t, uint64(2), *f.ID)
	})
	t.Run("on", func(t *testing.T) {
		cfg := testConfig()
		cfg.Signal.AckFireAndForget = true
		srv := newTestServer(t, cfg, nil)
		a := dial(t, srv)

		f := a.call("resume-consumer", map[string]any{"consumerId": "nope"})
		require.NotNil(t, f.Error)
		assert.Equal(t, "not_found", f.Error.Code)
	})
}

func TestJoinRateLimited(t *testing.T) {
	srv := newTestServer(t, testConfig(), NewRoomRateLimiter(1, time.Minute))
	a := dial(t, srv)
	a.join("r1")

	b := dial(t, srv)
	f := b.call("join-room", map[string]any{"roomName": "r1"})
	require.NotNil(t, f.Error)
	assert.Equal(t, "rate_limited", f.Error.Code)
}

func TestTrySendBackpressure(t *testing.T) {
	c := &WsSignalConn{send: make(chan core.Frame, 1)}
	require.NoError(t, c.Notify("peer-joined", orch.PeerEvent{PeerID: "x"}))
	assert.ErrorIs(t, c.Notify("peer-joined", orch.PeerEvent{PeerID: "y"}), core.ErrBackpressure)

	f := <-c.send
	assert.JSONEq(t, `{"type":"peer-joined","data":{"peerId":"x"}}`, string(f))
}
