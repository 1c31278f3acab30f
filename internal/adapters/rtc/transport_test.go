package rtc

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/conference/internal/app/sfu"
	"github.com/dkeye/conference/internal/config"
	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/pion/ice/v4"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ortcClient is the browser side of one transport, built from the same
// ORTC objects the engine uses.
type ortcClient struct {
	api      *webrtc.API
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
}

func newORTCClient(t *testing.T, caps core.RTPCapabilities) *ortcClient {
	t.Helper()
	m, err := newMediaEngine(caps)
	require.NoError(t, err)

	var se webrtc.SettingEngine
	se.SetIncludeLoopbackCandidate(true)
	se.SetIPFilter(func(ip net.IP) bool { return ip.IsLoopback() })
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	se.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se))

	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	require.NoError(t, err)
	iceT := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(iceT, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = dtls.Stop()
		_ = iceT.Stop()
		_ = gatherer.Close()
	})

	complete := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(complete) })
		}
	})
	require.NoError(t, gatherer.Gather())
	select {
	case <-complete:
	case <-time.After(5 * time.Second):
		t.Fatal("client gathering timed out")
	}
	return &ortcClient{api: api, gatherer: gatherer, ice: iceT, dtls: dtls}
}

// connect hands the client's parameters to tr, then runs ICE as the
// controlling side and DTLS against the server's fingerprint.
func (c *ortcClient) connect(ctx context.Context, t *testing.T, tr core.Transport) {
	t.Helper()
	iceParams, err := c.gatherer.GetLocalParameters()
	require.NoError(t, err)
	dtlsParams, err := c.dtls.GetLocalParameters()
	require.NoError(t, err)
	remote := tr.Params()

	cands := make([]webrtc.ICECandidate, 0, len(remote.ICECandidates))
	for _, rc := range remote.ICECandidates {
		typ, err := webrtc.NewICECandidateType(rc.Type)
		require.NoError(t, err)
		proto, err := webrtc.NewICEProtocol(rc.Protocol)
		require.NoError(t, err)
		cands = append(cands, webrtc.ICECandidate{
			Foundation: rc.Foundation,
			Priority:   rc.Priority,
			Address:    rc.IP,
			Protocol:   proto,
			Port:       rc.Port,
			Typ:        typ,
			Component:  1,
		})
	}
	require.NoError(t, c.ice.SetRemoteCandidates(cands))

	local := toICEParameters(iceParams)
	require.NoError(t, tr.Connect(ctx, core.ConnectOptions{ICEParameters: &local, DTLSParameters: toDTLSParameters(dtlsParams)}))

	errc := make(chan error, 1)
	go func() {
		role := webrtc.ICERoleControlling
		if err := c.ice.Start(c.gatherer, fromICEParameters(remote.ICEParameters), &role); err != nil {
			errc <- err
			return
		}
		errc <- c.dtls.Start(fromDTLSParameters(remote.DTLSParameters))
	}()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("client side did not connect")
	}
	select {
	case <-tr.(*transport).ready:
	case <-ctx.Done():
		t.Fatal("server side did not connect")
	}
}

func routerCodec(t *testing.T, caps core.RTPCapabilities, mime string) core.RTPCodecCapability {
	t.Helper()
	for _, c := range caps.Codecs {
		if strings.EqualFold(c.MimeType, mime) {
			return c
		}
	}
	t.Fatalf("router has no %s codec", mime)
	return core.RTPCodecCapability{}
}

func newLoopbackRouter(ctx context.Context, t *testing.T) core.Router {
	t.Helper()
	e, err := NewEngine(config.MediaConfig{ListenIP: "127.0.0.1"}, sfu.NewRelayManager())
	require.NoError(t, err)
	codecs, err := CodecsFromConfig(config.DefaultCodecs())
	require.NoError(t, err)
	r, err := e.CreateRouter(ctx, codecs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestTransportParams(t *testing.T) {
	if testing.Short() {
		t.Skip("opens UDP sockets")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r := newLoopbackRouter(ctx, t)

	tr, err := r.CreateWebRTCTransport(ctx, false)
	require.NoError(t, err)
	params := tr.Params()
	assert.Equal(t, tr.ID(), params.ID)
	assert.NotEmpty(t, params.ICEParameters.UsernameFragment)
	assert.NotEmpty(t, params.ICEParameters.Password)
	require.NotEmpty(t, params.ICECandidates)
	for _, c := range params.ICECandidates {
		assert.Equal(t, "127.0.0.1", c.IP)
		assert.Equal(t, "host", c.Type)
	}
	require.NotEmpty(t, params.DTLSParameters.Fingerprints)
	assert.Equal(t, "sha-256", params.DTLSParameters.Fingerprints[0].Algorithm)

	vp8 := routerCodec(t, r.RTPCapabilities(), webrtc.MimeTypeVP8)
	_, err = tr.Produce(ctx, core.ProduceOptions{
		Kind: domain.KindVideo,
		RTPParameters: core.RTPParameters{
			Codecs:    []core.RTPCodecParameters{{MimeType: vp8.MimeType, PayloadType: vp8.PreferredPayloadType, ClockRate: vp8.ClockRate}},
			Encodings: []core.RTPEncoding{{SSRC: 1234}},
		},
	})
	assert.ErrorIs(t, err, errNotConnected)

	_, err = tr.Consume(ctx, core.ConsumeOptions{ProducerID: "nope"})
	assert.ErrorIs(t, err, errNoConsumingRole)
	assert.ErrorIs(t, tr.Connect(ctx, core.ConnectOptions{}), errMissingICE)
}

func TestTransportLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("opens UDP sockets")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	r := newLoopbackRouter(ctx, t)
	vp8 := routerCodec(t, r.RTPCapabilities(), webrtc.MimeTypeVP8)

	send, err := r.CreateWebRTCTransport(ctx, false)
	require.NoError(t, err)
	pub := newORTCClient(t, r.RTPCapabilities())
	pub.connect(ctx, t, send)
	assert.ErrorIs(t, send.Connect(ctx, core.ConnectOptions{ICEParameters: &core.ICEParameters{}}), errAlreadyConnected)

	track, err := webrtc.NewTrackLocalStaticRTP(toPionCapability(vp8), "video", "cam")
	require.NoError(t, err)
	sender, err := pub.api.NewRTPSender(track, pub.dtls)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sender.Stop() })
	sendParams := sender.GetParameters()
	require.NotEmpty(t, sendParams.Encodings)
	require.NoError(t, sender.Send(sendParams))

	prod, err := send.Produce(ctx, core.ProduceOptions{
		Kind: domain.KindVideo,
		RTPParameters: core.RTPParameters{
			Codecs:    []core.RTPCodecParameters{{MimeType: vp8.MimeType, PayloadType: vp8.PreferredPayloadType, ClockRate: vp8.ClockRate}},
			Encodings: []core.RTPEncoding{{SSRC: uint32(sendParams.Encodings[0].SSRC)}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.KindVideo, prod.Kind())
	assert.True(t, r.CanConsume(prod.ID(), r.RTPCapabilities()))

	recv, err := r.CreateWebRTCTransport(ctx, true)
	require.NoError(t, err)
	sub := newORTCClient(t, r.RTPCapabilities())
	sub.connect(ctx, t, recv)

	cons, err := recv.Consume(ctx, core.ConsumeOptions{ProducerID: prod.ID(), RTPCapabilities: r.RTPCapabilities()})
	require.NoError(t, err)
	assert.Equal(t, prod.ID(), cons.ProducerID())
	assert.False(t, cons.Paused())
	cp := cons.RTPParameters()
	require.Len(t, cp.Encodings, 1)
	require.Len(t, cp.Codecs, 1)
	assert.Equal(t, vp8.PreferredPayloadType, cp.Codecs[0].PayloadType)

	receiver, err := sub.api.NewRTPReceiver(webrtc.RTPCodecTypeVideo, sub.dtls)
	require.NoError(t, err)
	t.Cleanup(func() { _ = receiver.Stop() })
	require.NoError(t, receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{RTPCodingParameters: webrtc.RTPCodingParameters{
			SSRC:        webrtc.SSRC(cp.Encodings[0].SSRC),
			PayloadType: webrtc.PayloadType(cp.Codecs[0].PayloadType),
		}}},
	}))

	got := make(chan *rtp.Packet, 1)
	go func() {
		pkt, _, err := receiver.Track().ReadRTP()
		if err == nil {
			got <- pkt
		}
	}()

	// the consumer's sender starts asynchronously, so keep writing until a
	// packet makes it through
	payload := []byte{0x10, 0x00, 0x9d, 0x01, 0x2a}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	var (
		seq uint16
		pkt *rtp.Packet
	)
	for pkt == nil {
		select {
		case pkt = <-got:
		case <-ticker.C:
			seq++
			require.NoError(t, track.WriteRTP(&rtp.Packet{
				Header:  rtp.Header{Version: 2, SequenceNumber: seq, Timestamp: uint32(seq) * 3000},
				Payload: payload,
			}))
		case <-ctx.Done():
			t.Fatal("no RTP reached the consumer")
		}
	}
	assert.Equal(t, payload, pkt.Payload)
	assert.Equal(t, vp8.PreferredPayloadType, pkt.PayloadType)
	assert.Equal(t, cp.Encodings[0].SSRC, pkt.SSRC)

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) func() {
		return func() {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
		}
	}
	cons.OnProducerClose(record("producerclose"))
	cons.OnClose(record("consumer"))
	prod.OnClose(record("producer"))
	send.OnClose(record("send"))

	require.NoError(t, send.Close())
	require.NoError(t, prod.Close())
	require.NoError(t, cons.Close())
	require.NoError(t, send.Close())

	mu.Lock()
	assert.Equal(t, []string{"producerclose", "consumer", "producer", "send"}, order)
	mu.Unlock()
	assert.False(t, r.CanConsume(prod.ID(), r.RTPCapabilities()))

	rt := recv.(*transport)
	rt.mu.Lock()
	assert.Empty(t, rt.consumers)
	rt.mu.Unlock()

	_, err = recv.Consume(ctx, core.ConsumeOptions{ProducerID: prod.ID()})
	assert.ErrorIs(t, err, errProducerNotActive)

	recvClosed := make(chan struct{})
	recv.OnClose(func() { close(recvClosed) })
	require.NoError(t, r.Close())
	select {
	case <-recvClosed:
	case <-time.After(time.Second):
		t.Fatal("router close did not close its transports")
	}
}
