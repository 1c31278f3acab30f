package rtc

import (
	"fmt"
	"sync"

	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// remoteSource adapts a pion remote track to the relay.
type remoteSource struct {
	track *webrtc.TrackRemote
}

func (s remoteSource) ReadRTP() (*rtp.Packet, error) {
	p, _, err := s.track.ReadRTP()
	return p, err
}

type producer struct {
	id          string
	kind        domain.MediaKind
	codec       core.RTPCodecParameters
	routerCodec core.RTPCodecCapability
	ssrc        uint32
	transport   *transport
	receiver    *webrtc.RTPReceiver
	logger      zerolog.Logger

	mu        sync.Mutex
	closed    bool
	consumers map[string]*consumer
	onClose   []func()
}

func newProducer(t *transport, opts core.ProduceOptions, codec core.RTPCodecParameters, routerCodec core.RTPCodecCapability) (*producer, error) {
	kind, err := codecType(opts.Kind)
	if err != nil {
		return nil, err
	}
	if len(opts.RTPParameters.Encodings) == 0 || opts.RTPParameters.Encodings[0].SSRC == 0 {
		return nil, fmt.Errorf("%w: produce needs an encoding with ssrc", domain.ErrBadRequest)
	}
	enc := opts.RTPParameters.Encodings[0]

	recv, err := t.router.api.NewRTPReceiver(kind, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp receiver: %w", err)
	}
	coding := webrtc.RTPCodingParameters{
		RID:         enc.RID,
		SSRC:        webrtc.SSRC(enc.SSRC),
		PayloadType: webrtc.PayloadType(codec.PayloadType),
	}
	if enc.RTX != nil {
		coding.RTX = webrtc.RTPRtxParameters{SSRC: webrtc.SSRC(enc.RTX.SSRC)}
	}
	params := webrtc.RTPReceiveParameters{Encodings: []webrtc.RTPDecodingParameters{{RTPCodingParameters: coding}}}
	if err := recv.Receive(params); err != nil {
		_ = recv.Stop()
		return nil, fmt.Errorf("rtp receive: %w", err)
	}

	id := uuid.NewString()
	return &producer{
		id:          id,
		kind:        opts.Kind,
		codec:       codec,
		routerCodec: routerCodec,
		ssrc:        enc.SSRC,
		transport:   t,
		receiver:    recv,
		logger:      t.logger.With().Str("producer", id).Str("kind", string(opts.Kind)).Logger(),
		consumers:   make(map[string]*consumer),
	}, nil
}

// start relays the received track. When the source ends the producer closes.
func (p *producer) start() {
	track := p.receiver.Track()
	if track == nil {
		p.logger.Error().Msg("receiver has no track")
		go p.Close()
		return
	}
	p.transport.router.relays.StartRelay(p.transport.router.ctx, domain.ProducerID(p.id), remoteSource{track}, func() {
		_ = p.Close()
	})
	p.logger.Info().Uint32("ssrc", p.ssrc).Str("codec", p.codec.MimeType).Msg("producer started")
}

func (p *producer) ID() domain.ProducerID  { return domain.ProducerID(p.id) }
func (p *producer) Kind() domain.MediaKind { return p.kind }

func (p *producer) addConsumer(c *consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.consumers[c.id] = c
	return true
}

func (p *producer) removeConsumer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, id)
}

// requestKeyFrame asks the sender for a fresh key frame.
func (p *producer) requestKeyFrame() {
	if p.kind != domain.KindVideo {
		return
	}
	pli := &rtcp.PictureLossIndication{MediaSSRC: p.ssrc}
	if _, err := p.transport.dtls.WriteRTCP([]rtcp.Packet{pli}); err != nil {
		p.logger.Debug().Err(err).Msg("PLI write failed")
	}
}

func (p *producer) OnClose(fn func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		fn()
		return
	}
	p.onClose = append(p.onClose, fn)
	p.mu.Unlock()
}

// Close stops the receiver and the relay, then tells every consumer its
// producer is gone.
func (p *producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	consumers := make([]*consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.consumers = nil
	handlers := p.onClose
	p.mu.Unlock()

	p.transport.router.removeProducer(p.id)
	p.transport.router.relays.StopRelay(domain.ProducerID(p.id))
	p.transport.forget(p.id, "")
	if err := p.receiver.Stop(); err != nil {
		p.logger.Warn().Err(err).Msg("receiver stop failed")
	}
	for _, c := range consumers {
		c.producerClosed()
	}
	p.logger.Info().Int("consumers", len(consumers)).Msg("producer closed")
	for _, fn := range handlers {
		fn()
	}
	return nil
}
