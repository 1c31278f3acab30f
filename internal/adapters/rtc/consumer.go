package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type consumer struct {
	id        string
	producer  *producer
	transport *transport
	track     *webrtc.TrackLocalStaticRTP
	sender    *webrtc.RTPSender
	params    core.RTPParameters
	logger    zerolog.Logger

	mu              sync.Mutex
	paused          bool
	closed          bool
	onProducerClose []func()
	onClose         []func()
}

func newConsumer(t *transport, p *producer, paused bool) (*consumer, error) {
	id := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticRTP(toPionCapability(p.routerCodec), string(p.kind), p.id)
	if err != nil {
		return nil, fmt.Errorf("local track: %w", err)
	}
	sender, err := t.router.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp sender: %w", err)
	}
	enc := sender.GetParameters().Encodings
	if len(enc) == 0 {
		_ = sender.Stop()
		return nil, errNoEncodings
	}

	c := &consumer{
		id:        id,
		producer:  p,
		transport: t,
		track:     track,
		sender:    sender,
		paused:    paused,
		logger:    t.logger.With().Str("consumer", id).Str("producer", p.id).Logger(),
		params: core.RTPParameters{
			MID: id,
			Codecs: []core.RTPCodecParameters{{
				MimeType:     p.routerCodec.MimeType,
				PayloadType:  p.routerCodec.PreferredPayloadType,
				ClockRate:    p.routerCodec.ClockRate,
				Channels:     p.routerCodec.Channels,
				Parameters:   p.routerCodec.Parameters,
				RTCPFeedback: p.routerCodec.RTCPFeedback,
			}},
			Encodings: []core.RTPEncoding{{SSRC: uint32(enc[0].SSRC)}},
			RTCP:      core.RTCPParameters{CNAME: p.id, ReducedSize: true},
		},
	}
	if !t.router.relays.AddSubscriber(domain.ProducerID(p.id), domain.ConsumerID(id), track, paused) {
		_ = sender.Stop()
		return nil, errProducerNotActive
	}
	return c, nil
}

// sendWhenReady starts the sender once DTLS is up and then reads RTCP so
// key frame requests reach the producer.
func (c *consumer) sendWhenReady(ctx context.Context) {
	select {
	case <-c.transport.ready:
	case <-c.transport.done:
		return
	case <-ctx.Done():
		return
	}
	if err := c.sender.Send(c.sender.GetParameters()); err != nil {
		c.logger.Warn().Err(err).Msg("sender start failed")
		_ = c.Close()
		return
	}
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.producer.requestKeyFrame()
			}
		}
	}
}

func (c *consumer) ID() domain.ConsumerID             { return domain.ConsumerID(c.id) }
func (c *consumer) ProducerID() domain.ProducerID     { return domain.ProducerID(c.producer.id) }
func (c *consumer) Kind() domain.MediaKind            { return c.producer.kind }
func (c *consumer) RTPParameters() core.RTPParameters { return c.params }

func (c *consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *consumer) Resume(_ context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errProducerNotActive
	}
	c.paused = false
	c.mu.Unlock()

	if !c.transport.router.relays.Resume(domain.ProducerID(c.producer.id), domain.ConsumerID(c.id)) {
		return errProducerNotActive
	}
	c.producer.requestKeyFrame()
	return nil
}

func (c *consumer) OnProducerClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProducerClose = append(c.onProducerClose, fn)
}

func (c *consumer) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// producerClosed runs the producer-close handlers and then closes the consumer.
func (c *consumer) producerClosed() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	handlers := c.onProducerClose
	c.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
	_ = c.Close()
}

func (c *consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	handlers := c.onClose
	c.mu.Unlock()

	c.transport.router.relays.RemoveSubscriber(domain.ProducerID(c.producer.id), domain.ConsumerID(c.id))
	c.producer.removeConsumer(c.id)
	c.transport.forget("", c.id)
	if err := c.sender.Stop(); err != nil {
		c.logger.Debug().Err(err).Msg("sender stop failed")
	}
	c.logger.Info().Msg("consumer closed")
	for _, fn := range handlers {
		fn()
	}
	return nil
}
