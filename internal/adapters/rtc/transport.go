package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	errTransportClosed   = errors.New("transport closed")
	errAlreadyConnected  = errors.New("transport already connected")
	errNotConnected      = errors.New("transport not connected")
	errMissingICE        = errors.New("remote ice parameters required")
	errUnsupportedCodec  = errors.New("codec not supported by router")
	errNoProducingRole   = errors.New("transport is not producing")
	errNoConsumingRole   = errors.New("transport is not consuming")
	errProducerNotActive = errors.New("producer not found")
	errNoEncodings       = errors.New("rtp sender has no encodings")
)

type transport struct {
	id        string
	router    *router
	consuming bool
	logger    zerolog.Logger

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	params   core.TransportParams

	// closed once ICE and DTLS are up
	ready chan struct{}
	done  chan struct{}

	mu        sync.Mutex
	connected bool
	closed    bool
	producers map[string]*producer
	consumers map[string]*consumer
	onClose   []func()
}

func newTransport(ctx context.Context, r *router, id string, consuming bool) (*transport, error) {
	gatherer, err := r.api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	iceT := r.api.NewICETransport(gatherer)
	dtls, err := r.api.NewDTLSTransport(iceT, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}

	t := &transport{
		id:        id,
		router:    r,
		consuming: consuming,
		logger:    log.With().Str("module", "rtc").Str("transport", id).Bool("consuming", consuming).Logger(),
		gatherer:  gatherer,
		ice:       iceT,
		dtls:      dtls,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		producers: make(map[string]*producer),
		consumers: make(map[string]*consumer),
	}

	if err := t.gather(ctx); err != nil {
		_ = t.Close()
		return nil, err
	}

	dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		t.logger.Info().Str("dtls_state", s.String()).Msg("DTLS state")
		if s == webrtc.DTLSTransportStateClosed || s == webrtc.DTLSTransportStateFailed {
			go t.Close()
		}
	})
	return t, nil
}

// gather collects local candidates and snapshots the transport parameters.
func (t *transport) gather(ctx context.Context) error {
	complete := make(chan struct{})
	var once sync.Once
	t.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(complete) })
		}
	})
	if err := t.gatherer.Gather(); err != nil {
		return fmt.Errorf("ice gather: %w", err)
	}
	select {
	case <-complete:
	case <-ctx.Done():
		return ctx.Err()
	}

	iceParams, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("ice parameters: %w", err)
	}
	cands, err := t.gatherer.GetLocalCandidates()
	if err != nil {
		return fmt.Errorf("ice candidates: %w", err)
	}
	dtlsParams, err := t.dtls.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("dtls parameters: %w", err)
	}
	t.params = core.TransportParams{
		ID:             domain.TransportID(t.id),
		ICEParameters:  toICEParameters(iceParams),
		ICECandidates:  toICECandidates(cands),
		DTLSParameters: toDTLSParameters(dtlsParams),
	}
	t.logger.Info().Int("candidates", len(cands)).Msg("ICE gathering complete")
	return nil
}

func (t *transport) ID() domain.TransportID       { return domain.TransportID(t.id) }
func (t *transport) Params() core.TransportParams { return t.params }

// Connect starts ICE and DTLS in the background. Produce waits for them.
func (t *transport) Connect(_ context.Context, opts core.ConnectOptions) error {
	if opts.ICEParameters == nil {
		return errMissingICE
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errTransportClosed
	}
	if t.connected {
		t.mu.Unlock()
		return errAlreadyConnected
	}
	t.connected = true
	t.mu.Unlock()

	remoteICE := fromICEParameters(*opts.ICEParameters)
	remoteDTLS := fromDTLSParameters(opts.DTLSParameters)
	go func() {
		role := webrtc.ICERoleControlled
		if err := t.ice.Start(t.gatherer, remoteICE, &role); err != nil {
			t.logger.Error().Err(err).Msg("ICE start failed")
			_ = t.Close()
			return
		}
		if err := t.dtls.Start(remoteDTLS); err != nil {
			t.logger.Error().Err(err).Msg("DTLS start failed")
			_ = t.Close()
			return
		}
		close(t.ready)
		t.logger.Info().Msg("transport connected")
	}()
	return nil
}

// waitReady blocks until ICE and DTLS are up. A transport nobody called
// Connect on fails right away.
func (t *transport) waitReady(ctx context.Context) error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return errNotConnected
	}
	select {
	case <-t.ready:
		return nil
	case <-t.done:
		return errTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *transport) Produce(ctx context.Context, opts core.ProduceOptions) (core.Producer, error) {
	if t.consuming {
		return nil, errNoProducingRole
	}
	codec, routerCodec, ok := t.router.codecFor(opts.RTPParameters, opts.Kind)
	if !ok {
		return nil, errUnsupportedCodec
	}
	if err := t.waitReady(ctx); err != nil {
		return nil, err
	}
	p, err := newProducer(t, opts, codec, routerCodec)
	if err != nil {
		return nil, err
	}
	if !t.track(func() { t.producers[p.id] = p }) {
		_ = p.Close()
		return nil, errTransportClosed
	}
	t.router.addProducer(p)
	p.start()
	return p, nil
}

func (t *transport) Consume(ctx context.Context, opts core.ConsumeOptions) (core.Consumer, error) {
	if !t.consuming {
		return nil, errNoConsumingRole
	}
	p, ok := t.router.producer(string(opts.ProducerID))
	if !ok {
		return nil, errProducerNotActive
	}
	c, err := newConsumer(t, p, opts.Paused)
	if err != nil {
		return nil, err
	}
	if !t.track(func() { t.consumers[c.id] = c }) {
		_ = c.Close()
		return nil, errTransportClosed
	}
	if !p.addConsumer(c) {
		_ = c.Close()
		return nil, errProducerNotActive
	}
	go c.sendWhenReady(t.router.ctx)
	return c, nil
}

// track runs fn under the lock unless the transport is closed.
func (t *transport) track(fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	fn()
	return true
}

func (t *transport) forget(producerID, consumerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if producerID != "" {
		delete(t.producers, producerID)
	}
	if consumerID != "" {
		delete(t.consumers, consumerID)
	}
}

func (t *transport) OnClose(fn func()) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		fn()
		return
	}
	t.onClose = append(t.onClose, fn)
	t.mu.Unlock()
}

func (t *transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	consumers := make([]*consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	producers := make([]*producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	handlers := t.onClose
	t.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}
	var errs []error
	if err := t.dtls.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := t.ice.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := t.gatherer.Close(); err != nil {
		errs = append(errs, err)
	}
	t.router.removeTransport(t.id)
	if err := errors.Join(errs...); err != nil {
		t.logger.Warn().Err(err).Msg("close error")
	} else {
		t.logger.Info().Msg("closed")
	}
	for _, fn := range handlers {
		fn()
	}
	return nil
}
