// Package enginetest is an in-memory media engine for exercising the session
// core without ICE or DTLS.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
)

var ErrClosed = errors.New("enginetest: closed")

type Engine struct {
	seq atomic.Int64

	mu      sync.Mutex
	routers []*Router
	// FailRouter makes the next CreateRouter calls fail.
	FailRouter error
	// FailTransport makes CreateWebRTCTransport fail on every router.
	FailTransport error
	// HoldProduce makes Produce block until its context ends, like a
	// transport whose DTLS never comes up.
	HoldProduce bool
}

func New() *Engine { return &Engine{} }

func (e *Engine) next(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, e.seq.Add(1))
}

func (e *Engine) CreateRouter(_ context.Context, codecs []core.RTPCodecCapability) (core.Router, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailRouter != nil {
		return nil, e.FailRouter
	}
	r := &Router{
		engine:    e,
		id:        e.next("router-"),
		caps:      core.RTPCapabilities{Codecs: append([]core.RTPCodecCapability(nil), codecs...)},
		producers: make(map[domain.ProducerID]*Producer),
	}
	e.routers = append(e.routers, r)
	return r, nil
}

// Routers returns every router created so far.
func (e *Engine) Routers() []*Router {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Router(nil), e.routers...)
}

type Router struct {
	engine *Engine
	id     string
	caps   core.RTPCapabilities

	mu        sync.Mutex
	closed    bool
	producers map[domain.ProducerID]*Producer
}

func (r *Router) ID() string                            { return r.id }
func (r *Router) RTPCapabilities() core.RTPCapabilities { return r.caps }

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Router) CreateWebRTCTransport(_ context.Context, consuming bool) (core.Transport, error) {
	r.engine.mu.Lock()
	fail := r.engine.FailTransport
	r.engine.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	id := domain.TransportID(r.engine.next("transport-"))
	return &Transport{
		router:    r,
		id:        id,
		consuming: consuming,
		params: core.TransportParams{
			ID:            id,
			ICEParameters: core.ICEParameters{UsernameFragment: "ufrag-" + string(id), Password: "pwd"},
			ICECandidates: []core.ICECandidate{{Foundation: "1", Priority: 1, IP: "127.0.0.1", Protocol: "udp", Port: 40000, Type: "host"}},
			DTLSParameters: core.DTLSParameters{
				Role:         "auto",
				Fingerprints: []core.DTLSFingerprint{{Algorithm: "sha-256", Value: "00:11"}},
			},
		},
	}, nil
}

// CanConsume matches the producer's codec mime type against caps.
func (r *Router) CanConsume(id domain.ProducerID, caps core.RTPCapabilities) bool {
	r.mu.Lock()
	p, ok := r.producers[id]
	r.mu.Unlock()
	if !ok || p.isClosed() {
		return false
	}
	for _, c := range caps.Codecs {
		if strings.EqualFold(c.MimeType, p.mime) {
			return true
		}
	}
	return false
}

func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	producers := make([]*Producer, 0, len(r.producers))
	for _, p := range r.producers {
		producers = append(producers, p)
	}
	r.mu.Unlock()
	for _, p := range producers {
		_ = p.Close()
	}
	return nil
}

type Transport struct {
	router    *Router
	id        domain.TransportID
	consuming bool
	params    core.TransportParams

	mu        sync.Mutex
	closed    bool
	connected *core.ConnectOptions
	producers []*Producer
	consumers []*Consumer
	onClose   []func()
}

func (t *Transport) ID() domain.TransportID       { return t.id }
func (t *Transport) Params() core.TransportParams { return t.params }
func (t *Transport) Consuming() bool              { return t.consuming }

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected != nil
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) Connect(_ context.Context, opts core.ConnectOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.connected != nil {
		return errors.New("enginetest: already connected")
	}
	t.connected = &opts
	return nil
}

func (t *Transport) Produce(ctx context.Context, opts core.ProduceOptions) (core.Producer, error) {
	t.router.engine.mu.Lock()
	hold := t.router.engine.HoldProduce
	t.router.engine.mu.Unlock()
	if hold {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if len(opts.RTPParameters.Codecs) == 0 {
		return nil, errors.New("enginetest: no codecs in rtp parameters")
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	p := &Producer{
		id:        domain.ProducerID(t.router.engine.next("producer-")),
		kind:      opts.Kind,
		mime:      opts.RTPParameters.Codecs[0].MimeType,
		params:    opts.RTPParameters,
		router:    t.router,
		transport: t,
	}
	t.producers = append(t.producers, p)
	t.mu.Unlock()

	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(_ context.Context, opts core.ConsumeOptions) (core.Consumer, error) {
	t.router.mu.Lock()
	p, ok := t.router.producers[opts.ProducerID]
	t.router.mu.Unlock()
	if !ok || p.isClosed() {
		return nil, fmt.Errorf("enginetest: producer %s not found", opts.ProducerID)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	c := &Consumer{
		id:        domain.ConsumerID(t.router.engine.next("consumer-")),
		producer:  p,
		paused:    opts.Paused,
		transport: t,
	}
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	p.addConsumer(c)
	return c, nil
}

// OnClose runs fn right away when the transport is already closed.
func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		fn()
		return
	}
	t.onClose = append(t.onClose, fn)
	t.mu.Unlock()
}

// Close closes every producer and consumer on the transport and fires OnClose.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers, consumers, handlers := t.producers, t.consumers, t.onClose
	t.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}
	for _, fn := range handlers {
		fn()
	}
	return nil
}

// RemoteClose simulates the client dropping the DTLS session.
func (t *Transport) RemoteClose() { _ = t.Close() }

type Producer struct {
	id        domain.ProducerID
	kind      domain.MediaKind
	mime      string
	params    core.RTPParameters
	router    *Router
	transport *Transport

	mu        sync.Mutex
	closed    bool
	consumers []*Consumer
	onClose   []func()
}

func (p *Producer) ID() domain.ProducerID  { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.kind }
func (p *Producer) MimeType() string       { return p.mime }
func (p *Producer) Transport() *Transport  { return p.transport }

func (p *Producer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) Closed() bool { return p.isClosed() }

func (p *Producer) addConsumer(c *Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumers = append(p.consumers, c)
}

func (p *Producer) OnClose(fn func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		fn()
		return
	}
	p.onClose = append(p.onClose, fn)
	p.mu.Unlock()
}

// Close fires producerclose on every consumer, closes them, then fires OnClose.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	consumers, handlers := p.consumers, p.onClose
	p.mu.Unlock()

	p.router.mu.Lock()
	delete(p.router.producers, p.id)
	p.router.mu.Unlock()

	for _, c := range consumers {
		c.producerClosed()
	}
	for _, fn := range handlers {
		fn()
	}
	return nil
}

type Consumer struct {
	id        domain.ConsumerID
	producer  *Producer
	transport *Transport

	mu              sync.Mutex
	paused          bool
	closed          bool
	onProducerClose []func()
	onClose         []func()
}

func (c *Consumer) ID() domain.ConsumerID         { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID { return c.producer.id }
func (c *Consumer) Kind() domain.MediaKind        { return c.producer.kind }
func (c *Consumer) RTPParameters() core.RTPParameters {
	return c.producer.params
}

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) Resume(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.paused = false
	return nil
}

func (c *Consumer) OnProducerClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProducerClose = append(c.onProducerClose, fn)
}

func (c *Consumer) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

func (c *Consumer) producerClosed() {
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

func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	handlers := c.onClose
	c.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
	return nil
}
