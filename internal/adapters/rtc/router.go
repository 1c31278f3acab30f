package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/conference/internal/app/sfu"
	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var errRouterClosed = errors.New("router closed")

type router struct {
	id     string
	api    *webrtc.API
	caps   core.RTPCapabilities
	relays *sfu.RelayManager

	// lives as long as the router; relay loops hang off it
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	closed     bool
	transports map[string]*transport
	producers  map[string]*producer
}

func (r *router) ID() string                            { return r.id }
func (r *router) RTPCapabilities() core.RTPCapabilities { return r.caps }

func (r *router) CreateWebRTCTransport(ctx context.Context, consuming bool) (core.Transport, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errRouterClosed
	}
	r.mu.Unlock()

	t, err := newTransport(ctx, r, uuid.NewString(), consuming)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = t.Close()
		return nil, errRouterClosed
	}
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

// CanConsume reports whether caps contain the producer's codec.
func (r *router) CanConsume(id domain.ProducerID, caps core.RTPCapabilities) bool {
	p, ok := r.producer(string(id))
	if !ok {
		return false
	}
	_, ok = matchCodec(p.codec, p.kind, caps)
	return ok
}

func (r *router) producer(id string) (*producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *router) addProducer(p *producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[p.id] = p
}

func (r *router) removeProducer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.producers, id)
}

func (r *router) removeTransport(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}

// codecFor returns the router's version of a codec the client sent.
func (r *router) codecFor(params core.RTPParameters, kind domain.MediaKind) (core.RTPCodecParameters, core.RTPCodecCapability, bool) {
	codec, ok := mediaCodec(params)
	if !ok {
		return core.RTPCodecParameters{}, core.RTPCodecCapability{}, false
	}
	rc, ok := matchCodec(codec, kind, r.caps)
	return codec, rc, ok
}

func (r *router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]*transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
	r.cancel()
	log.Info().Str("module", "rtc").Str("router", r.id).Msg("router closed")
	return nil
}
