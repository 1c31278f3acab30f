package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/conference/internal/app"
	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/rs/zerolog/log"
)

func engineErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrEngine, op, err)
}

// CreateTransport creates a transport on the room router. The producing
// transport is unique per peer; asking again returns the existing one.
func (o *Orchestrator) CreateTransport(ctx context.Context, sid domain.PeerID, consuming bool) (core.TransportParams, error) {
	room, err := o.Registry.PeerRoom(sid)
	if err != nil {
		return core.TransportParams{}, err
	}
	if !consuming {
		if tr, err := o.Registry.FindProducingTransport(sid); err == nil {
			return tr.Params(), nil
		}
	}
	router, err := o.Registry.Router(room)
	if err != nil {
		return core.TransportParams{}, err
	}
	tr, err := router.CreateWebRTCTransport(ctx, consuming)
	if err != nil {
		return core.TransportParams{}, engineErr("create transport", err)
	}
	if err := o.Registry.AttachTransport(sid, room, tr, consuming); err != nil {
		closeQuietly(tr)
		// lost the race against a concurrent create for the same peer
		if !consuming && errors.Is(err, domain.ErrRoomState) {
			if existing, ferr := o.Registry.FindProducingTransport(sid); ferr == nil {
				return existing.Params(), nil
			}
		}
		return core.TransportParams{}, err
	}
	o.watchTransport(tr)
	log.Info().
		Str("module", "orch").
		Str("sid", string(sid)).
		Str("transport", string(tr.ID())).
		Bool("consuming", consuming).
		Msg("transport created")
	return tr.Params(), nil
}

func (o *Orchestrator) ConnectSendTransport(ctx context.Context, sid domain.PeerID, dtls core.DTLSParameters, ice *core.ICEParameters) error {
	tr, err := o.Registry.FindProducingTransport(sid)
	if err != nil {
		return err
	}
	if err := tr.Connect(ctx, core.ConnectOptions{DTLSParameters: dtls, ICEParameters: ice}); err != nil {
		return engineErr("connect send transport", err)
	}
	log.Debug().Str("module", "orch").Str("sid", string(sid)).Str("transport", string(tr.ID())).Msg("send transport connected")
	return nil
}

func (o *Orchestrator) ConnectRecvTransport(ctx context.Context, sid domain.PeerID, id domain.TransportID, dtls core.DTLSParameters, ice *core.ICEParameters) error {
	ref, err := o.consumingTransport(sid, id)
	if err != nil {
		return err
	}
	if err := ref.Handle.Connect(ctx, core.ConnectOptions{DTLSParameters: dtls, ICEParameters: ice}); err != nil {
		return engineErr("connect recv transport", err)
	}
	log.Debug().Str("module", "orch").Str("sid", string(sid)).Str("transport", string(id)).Msg("recv transport connected")
	return nil
}

// Produce creates a producer on the caller's producing transport and tells
// the rest of the room about it.
func (o *Orchestrator) Produce(ctx context.Context, sid domain.PeerID, kind domain.MediaKind, params core.RTPParameters, appData map[string]any) (ProduceResult, error) {
	room, err := o.Registry.PeerRoom(sid)
	if err != nil {
		return ProduceResult{}, err
	}
	tr, err := o.Registry.FindProducingTransport(sid)
	if err != nil {
		return ProduceResult{}, err
	}
	prod, err := tr.Produce(ctx, core.ProduceOptions{Kind: kind, RTPParameters: params, AppData: appData})
	if err != nil {
		return ProduceResult{}, engineErr("produce", err)
	}
	if err := o.Registry.AttachProducer(sid, room, tr.ID(), prod); err != nil {
		closeQuietly(prod)
		return ProduceResult{}, err
	}
	o.watchProducer(prod)

	exists := o.Registry.HasOtherProducers(room, sid)
	o.Conns.Broadcast(o.others(room, sid), EventNewProducer, core.ProducerInfo{ProducerID: prod.ID(), PeerID: sid})
	log.Info().
		Str("module", "orch").
		Str("sid", string(sid)).
		Str("producer", string(prod.ID())).
		Str("kind", string(kind)).
		Msg("producer created")
	return ProduceResult{ID: prod.ID(), ProducersExist: exists}, nil
}

// Consume creates a paused consumer of producer on the given transport.
func (o *Orchestrator) Consume(ctx context.Context, sid domain.PeerID, id domain.TransportID, producer domain.ProducerID, caps core.RTPCapabilities) (ConsumeResult, error) {
	room, err := o.Registry.PeerRoom(sid)
	if err != nil {
		return ConsumeResult{}, err
	}
	ref, err := o.consumingTransport(sid, id)
	if err != nil {
		return ConsumeResult{}, err
	}
	_, proom, err := o.Registry.ProducerOwner(producer)
	if err != nil {
		return ConsumeResult{}, err
	}
	if proom != room {
		return ConsumeResult{}, fmt.Errorf("%w: producer %s not in room %s", domain.ErrNotFound, producer, room)
	}
	router, err := o.Registry.Router(room)
	if err != nil {
		return ConsumeResult{}, err
	}
	if !router.CanConsume(producer, caps) {
		return ConsumeResult{}, fmt.Errorf("%w: producer %s", domain.ErrNotConsumable, producer)
	}
	cons, err := ref.Handle.Consume(ctx, core.ConsumeOptions{ProducerID: producer, RTPCapabilities: caps, Paused: true})
	if err != nil {
		return ConsumeResult{}, engineErr("consume", err)
	}
	if err := o.Registry.AttachConsumer(sid, room, id, cons); err != nil {
		closeQuietly(cons)
		return ConsumeResult{}, err
	}
	o.watchConsumer(cons)
	log.Info().
		Str("module", "orch").
		Str("sid", string(sid)).
		Str("consumer", string(cons.ID())).
		Str("producer", string(producer)).
		Msg("consumer created")
	return ConsumeResult{
		ID:            cons.ID(),
		ProducerID:    producer,
		Kind:          cons.Kind(),
		RTPParameters: cons.RTPParameters(),
	}, nil
}

func (o *Orchestrator) ResumeConsumer(ctx context.Context, sid domain.PeerID, id domain.ConsumerID) error {
	cons, err := o.Registry.FindConsumer(sid, id)
	if err != nil {
		return err
	}
	if err := cons.Resume(ctx); err != nil {
		return engineErr("resume consumer", err)
	}
	o.Registry.MarkConsumerResumed(id)
	log.Debug().Str("module", "orch").Str("sid", string(sid)).Str("consumer", string(id)).Msg("consumer resumed")
	return nil
}

func (o *Orchestrator) consumingTransport(sid domain.PeerID, id domain.TransportID) (ref app.TransportRef, err error) {
	ref, err = o.Registry.FindConsumingTransport(id)
	if err != nil {
		return ref, err
	}
	if ref.Peer != sid {
		return app.TransportRef{}, fmt.Errorf("%w: consuming transport %s", domain.ErrNotFound, id)
	}
	return ref, nil
}

func (o *Orchestrator) watchTransport(tr core.Transport) {
	id := tr.ID()
	tr.OnClose(func() {
		producers, ok := o.Registry.DetachTransport(id)
		if !ok {
			return
		}
		for _, pid := range producers {
			o.releaseDependents(pid)
		}
	})
}

func (o *Orchestrator) watchProducer(prod core.Producer) {
	id := prod.ID()
	prod.OnClose(func() {
		o.Registry.DetachProducer(id)
		o.releaseDependents(id)
	})
}

func (o *Orchestrator) watchConsumer(cons core.Consumer) {
	id, pid := cons.ID(), cons.ProducerID()
	cons.OnProducerClose(func() { o.releaseDependents(pid) })
	cons.OnClose(func() { o.Registry.DetachConsumer(id) })
}

type closer interface {
	Close() error
}

func closeQuietly(c closer) {
	if err := c.Close(); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("close after failed commit")
	}
}
