package app

import (
	"fmt"

	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/rs/zerolog/log"
)

// TransportRef is a transport handle together with its owner.
type TransportRef struct {
	Handle    core.Transport
	Peer      domain.PeerID
	Room      domain.RoomName
	Consuming bool
}

func (r *Registry) peerInRoomLocked(peer domain.PeerID, room domain.RoomName) (*peerEntry, error) {
	p, ok := r.peers[peer]
	if !ok {
		return nil, fmt.Errorf("%w: peer %s", domain.ErrNotFound, peer)
	}
	if p.room != room {
		return nil, fmt.Errorf("%w: peer %s is in room %s, not %s", domain.ErrRoomState, peer, p.room, room)
	}
	return p, nil
}

func (r *Registry) producingTransportLocked(p *peerEntry) *transportEntry {
	for tid := range p.transports {
		if te := r.transports[tid]; te != nil && !te.consuming {
			return te
		}
	}
	return nil
}

// AttachTransport records t under peer. A peer owns at most one producing
// transport; a second one is rejected with ErrRoomState.
func (r *Registry) AttachTransport(peer domain.PeerID, room domain.RoomName, t core.Transport, consuming bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.peerInRoomLocked(peer, room)
	if err != nil {
		return err
	}
	if !consuming && r.producingTransportLocked(p) != nil {
		return fmt.Errorf("%w: peer %s already has a producing transport", domain.ErrRoomState, peer)
	}
	r.transports[t.ID()] = &transportEntry{handle: t, peer: peer, room: room, consuming: consuming}
	p.transports[t.ID()] = struct{}{}
	log.Debug().Str("module", "app.registry").Str("sid", string(peer)).Str("transport", string(t.ID())).Bool("consuming", consuming).Msg("transport attached")
	return nil
}

// AttachProducer records prod under peer and its transport.
func (r *Registry) AttachProducer(peer domain.PeerID, room domain.RoomName, transport domain.TransportID, prod core.Producer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.peerInRoomLocked(peer, room)
	if err != nil {
		return err
	}
	if te, ok := r.transports[transport]; !ok || te.peer != peer {
		return fmt.Errorf("%w: transport %s", domain.ErrNotFound, transport)
	}
	r.producers[prod.ID()] = &producerEntry{handle: prod, peer: peer, room: room, transport: transport}
	p.producers[prod.ID()] = struct{}{}
	log.Debug().Str("module", "app.registry").Str("sid", string(peer)).Str("producer", string(prod.ID())).Str("kind", string(prod.Kind())).Msg("producer attached")
	return nil
}

// AttachConsumer records cons under peer and indexes it by its producer.
// Fails with ErrNotFound when the producer is already gone, in which case the
// caller owns closing cons.
func (r *Registry) AttachConsumer(peer domain.PeerID, room domain.RoomName, transport domain.TransportID, cons core.Consumer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.peerInRoomLocked(peer, room)
	if err != nil {
		return err
	}
	if te, ok := r.transports[transport]; !ok || te.peer != peer {
		return fmt.Errorf("%w: transport %s", domain.ErrNotFound, transport)
	}
	pid := cons.ProducerID()
	if _, ok := r.producers[pid]; !ok {
		return fmt.Errorf("%w: producer %s closed", domain.ErrNotFound, pid)
	}
	r.consumers[cons.ID()] = &consumerEntry{
		handle:    cons,
		peer:      peer,
		room:      room,
		transport: transport,
		producer:  pid,
		paused:    cons.Paused(),
	}
	p.consumers[cons.ID()] = struct{}{}
	deps, ok := r.dependents[pid]
	if !ok {
		deps = make(map[domain.ConsumerID]struct{})
		r.dependents[pid] = deps
	}
	deps[cons.ID()] = struct{}{}
	log.Debug().Str("module", "app.registry").Str("sid", string(peer)).Str("consumer", string(cons.ID())).Str("producer", string(pid)).Msg("consumer attached")
	return nil
}

// FindProducingTransport returns the peer's producing transport.
func (r *Registry) FindProducingTransport(peer domain.PeerID) (core.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peer]
	if !ok {
		return nil, fmt.Errorf("%w: peer %s", domain.ErrNotFound, peer)
	}
	te := r.producingTransportLocked(p)
	if te == nil {
		return nil, fmt.Errorf("%w: no producing transport for %s", domain.ErrNotFound, peer)
	}
	return te.handle, nil
}

// FindConsumingTransport looks a consuming transport up by id.
func (r *Registry) FindConsumingTransport(id domain.TransportID) (TransportRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	te, ok := r.transports[id]
	if !ok || !te.consuming {
		return TransportRef{}, fmt.Errorf("%w: consuming transport %s", domain.ErrNotFound, id)
	}
	return TransportRef{Handle: te.handle, Peer: te.peer, Room: te.room, Consuming: true}, nil
}

// FindConsumer returns a consumer owned by peer.
func (r *Registry) FindConsumer(peer domain.PeerID, id domain.ConsumerID) (core.Consumer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ce, ok := r.consumers[id]
	if !ok || ce.peer != peer {
		return nil, fmt.Errorf("%w: consumer %s", domain.ErrNotFound, id)
	}
	return ce.handle, nil
}

func (r *Registry) MarkConsumerResumed(id domain.ConsumerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ce, ok := r.consumers[id]; ok {
		ce.paused = false
	}
}

// ListOtherProducers snapshots the producers of room not owned by excluding.
func (r *Registry) ListOtherProducers(room domain.RoomName, excluding domain.PeerID) []core.ProducerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.ProducerInfo, 0)
	for pid, pe := range r.producers {
		if pe.room == room && pe.peer != excluding {
			out = append(out, core.ProducerInfo{ProducerID: pid, PeerID: pe.peer})
		}
	}
	return out
}

// HasOtherProducers reports whether someone besides excluding produces in room.
func (r *Registry) HasOtherProducers(room domain.RoomName, excluding domain.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pe := range r.producers {
		if pe.room == room && pe.peer != excluding {
			return true
		}
	}
	return false
}

// ProducerOwner returns the owner and room of a live producer.
func (r *Registry) ProducerOwner(id domain.ProducerID) (domain.PeerID, domain.RoomName, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pe, ok := r.producers[id]
	if !ok {
		return "", "", fmt.Errorf("%w: producer %s", domain.ErrNotFound, id)
	}
	return pe.peer, pe.room, nil
}
