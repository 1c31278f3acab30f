package app

import (
	"fmt"

	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/iter"
)

// ClosedHandles describes what a peer removal tore down.
type ClosedHandles struct {
	Room      domain.RoomName
	Producers []domain.ProducerID
	// Remaining are the room members left behind.
	Remaining  []domain.PeerID
	RoomClosed bool
}

// Dependent is a consumer released because its producer went away.
type Dependent struct {
	Consumer domain.ConsumerID
	Peer     domain.PeerID
}

type detached struct {
	consumers  []core.Consumer
	producers  []core.Producer
	transports []core.Transport
	router     core.Router
}

// RemovePeer forgets the peer and everything it owns, then closes the engine
// handles in order consumers, producers, transports. Dependents of the closed
// producers that belong to other peers are left for ReleaseDependents.
func (r *Registry) RemovePeer(peer domain.PeerID) (ClosedHandles, error) {
	r.mu.Lock()
	p, ok := r.peers[peer]
	if !ok {
		r.mu.Unlock()
		return ClosedHandles{}, fmt.Errorf("%w: peer %s", domain.ErrNotFound, peer)
	}

	var d detached
	for cid := range p.consumers {
		if ce := r.dropConsumerLocked(cid); ce != nil {
			d.consumers = append(d.consumers, ce.handle)
		}
	}
	res := ClosedHandles{Room: p.room}
	for pid := range p.producers {
		if pe := r.dropProducerLocked(pid); pe != nil {
			d.producers = append(d.producers, pe.handle)
			res.Producers = append(res.Producers, pid)
		}
	}
	for tid := range p.transports {
		if te := r.dropTransportLocked(tid); te != nil {
			d.transports = append(d.transports, te.handle)
		}
	}
	delete(r.peers, peer)
	if re, ok := r.rooms[p.room]; ok {
		re.removeMember(peer)
		res.Remaining = append(res.Remaining, re.members...)
		d.router = r.releaseEmptyRoomLocked(re)
		res.RoomClosed = d.router != nil
	}
	r.mu.Unlock()

	log.Info().
		Str("module", "app.registry").
		Str("sid", string(peer)).
		Str("room", string(res.Room)).
		Int("consumers", len(d.consumers)).
		Int("producers", len(d.producers)).
		Int("transports", len(d.transports)).
		Msg("peer removed")
	d.close()
	return res, nil
}

// ReleaseDependents forgets every consumer relaying producer and closes them.
// A second call for the same producer returns nothing.
func (r *Registry) ReleaseDependents(producer domain.ProducerID) []Dependent {
	r.mu.Lock()
	deps := r.dependents[producer]
	delete(r.dependents, producer)
	var (
		out []Dependent
		d   detached
	)
	for cid := range deps {
		ce := r.dropConsumerLocked(cid)
		if ce == nil {
			continue
		}
		out = append(out, Dependent{Consumer: cid, Peer: ce.peer})
		d.consumers = append(d.consumers, ce.handle)
	}
	r.mu.Unlock()

	d.close()
	return out
}

// DetachTransport forgets a transport the engine reported closed, together
// with the producers and consumers created on it. Returns the detached
// producer ids so their dependents can be released.
func (r *Registry) DetachTransport(id domain.TransportID) ([]domain.ProducerID, bool) {
	r.mu.Lock()
	te := r.dropTransportLocked(id)
	if te == nil {
		r.mu.Unlock()
		return nil, false
	}
	var (
		d         detached
		producers []domain.ProducerID
	)
	if p, ok := r.peers[te.peer]; ok {
		for cid := range p.consumers {
			if ce := r.consumers[cid]; ce != nil && ce.transport == id {
				r.dropConsumerLocked(cid)
				d.consumers = append(d.consumers, ce.handle)
			}
		}
		for pid := range p.producers {
			if pe := r.producers[pid]; pe != nil && pe.transport == id {
				r.dropProducerLocked(pid)
				d.producers = append(d.producers, pe.handle)
				producers = append(producers, pid)
			}
		}
	}
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("sid", string(te.peer)).Str("transport", string(id)).Msg("transport detached")
	d.close()
	return producers, true
}

// DetachProducer forgets a producer the engine reported closed.
func (r *Registry) DetachProducer(id domain.ProducerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropProducerLocked(id) != nil
}

// DetachConsumer forgets a consumer the engine reported closed.
func (r *Registry) DetachConsumer(id domain.ConsumerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropConsumerLocked(id) != nil
}

func (r *Registry) dropConsumerLocked(id domain.ConsumerID) *consumerEntry {
	ce, ok := r.consumers[id]
	if !ok {
		return nil
	}
	delete(r.consumers, id)
	if p, ok := r.peers[ce.peer]; ok {
		delete(p.consumers, id)
	}
	if deps, ok := r.dependents[ce.producer]; ok {
		delete(deps, id)
		if len(deps) == 0 {
			delete(r.dependents, ce.producer)
		}
	}
	return ce
}

// dropProducerLocked keeps the dependency index entry; ReleaseDependents
// consumes it.
func (r *Registry) dropProducerLocked(id domain.ProducerID) *producerEntry {
	pe, ok := r.producers[id]
	if !ok {
		return nil
	}
	delete(r.producers, id)
	if p, ok := r.peers[pe.peer]; ok {
		delete(p.producers, id)
	}
	return pe
}

func (r *Registry) dropTransportLocked(id domain.TransportID) *transportEntry {
	te, ok := r.transports[id]
	if !ok {
		return nil
	}
	delete(r.transports, id)
	if p, ok := r.peers[te.peer]; ok {
		delete(p.transports, id)
	}
	return te
}

func (d detached) close() {
	iter.ForEach(d.consumers, func(c *core.Consumer) {
		if err := (*c).Close(); err != nil {
			log.Warn().Err(err).Str("module", "app.registry").Str("consumer", string((*c).ID())).Msg("consumer close failed")
		}
	})
	iter.ForEach(d.producers, func(p *core.Producer) {
		if err := (*p).Close(); err != nil {
			log.Warn().Err(err).Str("module", "app.registry").Str("producer", string((*p).ID())).Msg("producer close failed")
		}
	})
	iter.ForEach(d.transports, func(t *core.Transport) {
		if err := (*t).Close(); err != nil {
			log.Warn().Err(err).Str("module", "app.registry").Str("transport", string((*t).ID())).Msg("transport close failed")
		}
	})
	closeRouter(d.router)
}
