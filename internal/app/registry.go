package app

import (
	"fmt"
	"sync"

	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

type roomEntry struct {
	name   domain.RoomName
	router core.Router
	// join order; used for listing only
	members []domain.PeerID
}

type peerEntry struct {
	id         domain.PeerID
	room       domain.RoomName
	details    domain.PeerDetails
	transports map[domain.TransportID]struct{}
	producers  map[domain.ProducerID]struct{}
	consumers  map[domain.ConsumerID]struct{}
}

func newPeerEntry(id domain.PeerID, room domain.RoomName, details domain.PeerDetails) *peerEntry {
	return &peerEntry{
		id:         id,
		room:       room,
		details:    details,
		transports: make(map[domain.TransportID]struct{}),
		producers:  make(map[domain.ProducerID]struct{}),
		consumers:  make(map[domain.ConsumerID]struct{}),
	}
}

type transportEntry struct {
	handle    core.Transport
	peer      domain.PeerID
	room      domain.RoomName
	consuming bool
}

type producerEntry struct {
	handle    core.Producer
	peer      domain.PeerID
	room      domain.RoomName
	transport domain.TransportID
}

type consumerEntry struct {
	handle    core.Consumer
	peer      domain.PeerID
	room      domain.RoomName
	transport domain.TransportID
	producer  domain.ProducerID
	paused    bool
}

// Registry is the single owner of room, peer, transport, producer and consumer
// bookkeeping. One mutex guards every collection and every ownership set.
// Media engine calls are never made while it is held.
type Registry struct {
	engine    core.MediaEngine
	codecs    []core.RTPCodecCapability
	retention RetentionPolicy
	routers   singleflight.Group

	mu         sync.Mutex
	rooms      map[domain.RoomName]*roomEntry
	peers      map[domain.PeerID]*peerEntry
	transports map[domain.TransportID]*transportEntry
	producers  map[domain.ProducerID]*producerEntry
	consumers  map[domain.ConsumerID]*consumerEntry
	// producer -> consumers relaying it
	dependents map[domain.ProducerID]map[domain.ConsumerID]struct{}
}

func NewRegistry(engine core.MediaEngine, codecs []core.RTPCodecCapability, retention RetentionPolicy) *Registry {
	if retention == nil {
		retention = RetainRooms{}
	}
	return &Registry{
		engine:     engine,
		codecs:     codecs,
		retention:  retention,
		rooms:      make(map[domain.RoomName]*roomEntry),
		peers:      make(map[domain.PeerID]*peerEntry),
		transports: make(map[domain.TransportID]*transportEntry),
		producers:  make(map[domain.ProducerID]*producerEntry),
		consumers:  make(map[domain.ConsumerID]*consumerEntry),
		dependents: make(map[domain.ProducerID]map[domain.ConsumerID]struct{}),
	}
}

// RegisterPeer creates peer state with empty ownership sets.
func (r *Registry) RegisterPeer(peer domain.PeerID, room domain.RoomName) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerPeerLocked(peer, room, domain.PeerDetails{})
}

func (r *Registry) registerPeerLocked(peer domain.PeerID, room domain.RoomName, details domain.PeerDetails) error {
	if _, ok := r.peers[peer]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicatePeer, peer)
	}
	r.peers[peer] = newPeerEntry(peer, room, details)
	log.Info().Str("module", "app.registry").Str("sid", string(peer)).Str("room", string(room)).Msg("registered peer")
	return nil
}

// PeerRoom returns the room the peer joined.
func (r *Registry) PeerRoom(peer domain.PeerID) (domain.RoomName, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peer]
	if !ok {
		return "", fmt.Errorf("%w: peer %s", domain.ErrNotFound, peer)
	}
	return p.room, nil
}

func (r *Registry) Stats() core.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return core.Stats{
		Rooms:      len(r.rooms),
		Peers:      len(r.peers),
		Transports: len(r.transports),
		Producers:  len(r.producers),
		Consumers:  len(r.consumers),
	}
}
