// Package orch turns signaling requests into registry and media engine calls
// and fans the resulting events out to the other peers of a room.
package orch

import (
	"github.com/dkeye/conference/internal/app"
	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/rs/zerolog/log"
)

// Server pushes.
const (
	EventConnectionSuccess = "connection-success"
	EventPeerJoined        = "peer-joined"
	EventPeerLeft          = "peer-left"
	EventNewProducer       = "new-producer"
	EventProducerClosed    = "producer-closed"
)

type PeerEvent struct {
	PeerID domain.PeerID `json:"peerId"`
}

type ProducerClosedEvent struct {
	ProducerID domain.ProducerID `json:"producerId"`
}

type JoinRoomResult struct {
	RTPCapabilities core.RTPCapabilities `json:"rtpCapabilities"`
	PeerIDs         []domain.PeerID      `json:"peerIds"`
}

type ProduceResult struct {
	ID             domain.ProducerID `json:"id"`
	ProducersExist bool              `json:"producersExist"`
}

type ConsumeResult struct {
	ID            domain.ConsumerID  `json:"id"`
	ProducerID    domain.ProducerID  `json:"producerId"`
	Kind          domain.MediaKind   `json:"kind"`
	RTPParameters core.RTPParameters `json:"rtpParameters"`
}

type Orchestrator struct {
	Registry *app.Registry
	Conns    *app.Connections
}

func New(reg *app.Registry, conns *app.Connections) *Orchestrator {
	return &Orchestrator{Registry: reg, Conns: conns}
}

// releaseDependents closes the consumers relaying pid and tells each owner
// once that the producer is gone.
func (o *Orchestrator) releaseDependents(pid domain.ProducerID) {
	deps := o.Registry.ReleaseDependents(pid)
	if len(deps) == 0 {
		return
	}
	notified := make(map[domain.PeerID]struct{}, len(deps))
	for _, d := range deps {
		if _, ok := notified[d.Peer]; ok {
			continue
		}
		notified[d.Peer] = struct{}{}
		o.Conns.Notify(d.Peer, EventProducerClosed, ProducerClosedEvent{ProducerID: pid})
	}
	log.Info().
		Str("module", "orch").
		Str("producer", string(pid)).
		Int("consumers", len(deps)).
		Int("peers", len(notified)).
		Msg("producer closed, dependents released")
}

func (o *Orchestrator) others(room domain.RoomName, sid domain.PeerID) []domain.PeerID {
	members := o.Registry.RoomMembers(room)
	out := members[:0]
	for _, m := range members {
		if m != sid {
			out = append(out, m)
		}
	}
	return out
}
