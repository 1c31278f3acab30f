package orch

import (
	"context"
	"errors"

	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/rs/zerolog/log"
)

// OnConnect binds a fresh connection. The peer joins the registry only on join-room.
func (o *Orchestrator) OnConnect(sid domain.PeerID, conn core.SignalConnection, cancel context.CancelFunc) {
	o.Conns.Bind(sid, conn, cancel)
	o.Conns.Notify(sid, EventConnectionSuccess, PeerEvent{PeerID: sid})
}

// OnDisconnect tears down everything the peer owned and tells the rest of the
// room. Consumers elsewhere that relayed its producers are released with a
// producer-closed push to their owners.
func (o *Orchestrator) OnDisconnect(sid domain.PeerID) {
	o.Conns.Unbind(sid)

	closed, err := o.Registry.RemovePeer(sid)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Error().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("remove peer failed")
		}
		return
	}
	for _, pid := range closed.Producers {
		o.releaseDependents(pid)
	}
	o.Conns.Broadcast(closed.Remaining, EventPeerLeft, PeerEvent{PeerID: sid})
	log.Info().
		Str("module", "orch").
		Str("sid", string(sid)).
		Str("room", string(closed.Room)).
		Int("producers", len(closed.Producers)).
		Bool("room_closed", closed.RoomClosed).
		Msg("peer left")
}

// Kick drops the peer's connection; teardown follows through OnDisconnect.
func (o *Orchestrator) Kick(sid domain.PeerID) {
	o.Conns.Cancel(sid)
}
