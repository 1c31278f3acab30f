package orch

import (
	"context"

	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/rs/zerolog/log"
)

// JoinRoom registers sid in room and announces it to the members already there.
func (o *Orchestrator) JoinRoom(ctx context.Context, sid domain.PeerID, room domain.RoomName, details domain.PeerDetails) (JoinRoomResult, error) {
	res, err := o.Registry.Join(ctx, room, sid, details)
	if err != nil {
		return JoinRoomResult{}, err
	}
	o.Conns.Broadcast(res.OtherPeers, EventPeerJoined, PeerEvent{PeerID: sid})
	log.Info().
		Str("module", "orch").
		Str("sid", string(sid)).
		Str("room", string(room)).
		Int("others", len(res.OtherPeers)).
		Msg("joined room")
	return JoinRoomResult{RTPCapabilities: res.Capabilities, PeerIDs: res.OtherPeers}, nil
}

// GetProducers lists the producers of the caller's room it does not own.
func (o *Orchestrator) GetProducers(sid domain.PeerID) ([]core.ProducerInfo, error) {
	room, err := o.Registry.PeerRoom(sid)
	if err != nil {
		return nil, err
	}
	return o.Registry.ListOtherProducers(room, sid), nil
}
