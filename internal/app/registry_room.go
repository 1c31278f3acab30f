package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/rs/zerolog/log"
)

// JoinResult is what a new member needs to start negotiating.
type JoinResult struct {
	Capabilities core.RTPCapabilities
	OtherPeers   []domain.PeerID
}

// errRouterGone means the room was closed between router creation and commit.
var errRouterGone = errors.New("router closed before commit")

const joinAttempts = 3

// CreateOrJoinRoom returns the room router capabilities, creating the router
// on first use, and records the peer as a member.
func (r *Registry) CreateOrJoinRoom(ctx context.Context, room domain.RoomName, peer domain.PeerID) (core.RTPCapabilities, error) {
	var caps core.RTPCapabilities
	err := r.withRouter(ctx, room, func(re *roomEntry) error {
		if p, ok := r.peers[peer]; ok && p.room != room {
			return fmt.Errorf("%w: peer %s already in room %s", domain.ErrRoomState, peer, p.room)
		}
		re.addMember(peer)
		caps = re.router.RTPCapabilities()
		return nil
	})
	return caps, err
}

// Join creates or joins the room and registers the peer in one commit.
func (r *Registry) Join(ctx context.Context, room domain.RoomName, peer domain.PeerID, details domain.PeerDetails) (JoinResult, error) {
	var res JoinResult
	err := r.withRouter(ctx, room, func(re *roomEntry) error {
		if p, ok := r.peers[peer]; ok {
			if p.room != room {
				return fmt.Errorf("%w: peer %s already in room %s", domain.ErrRoomState, peer, p.room)
			}
			return fmt.Errorf("%w: %s", domain.ErrDuplicatePeer, peer)
		}
		res.OtherPeers = make([]domain.PeerID, 0, len(re.members))
		for _, m := range re.members {
			if m != peer {
				res.OtherPeers = append(res.OtherPeers, m)
			}
		}
		if err := r.registerPeerLocked(peer, room, details); err != nil {
			return err
		}
		re.addMember(peer)
		res.Capabilities = re.router.RTPCapabilities()
		return nil
	})
	return res, err
}

// withRouter ensures a router exists for room and runs commit under the lock
// against the room entry holding that router.
func (r *Registry) withRouter(ctx context.Context, room domain.RoomName, commit func(*roomEntry) error) error {
	if err := room.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBadRequest, err)
	}
	for range joinAttempts {
		router, err := r.ensureRouter(ctx, room)
		if err != nil {
			return err
		}
		r.mu.Lock()
		re, ok := r.rooms[room]
		if !ok || re.router != router {
			r.mu.Unlock()
			continue
		}
		err = commit(re)
		closer := r.releaseEmptyRoomLocked(re)
		r.mu.Unlock()
		closeRouter(closer)
		return err
	}
	return fmt.Errorf("%w: room %s: %v", domain.ErrRoomState, room, errRouterGone)
}

func (r *Registry) ensureRouter(ctx context.Context, room domain.RoomName) (core.Router, error) {
	r.mu.Lock()
	if re, ok := r.rooms[room]; ok {
		r.mu.Unlock()
		return re.router, nil
	}
	r.mu.Unlock()

	v, err, _ := r.routers.Do(string(room), func() (any, error) {
		r.mu.Lock()
		if re, ok := r.rooms[room]; ok {
			r.mu.Unlock()
			return re.router, nil
		}
		r.mu.Unlock()

		router, err := r.engine.CreateRouter(ctx, r.codecs)
		if err != nil {
			return nil, fmt.Errorf("%w: create router for %s: %v", domain.ErrEngine, room, err)
		}

		r.mu.Lock()
		if re, ok := r.rooms[room]; ok {
			r.mu.Unlock()
			closeRouter(router)
			return re.router, nil
		}
		r.rooms[room] = &roomEntry{name: room, router: router}
		r.mu.Unlock()
		log.Info().Str("module", "app.registry").Str("room", string(room)).Str("router", router.ID()).Msg("router created")
		return router, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(core.Router), nil
}

func (re *roomEntry) addMember(peer domain.PeerID) {
	if !slices.Contains(re.members, peer) {
		re.members = append(re.members, peer)
	}
}

func (re *roomEntry) removeMember(peer domain.PeerID) {
	re.members = slices.DeleteFunc(re.members, func(m domain.PeerID) bool { return m == peer })
}

// releaseEmptyRoomLocked drops a memberless room when the retention policy
// says so and returns the router the caller must close after unlocking.
func (r *Registry) releaseEmptyRoomLocked(re *roomEntry) core.Router {
	if len(re.members) > 0 {
		return nil
	}
	if r.retention.OnRoomEmpty(re.name) != CloseRoom {
		return nil
	}
	for _, p := range r.peers {
		if p.room == re.name {
			return nil
		}
	}
	delete(r.rooms, re.name)
	log.Info().Str("module", "app.registry").Str("room", string(re.name)).Msg("empty room closed")
	return re.router
}

func closeRouter(router core.Router) {
	if router == nil {
		return
	}
	if err := router.Close(); err != nil {
		log.Warn().Err(err).Str("module", "app.registry").Str("router", router.ID()).Msg("router close failed")
	}
}

// Router returns the router of an existing room.
func (r *Registry) Router(room domain.RoomName) (core.Router, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	re, ok := r.rooms[room]
	if !ok {
		return nil, fmt.Errorf("%w: room %s", domain.ErrNotFound, room)
	}
	return re.router, nil
}

// RoomMembers returns the members of room in join order.
func (r *Registry) RoomMembers(room domain.RoomName) []domain.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	re, ok := r.rooms[room]
	if !ok {
		return nil
	}
	return slices.Clone(re.members)
}

func (r *Registry) Rooms() []core.RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.RoomInfo, 0, len(r.rooms))
	for name, re := range r.rooms {
		info := core.RoomInfo{Name: name, PeerCount: len(re.members)}
		for _, pe := range r.producers {
			if pe.room == name {
				info.ProducerCount++
			}
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b core.RoomInfo) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

func (r *Registry) RoomSnapshot(room domain.RoomName) (core.RoomSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	re, ok := r.rooms[room]
	if !ok {
		return core.RoomSnapshot{}, false
	}
	snap := core.RoomSnapshot{Name: room, RouterID: re.router.ID()}
	for _, id := range re.members {
		p, ok := r.peers[id]
		if !ok {
			continue
		}
		dto := core.PeerDTO{
			ID:         id,
			Transports: len(p.transports),
			Consumers:  len(p.consumers),
			Details:    p.details,
		}
		for pid := range p.producers {
			dto.Producers = append(dto.Producers, core.ProducerInfo{ProducerID: pid, PeerID: id})
		}
		snap.Peers = append(snap.Peers, dto)
	}
	return snap, true
}
