package app

import (
	"fmt"

	"github.com/dkeye/conference/internal/domain"
)

type RetentionAction int

const (
	RetainRoom RetentionAction = iota
	CloseRoom
)

// RetentionPolicy decides what happens to a room once its last peer left.
type RetentionPolicy interface {
	OnRoomEmpty(name domain.RoomName) RetentionAction
}

// RetainRooms keeps empty rooms and their routers for reuse.
type RetainRooms struct{}

func (RetainRooms) OnRoomEmpty(domain.RoomName) RetentionAction { return RetainRoom }

// CloseEmptyRooms closes the router and forgets the room.
type CloseEmptyRooms struct{}

func (CloseEmptyRooms) OnRoomEmpty(domain.RoomName) RetentionAction { return CloseRoom }

func RetentionFromConfig(name string) (RetentionPolicy, error) {
	switch name {
	case "retain":
		return RetainRooms{}, nil
	case "close", "":
		return CloseEmptyRooms{}, nil
	}
	return nil, fmt.Errorf("unknown empty room policy %q", name)
}

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

// Policy decides what to do with a peer whose outbound signaling queue is full.
type Policy interface {
	OnBackPressure(peer domain.PeerID) BackpressureAction
}

// SimplePolicy drops the connection of a slow peer. Its state is rebuilt from
// get-producers when it reconnects.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.PeerID) BackpressureAction {
	return KickMember
}
