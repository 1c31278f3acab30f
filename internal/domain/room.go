package domain

import "errors"

const MaxRoomNameLen = 64

var ErrRoomNameEmpty = errors.New("room name empty")

// RoomName is the room key. Case-sensitive, compared byte for byte.
type RoomName string

func (n RoomName) Validate() error {
	if len(n) == 0 {
		return ErrRoomNameEmpty
	}
	if len(n) > MaxRoomNameLen {
		return errors.New("room name too long")
	}
	return nil
}
