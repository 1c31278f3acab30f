package domain

import "errors"

// Error kinds surfaced by the session core. Callers wrap them with context
// and match with errors.Is.
var (
	ErrRoomState     = errors.New("room state")
	ErrDuplicatePeer = errors.New("duplicate peer")
	ErrNotFound      = errors.New("not found")
	ErrNotConsumable = errors.New("not consumable")
	ErrEngine        = errors.New("media engine")
	ErrBadRequest    = errors.New("bad request")
	ErrRateLimited   = errors.New("rate limited")
)

// ErrorCode maps an error onto the stable code sent to clients.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRoomState):
		return "room_state"
	case errors.Is(err, ErrDuplicatePeer):
		return "duplicate_peer"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNotConsumable):
		return "not_consumable"
	case errors.Is(err, ErrEngine):
		return "engine"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal"
	}
}
