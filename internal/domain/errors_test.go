package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"nil", nil, ""},
		{"room_state", fmt.Errorf("%w: peer in r2", ErrRoomState), "room_state"},
		{"duplicate", fmt.Errorf("register: %w", ErrDuplicatePeer), "duplicate_peer"},
		{"not_found", fmt.Errorf("%w: transport", ErrNotFound), "not_found"},
		{"not_consumable", ErrNotConsumable, "not_consumable"},
		{"engine", fmt.Errorf("%w: dtls", ErrEngine), "engine"},
		{"bad_request", ErrBadRequest, "bad_request"},
		{"rate_limited", ErrRateLimited, "rate_limited"},
		{"unknown", errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, ErrorCode(tt.err))
		})
	}
}

func TestParseMediaKind(t *testing.T) {
	k, err := ParseMediaKind("video")
	assert.NoError(t, err)
	assert.Equal(t, KindVideo, k)

	_, err = ParseMediaKind("data")
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestRoomNameValidate(t *testing.T) {
	assert.ErrorIs(t, RoomName("").Validate(), ErrRoomNameEmpty)
	assert.NoError(t, RoomName("r1").Validate())
	long := make([]byte, MaxRoomNameLen+1)
	for i := range long {
		long[i] = 'a'
	}
	assert.Error(t, RoomName(long).Validate())
}

func TestNewPeerDetails(t *testing.T) {
	d, err := NewPeerDetails("alice")
	assert.NoError(t, err)
	assert.Equal(t, "alice", d.Name)
	assert.False(t, d.IsAdmin)

	_, err = NewPeerDetails("0123456789012345678901234567890123456789")
	assert.ErrorIs(t, err, ErrPeerNameTooLong)

	assert.NotEqual(t, NewPeerID(), NewPeerID())
}
