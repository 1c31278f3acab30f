// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxPeerNameLen = 36

var ErrPeerNameTooLong = errors.New("peer name too long")

// PeerID is the identity of one live signaling connection.
// It is never reused after the connection goes away.
type PeerID string

// NewPeerID issues a fresh connection identity.
func NewPeerID() PeerID {
	return PeerID(uuid.NewString())
}

// PeerDetails is display metadata. The session core stores it but never acts on it.
type PeerDetails struct {
	Name    string `json:"name"`
	IsAdmin bool   `json:"isAdmin"`
}

func NewPeerDetails(name string) (PeerDetails, error) {
	if len(name) > MaxPeerNameLen {
		return PeerDetails{}, ErrPeerNameTooLong
	}
	return PeerDetails{Name: name}, nil
}
