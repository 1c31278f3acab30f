package core

import "github.com/dkeye/conference/internal/domain"

// ProducerInfo is the read-only view handed to get-producers callers.
type ProducerInfo struct {
	ProducerID domain.ProducerID `json:"producerId"`
	PeerID     domain.PeerID     `json:"peerId"`
}

// PeerDTO is a read-only view for APIs (no handles).
type PeerDTO struct {
	ID         domain.PeerID      `json:"id"`
	Transports int                `json:"transports"`
	Producers  []ProducerInfo     `json:"producers"`
	Consumers  int                `json:"consumers"`
	Details    domain.PeerDetails `json:"details"`
}

type RoomInfo struct {
	Name          domain.RoomName `json:"name"`
	PeerCount     int             `json:"peer_count"`
	ProducerCount int             `json:"producer_count"`
}

type RoomSnapshot struct {
	Name     domain.RoomName `json:"name"`
	RouterID string          `json:"router_id"`
	Peers    []PeerDTO       `json:"peers"`
}

// Stats is a point-in-time count of the registry collections.
type Stats struct {
	Rooms      int
	Peers      int
	Transports int
	Producers  int
	Consumers  int
}
