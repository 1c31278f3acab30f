package core

import "errors"

var ErrBackpressure = errors.New("backpressure")

// Frame is a raw encoded signaling message.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// Notify queues a server push. Returns ErrBackpressure when the outbound queue is full.
	Notify(event string, payload any) error
	Close()
}
