package sfu

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// Sink receives relayed packets. *webrtc.TrackLocalStaticRTP satisfies it.
type Sink interface {
	WriteRTP(p *rtp.Packet) error
}

// OutTrack is one consumer's outgoing copy of a producer's stream.
// A paused consumer is a muted OutTrack.
type OutTrack struct {
	Sink  Sink
	state atomic.Int32 // Zero by default (TrackStateOk)
}

func NewOutTrack(sink Sink, paused bool) *OutTrack {
	ot := &OutTrack{Sink: sink}
	if paused {
		ot.MarkMuted()
	}
	return ot
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkOk() {
	ot.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
}

// MarkDelete is terminal.
func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}
