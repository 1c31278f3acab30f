package sfu

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/conference/internal/domain"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepSource hands packets to the relay one at a time; step returns once the
// relay finished forwarding and is waiting for the next packet.
type stepSource struct {
	in    chan *rtp.Packet
	ready chan struct{}
}

func newStepSource() *stepSource {
	return &stepSource{in: make(chan *rtp.Packet), ready: make(chan struct{})}
}

func (s *stepSource) ReadRTP() (*rtp.Packet, error) {
	s.ready <- struct{}{}
	p, ok := <-s.in
	if !ok {
		return nil, io.EOF
	}
	return p, nil
}

func (s *stepSource) step(p *rtp.Packet) {
	s.in <- p
	<-s.ready
}

type recordSink struct {
	mu   sync.Mutex
	seqs []uint16
	err  error
}

func (s *recordSink) WriteRTP(p *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.seqs = append(s.seqs, p.SequenceNumber)
	return nil
}

func (s *recordSink) got() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint16(nil), s.seqs...)
}

func pkt(seq uint16) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: seq, SSRC: 42}}
}

func TestOutTrackStates(t *testing.T) {
	ot := NewOutTrack(&recordSink{}, true)
	assert.Equal(t, TrackStateMuted, ot.GetState())

	ot.MarkOk()
	assert.Equal(t, TrackStateOk, ot.GetState())

	ot.MarkDelete()
	ot.MarkOk()
	ot.MarkMuted()
	assert.Equal(t, TrackStateDelete, ot.GetState())
}

func TestRelayForwardsToResumedSubscribers(t *testing.T) {
	m := NewRelayManager()
	src := newStepSource()
	done := make(chan struct{})
	m.StartRelay(context.Background(), "p1", src, func() { close(done) })
	require.True(t, hasRelay(m, "p1"))
	<-src.ready

	live, paused := &recordSink{}, &recordSink{}
	require.True(t, m.AddSubscriber("p1", "c1", live, true))
	require.True(t, m.AddSubscriber("p1", "c2", paused, true))
	assert.False(t, m.AddSubscriber("missing", "c3", live, false))

	src.step(pkt(1))
	assert.True(t, m.Resume("p1", "c1"))
	src.step(pkt(2))
	src.step(pkt(3))
	m.RemoveSubscriber("p1", "c1")
	src.step(pkt(4))
	close(src.in)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay loop did not exit")
	}

	assert.Equal(t, []uint16{2, 3}, live.got())
	assert.Empty(t, paused.got())
	assert.Equal(t, 0, subscribers(m, "p1"))
	assert.False(t, m.Resume("p1", "missing"))
}

func TestRelayDropsFailingSink(t *testing.T) {
	m := NewRelayManager()
	src := newStepSource()
	m.StartRelay(context.Background(), "p1", src, nil)
	<-src.ready

	bad := &recordSink{err: errors.New("closed pipe")}
	good := &recordSink{}
	m.AddSubscriber("p1", "bad", bad, false)
	m.AddSubscriber("p1", "good", good, false)
	assert.Equal(t, 2, subscribers(m, "p1"))

	src.step(pkt(1))
	src.step(pkt(2))

	assert.Equal(t, []uint16{1, 2}, good.got())
	assert.Equal(t, 1, subscribers(m, "p1"))

	m.StopRelay("p1")
	assert.False(t, hasRelay(m, "p1"))
	close(src.in)
}

func hasRelay(m *RelayManager, pid domain.ProducerID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[pid]
	return ok
}

// subscribers counts the relay's OutTracks not yet deleted.
func subscribers(m *RelayManager, pid domain.ProducerID) int {
	m.mu.RLock()
	relay, ok := m.relays[pid]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	relay.mu.RLock()
	defer relay.mu.RUnlock()
	n := 0
	for _, ot := range relay.outTracks {
		if ot.GetState() != TrackStateDelete {
			n++
		}
	}
	return n
}
