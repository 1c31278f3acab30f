package sfu

import (
	"context"
	"sync"

	"github.com/dkeye/conference/internal/domain"
	"github.com/rs/zerolog/log"
)

// RelayManager fans each producer's packets out to its consumers.
type RelayManager struct {
	mu     sync.RWMutex
	relays map[domain.ProducerID]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[domain.ProducerID]*Relay),
	}
}

// StartRelay creates a Relay for the producer and starts its loop. onDone runs
// once the loop exits, either because the source ended or the relay was stopped.
func (m *RelayManager) StartRelay(ctx context.Context, pid domain.ProducerID, src Source, onDone func()) {
	logger := log.With().
		Str("module", "relay").
		Str("producer", string(pid)).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(src, cancel, onDone)

	m.mu.Lock()
	if old, ok := m.relays[pid]; ok {
		logger.Info().Msg("replacing existing relay for producer")
		old.markAllDelete()
		if old.cancel != nil {
			old.cancel()
		}
	}
	m.relays[pid] = relay
	m.mu.Unlock()

	logger.Info().Msg("starting relay loop")

	go relay.loop(relayCtx, &logger)
}

// AddSubscriber attaches an OutTrack for the consumer to the producer's relay.
func (m *RelayManager) AddSubscriber(pid domain.ProducerID, cid domain.ConsumerID, sink Sink, paused bool) bool {
	m.mu.RLock()
	relay, ok := m.relays[pid]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	relay.AddOutTrack(cid, NewOutTrack(sink, paused))
	return true
}

// Resume unmutes the consumer's OutTrack.
func (m *RelayManager) Resume(pid domain.ProducerID, cid domain.ConsumerID) bool {
	ot, ok := m.outTrack(pid, cid)
	if !ok {
		return false
	}
	ot.MarkOk()
	return ot.GetState() == TrackStateOk
}

// RemoveSubscriber marks the consumer's OutTrack as TrackStateDelete.
func (m *RelayManager) RemoveSubscriber(pid domain.ProducerID, cid domain.ConsumerID) {
	if ot, ok := m.outTrack(pid, cid); ok {
		ot.MarkDelete()
	}
}

func (m *RelayManager) outTrack(pid domain.ProducerID, cid domain.ConsumerID) (*OutTrack, bool) {
	m.mu.RLock()
	relay, ok := m.relays[pid]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return relay.outTrack(cid)
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(pid domain.ProducerID) {
	m.mu.Lock()
	relay, ok := m.relays[pid]
	if ok {
		delete(m.relays, pid)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.markAllDelete()
	if relay.cancel != nil {
		relay.cancel()
	}
}
