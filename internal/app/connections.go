package app

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/rs/zerolog/log"
)

type connEntry struct {
	Conn   core.SignalConnection
	Cancel context.CancelFunc
}

// Connections maps live peer identities to their signaling connection.
// It is kept apart from Registry so session state never holds transport objects.
type Connections struct {
	policy Policy

	mu    sync.RWMutex
	conns map[domain.PeerID]*connEntry
}

func NewConnections(policy Policy) *Connections {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Connections{
		policy: policy,
		conns:  make(map[domain.PeerID]*connEntry),
	}
}

func (c *Connections) Bind(sid domain.PeerID, conn core.SignalConnection, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[sid] = &connEntry{Conn: conn, Cancel: cancel}
	log.Info().Str("module", "app.connections").Str("sid", string(sid)).Msg("bound signal")
}

func (c *Connections) Get(sid domain.PeerID) (core.SignalConnection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.conns[sid]; ok {
		return e.Conn, true
	}
	return nil, false
}

func (c *Connections) Unbind(sid domain.PeerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, sid)
	log.Info().Str("module", "app.connections").Str("sid", string(sid)).Msg("unbind signal")
}

// Cancel stops the connection's pumps. Teardown follows from the adapter.
func (c *Connections) Cancel(sid domain.PeerID) {
	c.mu.RLock()
	e, ok := c.conns[sid]
	c.mu.RUnlock()
	if ok && e.Cancel != nil {
		e.Cancel()
	}
}

func (c *Connections) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}

// Notify pushes event to sid. Delivery is best effort: a missing connection
// is ignored and a full queue is handed to the backpressure policy.
func (c *Connections) Notify(sid domain.PeerID, event string, payload any) bool {
	conn, ok := c.Get(sid)
	if !ok {
		log.Debug().Str("module", "app.connections").Str("sid", string(sid)).Str("event", event).Msg("notify: no connection")
		return false
	}
	err := conn.Notify(event, payload)
	if err == nil {
		return true
	}
	if !errors.Is(err, core.ErrBackpressure) {
		log.Warn().Err(err).Str("module", "app.connections").Str("sid", string(sid)).Str("event", event).Msg("notify failed")
		return false
	}
	switch c.policy.OnBackPressure(sid) {
	case KickMember:
		log.Warn().Str("module", "app.connections").Str("sid", string(sid)).Str("event", event).Msg("slow peer kicked")
		c.Cancel(sid)
	case DropFrame:
		log.Debug().Str("module", "app.connections").Str("sid", string(sid)).Str("event", event).Msg("frame dropped")
	case NoAction:
	}
	return false
}

// Broadcast notifies every peer in to.
func (c *Connections) Broadcast(to []domain.PeerID, event string, payload any) {
	for _, sid := range to {
		c.Notify(sid, event, payload)
	}
}
