package app_test

import (
	"errors"
	"testing"

	"github.com/dkeye/conference/internal/app"
	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockConn struct {
	mock.Mock
}

func (m *mockConn) Notify(event string, payload any) error {
	return m.Called(event, payload).Error(0)
}

func (m *mockConn) Close() { m.Called() }

type dropPolicy struct{}

func (dropPolicy) OnBackPressure(domain.PeerID) app.BackpressureAction { return app.DropFrame }

func TestConnectionsNotify(t *testing.T) {
	conns := app.NewConnections(nil)
	conn := &mockConn{}
	conn.On("Notify", "peer-joined", mock.Anything).Return(nil).Once()

	conns.Bind("A", conn, nil)
	assert.True(t, conns.Notify("A", "peer-joined", map[string]string{"peerId": "B"}))
	assert.False(t, conns.Notify("ghost", "peer-joined", nil))
	conn.AssertExpectations(t)

	conns.Unbind("A")
	assert.Equal(t, 0, conns.Len())
}

func TestConnectionsBackpressureKicks(t *testing.T) {
	conns := app.NewConnections(app.SimplePolicy{})
	conn := &mockConn{}
	conn.On("Notify", "new-producer", mock.Anything).Return(core.ErrBackpressure)

	kicked := 0
	conns.Bind("A", conn, func() { kicked++ })
	conns.Broadcast([]domain.PeerID{"A"}, "new-producer", nil)

	assert.Equal(t, 1, kicked)
	conn.AssertExpectations(t)
}

func TestConnectionsBackpressureDrop(t *testing.T) {
	conns := app.NewConnections(dropPolicy{})
	conn := &mockConn{}
	conn.On("Notify", "new-producer", mock.Anything).Return(core.ErrBackpressure)
	conn.On("Notify", "peer-left", mock.Anything).Return(errors.New("closed"))

	kicked := false
	conns.Bind("A", conn, func() { kicked = true })
	assert.False(t, conns.Notify("A", "new-producer", nil))
	assert.False(t, conns.Notify("A", "peer-left", nil))
	assert.False(t, kicked)
}
