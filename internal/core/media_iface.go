package core

import (
	"context"

	"github.com/dkeye/conference/internal/domain"
)

// MediaEngine is the media plane collaborator. The session core only creates
// routers from it; everything else hangs off the returned handles.
type MediaEngine interface {
	CreateRouter(ctx context.Context, codecs []RTPCodecCapability) (Router, error)
}

// Router scopes one room's codec capabilities. Shared read-only by all peers of the room.
type Router interface {
	ID() string
	RTPCapabilities() RTPCapabilities
	CreateWebRTCTransport(ctx context.Context, consuming bool) (Transport, error)
	// CanConsume reports whether a client with caps can receive producerID.
	CanConsume(producerID domain.ProducerID, caps RTPCapabilities) bool
	Close() error
}

type Transport interface {
	ID() domain.TransportID
	Params() TransportParams
	Connect(ctx context.Context, opts ConnectOptions) error
	Produce(ctx context.Context, opts ProduceOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error)
	Close() error
	// OnClose fires once when the transport goes away, locally or because the remote side dropped.
	OnClose(func())
}

type Producer interface {
	ID() domain.ProducerID
	Kind() domain.MediaKind
	Close() error
	// OnClose fires once when the producer goes away, including when its transport closed.
	OnClose(func())
}

type Consumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Kind() domain.MediaKind
	RTPParameters() RTPParameters
	Paused() bool
	Resume(ctx context.Context) error
	Close() error
	// OnProducerClose fires when the relayed producer closed. The consumer is closed right after.
	OnProducerClose(func())
	// OnClose fires once when the consumer goes away for any reason.
	OnClose(func())
}
