package signal

import (
	"context"

	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

type createTransportPayload struct {
	IsConsuming bool `json:"isConsuming"`
}

type connectSendPayload struct {
	DTLSParameters core.DTLSParameters `json:"dtlsParameters" validate:"required"`
	ICEParameters  *core.ICEParameters `json:"iceParameters,omitempty"`
}

type connectRecvPayload struct {
	TransportID    string              `json:"transportId" validate:"required"`
	DTLSParameters core.DTLSParameters `json:"dtlsParameters" validate:"required"`
	ICEParameters  *core.ICEParameters `json:"iceParameters,omitempty"`
}

type producePayload struct {
	Kind          string             `json:"kind" validate:"required,oneof=audio video"`
	RTPParameters core.RTPParameters `json:"rtpParameters" validate:"required"`
	AppData       map[string]any     `json:"appData,omitempty"`
}

type consumePayload struct {
	RTPCapabilities  core.RTPCapabilities `json:"rtpCapabilities" validate:"required"`
	RemoteProducerID string               `json:"remoteProducerId" validate:"required"`
	TransportID      string               `json:"transportId" validate:"required"`
}

type resumeConsumerPayload struct {
	ConsumerID string `json:"consumerId" validate:"required"`
}

func (ctl *SignalWSController) handleCreateTransport(ctx context.Context, s session, data json.RawMessage) (any, error) {
	var p createTransportPayload
	if err := ctl.decode(data, &p); err != nil {
		return nil, err
	}
	return ctl.Orch.CreateTransport(ctx, s.sid, p.IsConsuming)
}

func (ctl *SignalWSController) handleConnectSendTransport(ctx context.Context, s session, data json.RawMessage) (any, error) {
	var p connectSendPayload
	if err := ctl.decode(data, &p); err != nil {
		return nil, err
	}
	if err := ctl.Orch.ConnectSendTransport(ctx, s.sid, p.DTLSParameters, p.ICEParameters); err != nil {
		return nil, err
	}
	log.Debug().Str("module", "signal").Str("sid", string(s.sid)).Msg("send transport connected")
	return nil, nil
}

func (ctl *SignalWSController) handleConnectRecvTransport(ctx context.Context, s session, data json.RawMessage) (any, error) {
	var p connectRecvPayload
	if err := ctl.decode(data, &p); err != nil {
		return nil, err
	}
	id := domain.TransportID(p.TransportID)
	if err := ctl.Orch.ConnectRecvTransport(ctx, s.sid, id, p.DTLSParameters, p.ICEParameters); err != nil {
		return nil, err
	}
	log.Debug().Str("module", "signal").Str("sid", string(s.sid)).Str("transport", p.TransportID).Msg("recv transport connected")
	return nil, nil
}

func (ctl *SignalWSController) handleProduce(ctx context.Context, s session, data json.RawMessage) (any, error) {
	var p producePayload
	if err := ctl.decode(data, &p); err != nil {
		return nil, err
	}
	kind, err := domain.ParseMediaKind(p.Kind)
	if err != nil {
		return nil, err
	}
	return ctl.Orch.Produce(ctx, s.sid, kind, p.RTPParameters, p.AppData)
}

func (ctl *SignalWSController) handleConsume(ctx context.Context, s session, data json.RawMessage) (any, error) {
	var p consumePayload
	if err := ctl.decode(data, &p); err != nil {
		return nil, err
	}
	return ctl.Orch.Consume(ctx, s.sid, domain.TransportID(p.TransportID), domain.ProducerID(p.RemoteProducerID), p.RTPCapabilities)
}

func (ctl *SignalWSController) handleResumeConsumer(ctx context.Context, s session, data json.RawMessage) (any, error) {
	var p resumeConsumerPayload
	if err := ctl.decode(data, &p); err != nil {
		return nil, err
	}
	return nil, ctl.Orch.ResumeConsumer(ctx, s.sid, domain.ConsumerID(p.ConsumerID))
}
