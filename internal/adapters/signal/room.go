package signal

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/conference/internal/domain"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

type joinRoomPayload struct {
	RoomName string `json:"roomName" validate:"required,max=64"`
	Name     string `json:"name,omitempty" validate:"max=36"`
}

func (ctl *SignalWSController) handleJoinRoom(ctx context.Context, s session, data json.RawMessage) (any, error) {
	var p joinRoomPayload
	if err := ctl.decode(data, &p); err != nil {
		return nil, err
	}
	if !ctl.Limiter.Allow(s.token) {
		log.Warn().Str("module", "signal").Str("sid", string(s.sid)).Str("client_token", s.token).Msg("join rate limited")
		return nil, fmt.Errorf("%w: too many join attempts", domain.ErrRateLimited)
	}
	details, err := domain.NewPeerDetails(p.Name)
	if err != nil {
		return nil, errors.Join(domain.ErrBadRequest, err)
	}

	log.Info().Str("module", "signal").Str("sid", string(s.sid)).Str("room", p.RoomName).Msg("join")
	return ctl.Orch.JoinRoom(ctx, s.sid, domain.RoomName(p.RoomName), details)
}

func (ctl *SignalWSController) handleGetProducers(_ context.Context, s session, _ json.RawMessage) (any, error) {
	return ctl.Orch.GetProducers(s.sid)
}
