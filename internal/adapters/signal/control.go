package signal

import (
	"context"

	json "github.com/goccy/go-json"
)

func (ctl *SignalWSController) handlePing(_ context.Context, _ session, _ json.RawMessage) (any, error) {
	return "pong", nil
}
