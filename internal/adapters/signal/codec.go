package signal

import (
	"errors"

	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	json "github.com/goccy/go-json"
)

// request is one client frame. Fire-and-forget requests may omit the id.
type request struct {
	ID   *uint64         `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// envelope is every server frame: responses carry the request id, pushes don't.
type envelope struct {
	ID    *uint64    `json:"id,omitempty"`
	Type  string     `json:"type"`
	Data  any        `json:"data,omitempty"`
	Error *wireError `json:"error,omitempty"`
}

func decodeRequest(b []byte) (request, error) {
	var req request
	if err := json.Unmarshal(b, &req); err != nil {
		return request{}, errors.Join(domain.ErrBadRequest, err)
	}
	if req.Type == "" {
		return request{}, errors.Join(domain.ErrBadRequest, errors.New("missing type"))
	}
	return req, nil
}

func encodeResponse(req request, data any) (core.Frame, error) {
	return json.Marshal(envelope{ID: req.ID, Type: req.Type, Data: data})
}

func encodeError(req request, err error) (core.Frame, error) {
	return json.Marshal(envelope{
		ID:    req.ID,
		Type:  req.Type,
		Error: &wireError{Code: domain.ErrorCode(err), Message: err.Error()},
	})
}

func encodePush(event string, payload any) (core.Frame, error) {
	return json.Marshal(envelope{Type: event, Data: payload})
}
