package domain

import "fmt"

type (
	TransportID string
	ProducerID  string
	ConsumerID  string
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func ParseMediaKind(s string) (MediaKind, error) {
	switch MediaKind(s) {
	case KindAudio, KindVideo:
		return MediaKind(s), nil
	}
	return "", fmt.Errorf("%w: unknown media kind %q", ErrBadRequest, s)
}
