package rtc

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/dkeye/conference/internal/config"
	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Payload types browsers expect for the default codecs. Anything else is
// numbered from dynamicPayloadBase.
var preferredPayloadTypes = map[string]uint8{
	"audio/opus": 111,
	"video/vp8":  96,
	"video/vp9":  98,
	"video/h264": 102,
}

const dynamicPayloadBase = 100

var videoFeedback = []core.RTCPFeedback{
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "goog-remb"},
}

// routerCapabilities assigns payload types and feedback to the configured
// codec list.
func routerCapabilities(codecs []core.RTPCodecCapability) core.RTPCapabilities {
	caps := core.RTPCapabilities{Codecs: make([]core.RTPCodecCapability, 0, len(codecs))}
	used := make(map[uint8]bool)
	next := uint8(dynamicPayloadBase)
	for _, c := range codecs {
		pt := c.PreferredPayloadType
		if pt == 0 {
			if p, ok := preferredPayloadTypes[strings.ToLower(c.MimeType)]; ok && !used[p] {
				pt = p
			}
		}
		for pt == 0 || used[pt] {
			pt = next
			next++
		}
		used[pt] = true
		c.PreferredPayloadType = pt
		if c.Kind == domain.KindAudio && c.Channels == 0 {
			c.Channels = 1
		}
		if c.Kind == domain.KindVideo && len(c.RTCPFeedback) == 0 {
			c.RTCPFeedback = videoFeedback
		}
		caps.Codecs = append(caps.Codecs, c)
	}
	return caps
}

// newMediaEngine registers the router codecs with pion.
func newMediaEngine(caps core.RTPCapabilities) (*webrtc.MediaEngine, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range caps.Codecs {
		kind, err := codecType(c.Kind)
		if err != nil {
			return nil, err
		}
		params := webrtc.RTPCodecParameters{
			RTPCodecCapability: toPionCapability(c),
			PayloadType:        webrtc.PayloadType(c.PreferredPayloadType),
		}
		if err := m.RegisterCodec(params, kind); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
	}
	return m, nil
}

func codecType(kind domain.MediaKind) (webrtc.RTPCodecType, error) {
	switch kind {
	case domain.KindAudio:
		return webrtc.RTPCodecTypeAudio, nil
	case domain.KindVideo:
		return webrtc.RTPCodecTypeVideo, nil
	}
	return 0, fmt.Errorf("%w: unknown media kind %q", domain.ErrBadRequest, kind)
}

func toPionCapability(c core.RTPCodecCapability) webrtc.RTPCodecCapability {
	fb := make([]webrtc.RTCPFeedback, 0, len(c.RTCPFeedback))
	for _, f := range c.RTCPFeedback {
		fb = append(fb, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return webrtc.RTPCodecCapability{
		MimeType:     c.MimeType,
		ClockRate:    c.ClockRate,
		Channels:     c.Channels,
		SDPFmtpLine:  fmtpLine(c.Parameters),
		RTCPFeedback: fb,
	}
}

// fmtpLine renders codec parameters as "k=v;k=v" with sorted keys.
func fmtpLine(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	parts := make([]string, 0, len(params))
	for _, k := range slices.Sorted(maps.Keys(params)) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ";")
}

func channelsOf(kind domain.MediaKind, n uint16) uint16 {
	if kind == domain.KindAudio && n == 0 {
		return 1
	}
	return n
}

// matchCodec finds the router codec a producer's codec corresponds to.
func matchCodec(codec core.RTPCodecParameters, kind domain.MediaKind, caps core.RTPCapabilities) (core.RTPCodecCapability, bool) {
	for _, c := range caps.Codecs {
		if c.Kind != "" && c.Kind != kind {
			continue
		}
		if !strings.EqualFold(c.MimeType, codec.MimeType) || c.ClockRate != codec.ClockRate {
			continue
		}
		if channelsOf(kind, c.Channels) != channelsOf(kind, codec.Channels) {
			continue
		}
		return c, true
	}
	return core.RTPCodecCapability{}, false
}

// mediaCodec returns the first codec that is not a retransmission codec.
func mediaCodec(params core.RTPParameters) (core.RTPCodecParameters, bool) {
	for _, c := range params.Codecs {
		if !strings.HasSuffix(strings.ToLower(c.MimeType), "/rtx") {
			return c, true
		}
	}
	return core.RTPCodecParameters{}, false
}

func toICEParameters(p webrtc.ICEParameters) core.ICEParameters {
	return core.ICEParameters{UsernameFragment: p.UsernameFragment, Password: p.Password, ICELite: p.ICELite}
}

func fromICEParameters(p core.ICEParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{UsernameFragment: p.UsernameFragment, Password: p.Password, ICELite: p.ICELite}
}

func toICECandidates(cands []webrtc.ICECandidate) []core.ICECandidate {
	out := make([]core.ICECandidate, 0, len(cands))
	for _, c := range cands {
		out = append(out, core.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}
	return out
}

func toDTLSParameters(p webrtc.DTLSParameters) core.DTLSParameters {
	out := core.DTLSParameters{Role: p.Role.String(), Fingerprints: make([]core.DTLSFingerprint, 0, len(p.Fingerprints))}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, core.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func fromDTLSParameters(p core.DTLSParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: webrtc.DTLSRoleAuto, Fingerprints: make([]webrtc.DTLSFingerprint, 0, len(p.Fingerprints))}
	switch p.Role {
	case "client":
		out.Role = webrtc.DTLSRoleClient
	case "server":
		out.Role = webrtc.DTLSRoleServer
	}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

// CodecsFromConfig turns the configured codec list into router capabilities input.
func CodecsFromConfig(list []config.CodecConfig) ([]core.RTPCodecCapability, error) {
	out := make([]core.RTPCodecCapability, 0, len(list))
	for _, c := range list {
		kind := domain.MediaKind(strings.ToLower(c.Kind))
		if _, err := codecType(kind); err != nil {
			return nil, fmt.Errorf("codec %s: %w", c.MimeType, err)
		}
		if !strings.HasPrefix(strings.ToLower(c.MimeType), string(kind)+"/") {
			return nil, fmt.Errorf("codec %s: mime type does not match kind %s", c.MimeType, kind)
		}
		out = append(out, core.RTPCodecCapability{
			Kind:       kind,
			MimeType:   c.MimeType,
			ClockRate:  c.ClockRate,
			Channels:   c.Channels,
			Parameters: c.Parameters,
		})
	}
	return out, nil
}
