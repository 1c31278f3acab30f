// Package rtc implements the media engine on top of pion's ORTC objects:
// one ICE gatherer, ICE transport and DTLS transport per signaling transport,
// RTP receivers for producers and RTP senders for consumers.
package rtc

import (
	"context"
	"fmt"
	"net"

	"github.com/dkeye/conference/internal/app/sfu"
	"github.com/dkeye/conference/internal/config"
	"github.com/dkeye/conference/internal/core"
	"github.com/google/uuid"
	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Engine struct {
	settings webrtc.SettingEngine
	relays   *sfu.RelayManager
}

func NewEngine(cfg config.MediaConfig, relays *sfu.RelayManager) (*Engine, error) {
	var se webrtc.SettingEngine
	if cfg.RTCMinPort != 0 || cfg.RTCMaxPort != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.RTCMinPort, cfg.RTCMaxPort); err != nil {
			return nil, fmt.Errorf("rtc port range: %w", err)
		}
	}
	if cfg.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if listen := net.ParseIP(cfg.ListenIP); listen != nil && !listen.IsUnspecified() {
		se.SetIPFilter(func(ip net.IP) bool { return ip.Equal(listen) })
		if listen.IsLoopback() {
			se.SetIncludeLoopbackCandidate(true)
		}
	}
	se.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)

	log.Info().
		Str("module", "rtc").
		Uint16("min_port", cfg.RTCMinPort).
		Uint16("max_port", cfg.RTCMaxPort).
		Str("announced_ip", cfg.AnnouncedIP).
		Msg("media engine ready")
	return &Engine{settings: se, relays: relays}, nil
}

// CreateRouter builds a pion API whose media engine knows exactly codecs.
func (e *Engine) CreateRouter(_ context.Context, codecs []core.RTPCodecCapability) (core.Router, error) {
	caps := routerCapabilities(codecs)
	m, err := newMediaEngine(caps)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &router{
		id:         uuid.NewString(),
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(e.settings)),
		caps:       caps,
		relays:     e.relays,
		ctx:        ctx,
		cancel:     cancel,
		transports: make(map[string]*transport),
		producers:  make(map[string]*producer),
	}
	log.Info().Str("module", "rtc").Str("router", r.id).Int("codecs", len(caps.Codecs)).Msg("router created")
	return r, nil
}
