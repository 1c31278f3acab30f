package core

import "github.com/dkeye/conference/internal/domain"

// Wire-level media negotiation types. Field names follow what browser
// clients send and expect, so they go through the signaling codec untouched.

type RTCPFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RTPCodecCapability struct {
	Kind                 domain.MediaKind `json:"kind"`
	MimeType             string           `json:"mimeType"`
	PreferredPayloadType uint8            `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32           `json:"clockRate"`
	Channels             uint16           `json:"channels,omitempty"`
	Parameters           map[string]any   `json:"parameters,omitempty"`
	RTCPFeedback         []RTCPFeedback   `json:"rtcpFeedback,omitempty"`
}

type RTPHeaderExtension struct {
	Kind        domain.MediaKind `json:"kind"`
	URI         string           `json:"uri"`
	PreferredID int              `json:"preferredId"`
}

type RTPCapabilities struct {
	Codecs           []RTPCodecCapability `json:"codecs"`
	HeaderExtensions []RTPHeaderExtension `json:"headerExtensions,omitempty"`
}

type RTPCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RTCPFeedback []RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

type RTPHeaderExtensionParameters struct {
	URI string `json:"uri"`
	ID  int    `json:"id"`
}

type RTX struct {
	SSRC uint32 `json:"ssrc"`
}

type RTPEncoding struct {
	SSRC uint32 `json:"ssrc,omitempty"`
	RID  string `json:"rid,omitempty"`
	RTX  *RTX   `json:"rtx,omitempty"`
}

type RTCPParameters struct {
	CNAME       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize,omitempty"`
}

type RTPParameters struct {
	MID              string                         `json:"mid,omitempty"`
	Codecs           []RTPCodecParameters           `json:"codecs"`
	HeaderExtensions []RTPHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RTPEncoding                  `json:"encodings,omitempty"`
	RTCP             RTCPParameters                 `json:"rtcp"`
}

type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DTLSParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// TransportParams is what a client needs to build its side of a transport.
type TransportParams struct {
	ID             domain.TransportID `json:"id"`
	ICEParameters  ICEParameters      `json:"iceParameters"`
	ICECandidates  []ICECandidate     `json:"iceCandidates"`
	DTLSParameters DTLSParameters     `json:"dtlsParameters"`
}

type ConnectOptions struct {
	DTLSParameters DTLSParameters
	// ICEParameters is optional on the wire; engines running ICE-lite ignore it.
	ICEParameters *ICEParameters
}

type ProduceOptions struct {
	Kind          domain.MediaKind
	RTPParameters RTPParameters
	AppData       map[string]any
}

type ConsumeOptions struct {
	ProducerID      domain.ProducerID
	RTPCapabilities RTPCapabilities
	Paused          bool
}
