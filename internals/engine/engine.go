package engine

import (
	"errors"
	"strings"

	"github.com/pion/webrtc/v3"
)

// The engine is consumed through a deliberately narrow surface: create worker,
// create router, create transport, connect, produce, consume, resume, close.
// Everything else about codecs/ICE/DTLS stays behind these interfaces.

type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

var (
	ErrClosed           = errors.New("engine: resource closed")
	ErrWrongDirection   = errors.New("engine: wrong transport direction")
	ErrNotConnected     = errors.New("engine: transport not connected")
	ErrIncompatibleCaps = errors.New("engine: capabilities cannot consume producer")
)

type RTPCodecCapability struct {
	Kind                 MediaKind         `json:"kind"`
	MimeType             string            `json:"mimeType"`
	ClockRate            uint32            `json:"clockRate"`
	Channels             uint16            `json:"channels,omitempty"`
	Parameters           map[string]string `json:"parameters,omitempty"`
	PreferredPayloadType uint8             `json:"preferredPayloadType,omitempty"`
}

type RTPCapabilities struct {
	Codecs []RTPCodecCapability `json:"codecs"`
}

// CanDecode reports whether the declared capabilities include the codec.
func (c RTPCapabilities) CanDecode(mimeType string) bool {
	for _, codec := range c.Codecs {
		if strings.EqualFold(codec.MimeType, mimeType) {
			return true
		}
	}
	return false
}

// DefaultCodecs is the fixed negotiated set: Opus audio, VP8 and constrained
// baseline H264 video.
func DefaultCodecs() []RTPCodecCapability {
	return []RTPCodecCapability{
		{
			Kind:                 KindAudio,
			MimeType:             webrtc.MimeTypeOpus,
			ClockRate:            48000,
			Channels:             2,
			PreferredPayloadType: 111,
		},
		{
			Kind:                 KindVideo,
			MimeType:             webrtc.MimeTypeVP8,
			ClockRate:            90000,
			Parameters:           map[string]string{"x-google-start-bitrate": "1000"},
			PreferredPayloadType: 96,
		},
		{
			Kind:                 KindVideo,
			MimeType:             webrtc.MimeTypeH264,
			ClockRate:            90000,
			Parameters: map[string]string{
				"packetization-mode":      "1",
				"profile-level-id":        "42e01f",
				"level-asymmetry-allowed": "1",
			},
			PreferredPayloadType: 102,
		},
	}
}

// TransportParams is handed to the client so it can finish ICE/DTLS
// negotiation against this transport.
type TransportParams struct {
	ID             string                `json:"id"`
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

// ConnectParams carries the client side of the handshake. Unlike an ICE-lite
// server, pion needs the remote ICE parameters and candidates as well as DTLS.
type ConnectParams struct {
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

type RTPCodecParameters struct {
	MimeType    string            `json:"mimeType"`
	PayloadType uint8             `json:"payloadType"`
	ClockRate   uint32            `json:"clockRate"`
	Channels    uint16            `json:"channels,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

type RTPEncoding struct {
	SSRC uint32 `json:"ssrc"`
	RID  string `json:"rid,omitempty"`
}

type RTPParameters struct {
	MID       string               `json:"mid,omitempty"`
	Codecs    []RTPCodecParameters `json:"codecs"`
	Encodings []RTPEncoding        `json:"encodings"`
}

// ConsumerParams is what the consuming client needs to finish negotiation.
type ConsumerParams struct {
	ID            string        `json:"id"`
	ProducerID    string        `json:"producerId"`
	Kind          MediaKind     `json:"kind"`
	RTPParameters RTPParameters `json:"rtpParameters"`
}

type Worker interface {
	ID() int
	CreateRouter(codecs []RTPCodecCapability) (Router, error)
	Close() error
}

type Router interface {
	ID() string
	RTPCapabilities() RTPCapabilities
	CreateTransport(direction Direction) (Transport, error)
	CanConsume(producer Producer, caps RTPCapabilities) bool
	Close() error
}

type Transport interface {
	ID() string
	Direction() Direction
	Params() TransportParams
	Connect(params ConnectParams) error
	Produce(kind MediaKind, rtp RTPParameters) (Producer, error)
	Consume(producer Producer, caps RTPCapabilities) (Consumer, error)
	// OnClosed fires once when the transport dies for any reason, including a
	// DTLS teardown initiated by the remote side.
	OnClosed(fn func())
	Close() error
}

type Producer interface {
	ID() string
	Kind() MediaKind
	MimeType() string
	OnClose(fn func())
	Close() error
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind
	Params() ConsumerParams
	Paused() bool
	// Resume is the only transition out of the paused state a consumer is
	// created in.
	Resume() error
	OnClose(fn func())
	Close() error
}
