package signaling

import (
	"encoding/json"
	"time"

	"github.com/jaloqa/whoami-server/internals/engine"
	"github.com/jaloqa/whoami-server/internals/game"
)

type MessageType string

// Game events.
const (
	MessageTypeConnected          MessageType = "connected"
	MessageTypeCreateRoom         MessageType = "create-room"
	MessageTypeRoomCreated        MessageType = "room-created"
	MessageTypeJoinRoom           MessageType = "join-room"
	MessageTypeJoinRoomSuccess    MessageType = "join-room-success"
	MessageTypePlayerJoined       MessageType = "player-joined"
	MessageTypeStartGame          MessageType = "start-game"
	MessageTypeGameStarted        MessageType = "game-started"
	MessageTypeSetCharacter       MessageType = "set-character"
	MessageTypeCharacterAssigned  MessageType = "character-assigned"
	MessageTypeLeaveRoom          MessageType = "leave-room"
	MessageTypePlayerLeft         MessageType = "player-left"
	MessageTypeGetRoomState       MessageType = "get-room-state"
	MessageTypeUpdatePlayerState  MessageType = "update-player-state"
	MessageTypePlayerStateUpdated MessageType = "player-state-updated"
	MessageTypeRoomUpdated        MessageType = "room-updated"
	MessageTypeRoomExpired        MessageType = "room-expired"
)

// Media events. These keep the camelCase names the browser-side media client
// already speaks.
const (
	MessageTypeGetRouterRTPCapabilities MessageType = "getRouterRtpCapabilities"
	MessageTypeRouterRTPCapabilities    MessageType = "routerRtpCapabilities"
	MessageTypeCreateTransport          MessageType = "createWebRtcTransport"
	MessageTypeTransportCreated         MessageType = "webRtcTransportCreated"
	MessageTypeConnectTransport         MessageType = "connectWebRtcTransport"
	MessageTypeTransportConnected       MessageType = "webRtcTransportConnected"
	MessageTypeSetRTPCapabilities       MessageType = "setRtpCapabilities"
	MessageTypeRTPCapabilitiesSet       MessageType = "rtpCapabilitiesSet"
	MessageTypeProduce                  MessageType = "produce"
	MessageTypeProduced                 MessageType = "produced"
	MessageTypeNewProducer              MessageType = "new-producer"
	MessageTypeConsume                  MessageType = "consume"
	MessageTypeConsumerCreated          MessageType = "consumerCreated"
	MessageTypeResumeConsumer           MessageType = "resumeConsumer"
	MessageTypeConsumerResumed          MessageType = "consumerResumed"
	MessageTypeConsumerClosed           MessageType = "consumerClosed"
)

const (
	MessageTypeSignal MessageType = "signal"
	MessageTypeError  MessageType = "error"
)

type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
}

// NewMessage marshals the payload into the envelope. Marshal errors only
// happen for unmarshalable payload types, which is a programming error.
func NewMessage(t MessageType, payload interface{}) (Message, error) {
	msg := Message{Type: t, Timestamp: time.Now()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, err
		}
		msg.Data = data
	}
	return msg, nil
}

type ConnectedPayload struct {
	PlayerID string `json:"playerId"`
}

type CreateRoomRequest struct {
	Name string `json:"name"`
}

type RoomCreatedPayload struct {
	RoomCode string            `json:"roomCode"`
	Room     game.RoomSnapshot `json:"room"`
}

type JoinRoomRequest struct {
	RoomCode string `json:"roomCode"`
	Name     string `json:"name"`
}

type JoinRoomSuccessPayload struct {
	RoomCode string            `json:"roomCode"`
	Room     game.RoomSnapshot `json:"room"`
}

type PlayerJoinedPayload struct {
	RoomCode string              `json:"roomCode"`
	Player   game.PlayerSnapshot `json:"player"`
}

type StartGameRequest struct {
	RoomCode string `json:"roomCode"`
}

type GameStartedPayload struct {
	RoomCode string `json:"roomCode"`
	// Assignments maps each player to the player whose character they invent.
	Assignments map[string]string `json:"assignments"`
}

type SetCharacterRequest struct {
	RoomCode  string `json:"roomCode"`
	TargetID  string `json:"targetId"`
	Character string `json:"character"`
}

type CharacterAssignedPayload struct {
	RoomCode  string `json:"roomCode"`
	TargetID  string `json:"targetId"`
	Character string `json:"character"`
	By        string `json:"by"`
}

type LeaveRoomRequest struct {
	RoomCode string `json:"roomCode"`
}

type PlayerLeftPayload struct {
	RoomCode  string `json:"roomCode"`
	PlayerID  string `json:"playerId"`
	NewHostID string `json:"newHostId,omitempty"`
}

type GetRoomStateRequest struct {
	RoomCode string `json:"roomCode"`
}

// RoomUpdatedPayload carries a full snapshot after any room mutation. It is
// both the broadcast consistency mechanism and the get-room-state reply.
type RoomUpdatedPayload struct {
	Room game.RoomSnapshot `json:"room"`
}

type RoomExpiredPayload struct {
	RoomCode string `json:"roomCode"`
}

type UpdatePlayerStateRequest struct {
	RoomCode     string  `json:"roomCode"`
	Name         *string `json:"name,omitempty"`
	VideoEnabled *bool   `json:"videoEnabled,omitempty"`
	AudioEnabled *bool   `json:"audioEnabled,omitempty"`
}

type PlayerStateUpdatedPayload struct {
	RoomCode string              `json:"roomCode"`
	Player   game.PlayerSnapshot `json:"player"`
}

type RouterRTPCapabilitiesRequest struct {
	RoomCode string `json:"roomCode"`
}

type RouterRTPCapabilitiesPayload struct {
	RoomCode        string                 `json:"roomCode"`
	RTPCapabilities engine.RTPCapabilities `json:"rtpCapabilities"`
}

type CreateTransportRequest struct {
	RoomCode  string           `json:"roomCode"`
	Direction engine.Direction `json:"direction"`
}

type TransportCreatedPayload struct {
	RoomCode  string                 `json:"roomCode"`
	Direction engine.Direction       `json:"direction"`
	Params    engine.TransportParams `json:"params"`
}

type ConnectTransportRequest struct {
	RoomCode    string `json:"roomCode"`
	TransportID string `json:"transportId"`
	engine.ConnectParams
}

type TransportConnectedPayload struct {
	RoomCode    string `json:"roomCode"`
	TransportID string `json:"transportId"`
}

type SetRTPCapabilitiesRequest struct {
	RoomCode        string                 `json:"roomCode"`
	RTPCapabilities engine.RTPCapabilities `json:"rtpCapabilities"`
}

type RTPCapabilitiesSetPayload struct {
	RoomCode string `json:"roomCode"`
}

type ProduceRequest struct {
	RoomCode      string               `json:"roomCode"`
	TransportID   string               `json:"transportId"`
	Kind          engine.MediaKind     `json:"kind"`
	RTPParameters engine.RTPParameters `json:"rtpParameters"`
}

type ProducedPayload struct {
	RoomCode   string `json:"roomCode"`
	ProducerID string `json:"producerId"`
}

type NewProducerPayload struct {
	RoomCode   string           `json:"roomCode"`
	ProducerID string           `json:"producerId"`
	PeerID     string           `json:"peerId"`
	Kind       engine.MediaKind `json:"kind"`
}

type ConsumeRequest struct {
	RoomCode   string `json:"roomCode"`
	ProducerID string `json:"producerId"`
}

type ConsumerCreatedPayload struct {
	RoomCode string `json:"roomCode"`
	// PeerID is the player whose media this consumer carries.
	PeerID string                `json:"peerId"`
	Params engine.ConsumerParams `json:"params"`
}

type ResumeConsumerRequest struct {
	RoomCode   string `json:"roomCode"`
	ConsumerID string `json:"consumerId"`
}

type ConsumerResumedPayload struct {
	RoomCode   string `json:"roomCode"`
	ConsumerID string `json:"consumerId"`
}

type ConsumerClosedPayload struct {
	RoomCode   string `json:"roomCode"`
	ConsumerID string `json:"consumerId"`
}

// SignalPayload is relayed between peers verbatim; the server only fills From
// and routes on To.
type SignalPayload struct {
	To   string          `json:"to"`
	From string          `json:"from,omitempty"`
	Data json.RawMessage `json:"data"`
}

type ErrorPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}
