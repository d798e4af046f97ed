package coordinator

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jaloqa/whoami-server/internals/config"
	"github.com/jaloqa/whoami-server/internals/engine"
	"github.com/jaloqa/whoami-server/internals/game"
	"github.com/jaloqa/whoami-server/internals/media"
	"github.com/jaloqa/whoami-server/internals/signaling"
)

// --- Fake sender ---

type fakeSender struct {
	mu   sync.Mutex
	sent map[string][]signaling.Message
	gone map[string]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		sent: make(map[string][]signaling.Message),
		gone: make(map[string]bool),
	}
}

func (f *fakeSender) SendToClient(clientID string, message signaling.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[clientID] {
		return false
	}
	f.sent[clientID] = append(f.sent[clientID], message)
	return true
}

func (f *fakeSender) lastOfType(t *testing.T, clientID string, msgType signaling.MessageType) signaling.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.sent[clientID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == msgType {
			return msgs[i]
		}
	}
	t.Fatalf("no %s message sent to %s", msgType, clientID)
	return signaling.Message{}
}

func (f *fakeSender) countOfType(clientID string, msgType signaling.MessageType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent[clientID] {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

func decodeAs[T any](t *testing.T, msg signaling.Message) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(msg.Data, &out))
	return out
}

// --- Fake engine (enough for the media handlers) ---

type testWorker struct{ routers int }

func (w *testWorker) ID() int { return 0 }

func (w *testWorker) CreateRouter(codecs []engine.RTPCodecCapability) (engine.Router, error) {
	w.routers++
	return &testRouter{id: fmt.Sprintf("router-%d", w.routers)}, nil
}

func (w *testWorker) Close() error { return nil }

type testRouter struct {
	id         string
	transports int
}

func (r *testRouter) ID() string { return r.id }

func (r *testRouter) RTPCapabilities() engine.RTPCapabilities {
	return engine.RTPCapabilities{Codecs: engine.DefaultCodecs()}
}

func (r *testRouter) CanConsume(producer engine.Producer, caps engine.RTPCapabilities) bool {
	return producer != nil && caps.CanDecode(producer.MimeType())
}

func (r *testRouter) CreateTransport(direction engine.Direction) (engine.Transport, error) {
	r.transports++
	return &testTransport{id: fmt.Sprintf("%s-t%d", r.id, r.transports), direction: direction}, nil
}

func (r *testRouter) Close() error { return nil }

type testTransport struct {
	id        string
	direction engine.Direction
	connected bool
	serial    int
	closedFns []func()
	closeOnce sync.Once
}

func (t *testTransport) ID() string                     { return t.id }
func (t *testTransport) Direction() engine.Direction    { return t.direction }
func (t *testTransport) Params() engine.TransportParams { return engine.TransportParams{ID: t.id} }
func (t *testTransport) OnClosed(fn func())             { t.closedFns = append(t.closedFns, fn) }

func (t *testTransport) Connect(params engine.ConnectParams) error {
	t.connected = true
	return nil
}

func (t *testTransport) Produce(kind engine.MediaKind, rtp engine.RTPParameters) (engine.Producer, error) {
	if t.direction != engine.DirectionSend {
		return nil, engine.ErrWrongDirection
	}
	mime := "audio/opus"
	if kind == engine.KindVideo {
		mime = "video/VP8"
	}
	t.serial++
	return &testProducer{id: fmt.Sprintf("%s-p%d", t.id, t.serial), kind: kind, mime: mime}, nil
}

func (t *testTransport) Consume(producer engine.Producer, caps engine.RTPCapabilities) (engine.Consumer, error) {
	if t.direction != engine.DirectionRecv {
		return nil, engine.ErrWrongDirection
	}
	t.serial++
	return &testConsumer{
		id:       fmt.Sprintf("%s-c%d", t.id, t.serial),
		producer: producer.(*testProducer),
		paused:   true,
	}, nil
}

func (t *testTransport) Close() error {
	t.closeOnce.Do(func() {
		for _, fn := range t.closedFns {
			fn()
		}
	})
	return nil
}

type testProducer struct {
	id       string
	kind     engine.MediaKind
	mime     string
	closeFns []func()
	closeOnce sync.Once
}

func (p *testProducer) ID() string             { return p.id }
func (p *testProducer) Kind() engine.MediaKind { return p.kind }
func (p *testProducer) MimeType() string       { return p.mime }
func (p *testProducer) OnClose(fn func())      { p.closeFns = append(p.closeFns, fn) }

func (p *testProducer) Close() error {
	p.closeOnce.Do(func() {
		for _, fn := range p.closeFns {
			fn()
		}
	})
	return nil
}

type testConsumer struct {
	id       string
	producer *testProducer
	paused   bool
	closeFns []func()
	closeOnce sync.Once
}

func (c *testConsumer) ID() string             { return c.id }
func (c *testConsumer) ProducerID() string     { return c.producer.id }
func (c *testConsumer) Kind() engine.MediaKind { return c.producer.kind }

func (c *testConsumer) Params() engine.ConsumerParams {
	return engine.ConsumerParams{ID: c.id, ProducerID: c.producer.id, Kind: c.producer.kind}
}

func (c *testConsumer) Paused() bool { return c.paused }

func (c *testConsumer) Resume() error {
	c.paused = false
	return nil
}

func (c *testConsumer) OnClose(fn func()) { c.closeFns = append(c.closeFns, fn) }

func (c *testConsumer) Close() error {
	c.closeOnce.Do(func() {
		for _, fn := range c.closeFns {
			fn()
		}
	})
	return nil
}

type testAllocator struct{ worker *testWorker }

func (a *testAllocator) Next() engine.Worker { return a.worker }

// --- Fixture ---

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeSender) {
	t.Helper()
	logger := zap.NewNop()
	sender := newFakeSender()

	cfg := &config.Config{}
	cfg.Game.MaxPlayers = 8
	cfg.Game.RoomCodeLength = 4
	cfg.Game.MaxNameLength = 64
	cfg.Game.RoomTTL = 24 * time.Hour

	c := &Coordinator{
		config:    cfg,
		logger:    logger,
		registry:  game.NewRegistry(cfg.Game.MaxPlayers, cfg.Game.RoomCodeLength, logger),
		send:      sender,
		sessions:  make(map[string]string),
		roomSync:  make(map[string]*sync.Mutex),
		startedAt: time.Now(),
	}
	c.graph = media.NewGraph(&testAllocator{worker: &testWorker{}}, logger)
	c.graph.OnConsumerCreated = c.handleConsumerCreated
	c.graph.OnConsumerClosed = c.handleConsumerClosed
	return c, sender
}

func send(t *testing.T, c *Coordinator, connID string, msgType signaling.MessageType, payload interface{}) {
	t.Helper()
	msg, err := signaling.NewMessage(msgType, payload)
	require.NoError(t, err)
	c.HandleMessage(connID, msg)
}

func createRoom(t *testing.T, c *Coordinator, s *fakeSender, connID, name string) string {
	t.Helper()
	send(t, c, connID, signaling.MessageTypeCreateRoom, signaling.CreateRoomRequest{Name: name})
	created := decodeAs[signaling.RoomCreatedPayload](t, s.lastOfType(t, connID, signaling.MessageTypeRoomCreated))
	require.NotEmpty(t, created.RoomCode)
	return created.RoomCode
}

func joinRoom(t *testing.T, c *Coordinator, connID, code, name string) {
	t.Helper()
	send(t, c, connID, signaling.MessageTypeJoinRoom, signaling.JoinRoomRequest{RoomCode: code, Name: name})
}

// --- Tests ---

func TestCreateRoomFlow(t *testing.T) {
	c, s := newTestCoordinator(t)

	code := createRoom(t, c, s, "conn-a", "Alice")

	created := decodeAs[signaling.RoomCreatedPayload](t, s.lastOfType(t, "conn-a", signaling.MessageTypeRoomCreated))
	assert.Equal(t, code, created.Room.Code)
	assert.Equal(t, "conn-a", created.Room.HostID)
	require.Len(t, created.Room.Players, 1)
	assert.Equal(t, "Alice", created.Room.Players[0].Name)

	bound, ok := c.roomOf("conn-a")
	assert.True(t, ok)
	assert.Equal(t, code, bound)
}

func TestJoinRoomFlow(t *testing.T) {
	c, s := newTestCoordinator(t)
	code := createRoom(t, c, s, "conn-a", "Alice")

	joinRoom(t, c, "conn-b", code, "Bob")

	success := decodeAs[signaling.JoinRoomSuccessPayload](t, s.lastOfType(t, "conn-b", signaling.MessageTypeJoinRoomSuccess))
	require.Len(t, success.Room.Players, 2)

	joined := decodeAs[signaling.PlayerJoinedPayload](t, s.lastOfType(t, "conn-a", signaling.MessageTypePlayerJoined))
	assert.Equal(t, "conn-b", joined.Player.ID)
	assert.Equal(t, "Bob", joined.Player.Name)
	assert.Equal(t, 0, s.countOfType("conn-b", signaling.MessageTypePlayerJoined), "joiner does not get their own announcement")

	// Both members converge on the same snapshot.
	for _, conn := range []string{"conn-a", "conn-b"} {
		updated := decodeAs[signaling.RoomUpdatedPayload](t, s.lastOfType(t, conn, signaling.MessageTypeRoomUpdated))
		require.Len(t, updated.Room.Players, 2)
	}
}

func TestGetRoomState(t *testing.T) {
	c, s := newTestCoordinator(t)
	code := createRoom(t, c, s, "conn-a", "Alice")
	joinRoom(t, c, "conn-b", code, "Bob")

	send(t, c, "conn-b", signaling.MessageTypeGetRoomState, signaling.GetRoomStateRequest{RoomCode: code})

	updated := decodeAs[signaling.RoomUpdatedPayload](t, s.lastOfType(t, "conn-b", signaling.MessageTypeRoomUpdated))
	assert.Equal(t, code, updated.Room.Code)
	require.Len(t, updated.Room.Players, 2)
}

func TestJoinUnknownRoom(t *testing.T) {
	c, s := newTestCoordinator(t)

	joinRoom(t, c, "conn-b", "ZZZZ", "Bob")

	errPayload := decodeAs[signaling.ErrorPayload](t, s.lastOfType(t, "conn-b", signaling.MessageTypeError))
	assert.Equal(t, string(game.ReasonRoomNotFound), errPayload.Reason)
}

func TestStartGameFlow(t *testing.T) {
	c, s := newTestCoordinator(t)
	code := createRoom(t, c, s, "conn-a", "Alice")
	joinRoom(t, c, "conn-b", code, "Bob")
	joinRoom(t, c, "conn-c", code, "Carol")

	send(t, c, "conn-b", signaling.MessageTypeStartGame, signaling.StartGameRequest{RoomCode: code})
	errPayload := decodeAs[signaling.ErrorPayload](t, s.lastOfType(t, "conn-b", signaling.MessageTypeError))
	assert.Equal(t, string(game.ReasonNotHost), errPayload.Reason)

	send(t, c, "conn-a", signaling.MessageTypeStartGame, signaling.StartGameRequest{RoomCode: code})

	for _, conn := range []string{"conn-a", "conn-b", "conn-c"} {
		started := decodeAs[signaling.GameStartedPayload](t, s.lastOfType(t, conn, signaling.MessageTypeGameStarted))
		require.Len(t, started.Assignments, 3)
		for assigner, target := range started.Assignments {
			assert.NotEqual(t, assigner, target)
		}
	}
}

func TestSetCharacterFlow(t *testing.T) {
	c, s := newTestCoordinator(t)
	code := createRoom(t, c, s, "conn-a", "Alice")
	joinRoom(t, c, "conn-b", code, "Bob")
	send(t, c, "conn-a", signaling.MessageTypeStartGame, signaling.StartGameRequest{RoomCode: code})

	started := decodeAs[signaling.GameStartedPayload](t, s.lastOfType(t, "conn-a", signaling.MessageTypeGameStarted))
	target := started.Assignments["conn-a"]
	require.Equal(t, "conn-b", target)

	// conn-b was not matched with itself, so it may not set its own character.
	send(t, c, "conn-b", signaling.MessageTypeSetCharacter, signaling.SetCharacterRequest{
		RoomCode: code, TargetID: "conn-b", Character: "Batman",
	})
	errPayload := decodeAs[signaling.ErrorPayload](t, s.lastOfType(t, "conn-b", signaling.MessageTypeError))
	assert.Equal(t, string(game.ReasonUnauthorized), errPayload.Reason)

	send(t, c, "conn-a", signaling.MessageTypeSetCharacter, signaling.SetCharacterRequest{
		RoomCode: code, TargetID: "conn-b", Character: "Batman",
	})
	for _, conn := range []string{"conn-a", "conn-b"} {
		assigned := decodeAs[signaling.CharacterAssignedPayload](t, s.lastOfType(t, conn, signaling.MessageTypeCharacterAssigned))
		assert.Equal(t, "conn-b", assigned.TargetID)
		assert.Equal(t, "Batman", assigned.Character)
		assert.Equal(t, "conn-a", assigned.By)
	}
}

func TestMembershipRequired(t *testing.T) {
	c, s := newTestCoordinator(t)
	code := createRoom(t, c, s, "conn-a", "Alice")

	// conn-b never joined; claiming the room code is not enough.
	send(t, c, "conn-b", signaling.MessageTypeStartGame, signaling.StartGameRequest{RoomCode: code})
	errPayload := decodeAs[signaling.ErrorPayload](t, s.lastOfType(t, "conn-b", signaling.MessageTypeError))
	assert.Equal(t, string(game.ReasonRoomNotFound), errPayload.Reason)
}

func TestDisconnectMigratesHost(t *testing.T) {
	c, s := newTestCoordinator(t)
	code := createRoom(t, c, s, "conn-a", "Alice")
	joinRoom(t, c, "conn-b", code, "Bob")

	c.handleDisconnect("conn-a")

	left := decodeAs[signaling.PlayerLeftPayload](t, s.lastOfType(t, "conn-b", signaling.MessageTypePlayerLeft))
	assert.Equal(t, "conn-a", left.PlayerID)
	assert.Equal(t, "conn-b", left.NewHostID)

	_, ok := c.roomOf("conn-a")
	assert.False(t, ok)
}

func TestLastLeaverDeletesRoom(t *testing.T) {
	c, s := newTestCoordinator(t)
	code := createRoom(t, c, s, "conn-a", "Alice")

	send(t, c, "conn-a", signaling.MessageTypeLeaveRoom, signaling.LeaveRoomRequest{RoomCode: code})

	send(t, c, "conn-b", signaling.MessageTypeJoinRoom, signaling.JoinRoomRequest{RoomCode: code, Name: "Bob"})
	errPayload := decodeAs[signaling.ErrorPayload](t, s.lastOfType(t, "conn-b", signaling.MessageTypeError))
	assert.Equal(t, string(game.ReasonRoomNotFound), errPayload.Reason)
}

func TestConnectUnknownTransport(t *testing.T) {
	c, s := newTestCoordinator(t)
	code := createRoom(t, c, s, "conn-a", "Alice")
	send(t, c, "conn-a", signaling.MessageTypeCreateTransport, signaling.CreateTransportRequest{RoomCode: code, Direction: engine.DirectionSend})

	send(t, c, "conn-a", signaling.MessageTypeConnectTransport, signaling.ConnectTransportRequest{RoomCode: code, TransportID: "nope"})

	errPayload := decodeAs[signaling.ErrorPayload](t, s.lastOfType(t, "conn-a", signaling.MessageTypeError))
	assert.Equal(t, string(game.ReasonNotFound), errPayload.Reason, "a bad id is not a capability problem")
}

// Concurrent mutators of one room must never deliver an older snapshot after
// a newer one; the last room-updated each member sees is the final state.
func TestRoomUpdatedFollowsMutationOrder(t *testing.T) {
	c, s := newTestCoordinator(t)
	code := createRoom(t, c, s, "conn-a", "Alice")
	joinRoom(t, c, "conn-b", code, "Bob")

	msgs := make([]signaling.Message, 32)
	for i := range msgs {
		name := fmt.Sprintf("Alice-%d", i)
		msg, err := signaling.NewMessage(signaling.MessageTypeUpdatePlayerState, signaling.UpdatePlayerStateRequest{
			RoomCode: code,
			Name:     &name,
		})
		require.NoError(t, err)
		msgs[i] = msg
	}

	var wg sync.WaitGroup
	for i := range msgs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.HandleMessage("conn-a", msgs[i])
		}(i)
	}
	wg.Wait()

	snap, err := c.registry.Snapshot(code)
	require.NoError(t, err)
	for _, conn := range []string{"conn-a", "conn-b"} {
		last := decodeAs[signaling.RoomUpdatedPayload](t, s.lastOfType(t, conn, signaling.MessageTypeRoomUpdated))
		assert.Equal(t, snap.Players[0].Name, last.Room.Players[0].Name)
	}
}

func TestReaperEvictsExpiredRooms(t *testing.T) {
	c, s := newTestCoordinator(t)
	code := createRoom(t, c, s, "conn-a", "Alice")

	c.sweepExpired(time.Now().Add(time.Hour))
	_, ok := c.roomOf("conn-a")
	assert.True(t, ok, "young room survives the sweep")

	c.sweepExpired(time.Now().Add(25 * time.Hour))

	expired := decodeAs[signaling.RoomExpiredPayload](t, s.lastOfType(t, "conn-a", signaling.MessageTypeRoomExpired))
	assert.Equal(t, code, expired.RoomCode)
	_, ok = c.roomOf("conn-a")
	assert.False(t, ok, "session unbound after eviction")
}

func TestSignalRelay(t *testing.T) {
	c, s := newTestCoordinator(t)
	code := createRoom(t, c, s, "conn-a", "Alice")
	joinRoom(t, c, "conn-b", code, "Bob")

	blob := json.RawMessage(`{"sdp":"v=0..."}`)
	send(t, c, "conn-a", signaling.MessageTypeSignal, signaling.SignalPayload{To: "conn-b", Data: blob})

	relayed := decodeAs[signaling.SignalPayload](t, s.lastOfType(t, "conn-b", signaling.MessageTypeSignal))
	assert.Equal(t, "conn-a", relayed.From)
	assert.JSONEq(t, string(blob), string(relayed.Data))
}

func TestSignalToUnavailablePeer(t *testing.T) {
	c, s := newTestCoordinator(t)
	code := createRoom(t, c, s, "conn-a", "Alice")
	joinRoom(t, c, "conn-b", code, "Bob")

	send(t, c, "conn-a", signaling.MessageTypeSignal, signaling.SignalPayload{To: "conn-z", Data: json.RawMessage(`{}`)})
	errPayload := decodeAs[signaling.ErrorPayload](t, s.lastOfType(t, "conn-a", signaling.MessageTypeError))
	assert.Equal(t, string(game.ReasonPeerUnavailable), errPayload.Reason)

	// Target still registered in the room but its connection is gone.
	s.mu.Lock()
	s.gone["conn-b"] = true
	s.mu.Unlock()
	send(t, c, "conn-a", signaling.MessageTypeSignal, signaling.SignalPayload{To: "conn-b", Data: json.RawMessage(`{}`)})
	errPayload = decodeAs[signaling.ErrorPayload](t, s.lastOfType(t, "conn-a", signaling.MessageTypeError))
	assert.Equal(t, string(game.ReasonPeerUnavailable), errPayload.Reason)
}

func TestMediaFlowOverHandlers(t *testing.T) {
	c, s := newTestCoordinator(t)
	code := createRoom(t, c, s, "conn-a", "Alice")
	joinRoom(t, c, "conn-b", code, "Bob")

	send(t, c, "conn-a", signaling.MessageTypeGetRouterRTPCapabilities, signaling.RouterRTPCapabilitiesRequest{RoomCode: code})
	caps := decodeAs[signaling.RouterRTPCapabilitiesPayload](t, s.lastOfType(t, "conn-a", signaling.MessageTypeRouterRTPCapabilities))
	require.NotEmpty(t, caps.RTPCapabilities.Codecs)

	for _, conn := range []string{"conn-a", "conn-b"} {
		send(t, c, conn, signaling.MessageTypeCreateTransport, signaling.CreateTransportRequest{RoomCode: code, Direction: engine.DirectionSend})
		send(t, c, conn, signaling.MessageTypeCreateTransport, signaling.CreateTransportRequest{RoomCode: code, Direction: engine.DirectionRecv})
		send(t, c, conn, signaling.MessageTypeSetRTPCapabilities, signaling.SetRTPCapabilitiesRequest{
			RoomCode:        code,
			RTPCapabilities: caps.RTPCapabilities,
		})
	}

	sendTransport := decodeAs[signaling.TransportCreatedPayload](t, s.sent["conn-a"][len(s.sent["conn-a"])-3])
	require.Equal(t, engine.DirectionSend, sendTransport.Direction)

	send(t, c, "conn-a", signaling.MessageTypeConnectTransport, signaling.ConnectTransportRequest{
		RoomCode:    code,
		TransportID: sendTransport.Params.ID,
	})
	send(t, c, "conn-a", signaling.MessageTypeProduce, signaling.ProduceRequest{
		RoomCode:    code,
		TransportID: sendTransport.Params.ID,
		Kind:        engine.KindVideo,
	})

	produced := decodeAs[signaling.ProducedPayload](t, s.lastOfType(t, "conn-a", signaling.MessageTypeProduced))
	require.NotEmpty(t, produced.ProducerID)

	announced := decodeAs[signaling.NewProducerPayload](t, s.lastOfType(t, "conn-b", signaling.MessageTypeNewProducer))
	assert.Equal(t, produced.ProducerID, announced.ProducerID)
	assert.Equal(t, "conn-a", announced.PeerID)

	// The fan-out consumer arrives without conn-b asking for it.
	created := decodeAs[signaling.ConsumerCreatedPayload](t, s.lastOfType(t, "conn-b", signaling.MessageTypeConsumerCreated))
	assert.Equal(t, produced.ProducerID, created.Params.ProducerID)
	assert.Equal(t, "conn-a", created.PeerID)

	send(t, c, "conn-b", signaling.MessageTypeResumeConsumer, signaling.ResumeConsumerRequest{
		RoomCode:   code,
		ConsumerID: created.Params.ID,
	})
	resumed := decodeAs[signaling.ConsumerResumedPayload](t, s.lastOfType(t, "conn-b", signaling.MessageTypeConsumerResumed))
	assert.Equal(t, created.Params.ID, resumed.ConsumerID)
}
