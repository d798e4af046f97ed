package media

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/jaloqa/whoami-server/internals/engine"
	"github.com/jaloqa/whoami-server/internals/metrics"
)

var (
	ErrRoomNotFound      = errors.New("media: room not found")
	ErrPeerNotFound      = errors.New("media: peer not found")
	ErrTransportNotFound = errors.New("media: transport not found")
	ErrProducerNotFound  = errors.New("media: producer not found")
	ErrConsumerNotFound  = errors.New("media: consumer not found")
	ErrNoRecvTransport   = errors.New("media: peer has no receive transport")
	ErrNoCapabilities    = errors.New("media: peer has not declared rtp capabilities")
	ErrCannotConsume     = errors.New("media: capabilities cannot consume producer")
)

// Allocator hands out workers for new routers. *engine.Pool satisfies it.
type Allocator interface {
	Next() engine.Worker
}

// Graph owns the media side of every room: one router per room, per-peer
// transports, and the producer/consumer edges between peers. It is linked to
// the game side only by room code and player ID strings.
//
// Locking rule: g.mu is never held across an engine call. Handles are resolved
// under the lock, the engine call runs unlocked, and results are recorded
// under the lock again with a liveness re-check.
type Graph struct {
	mu    sync.RWMutex
	pool  Allocator
	rooms map[string]*mediaRoom

	logger *zap.Logger

	// OnConsumerCreated fires for consumers the graph creates on its own when a
	// producer appears or a peer declares capabilities, not for client-requested
	// ones. OnConsumerClosed fires for every consumer teardown.
	OnConsumerCreated func(roomCode, peerID, producerPeerID string, params engine.ConsumerParams)
	OnConsumerClosed  func(roomCode, peerID, consumerID string)
}

type mediaRoom struct {
	code   string
	router engine.Router
	peers  map[string]*mediaPeer

	// producers is room-global so any peer can consume any other peer's media.
	producers map[string]*producerEntry
}

type producerEntry struct {
	producer engine.Producer
	ownerID  string
}

type mediaPeer struct {
	id            string
	caps          *engine.RTPCapabilities
	transports    map[string]engine.Transport
	recvTransport engine.Transport
	consumers     map[string]engine.Consumer
}

func NewGraph(pool Allocator, logger *zap.Logger) *Graph {
	return &Graph{
		pool:   pool,
		rooms:  make(map[string]*mediaRoom),
		logger: logger,
	}
}

// EnsureRoom creates the room's router on the next worker if it does not
// already exist and returns the router capabilities. Idempotent.
func (g *Graph) EnsureRoom(code string) (engine.RTPCapabilities, error) {
	g.mu.RLock()
	if room, ok := g.rooms[code]; ok {
		caps := room.router.RTPCapabilities()
		g.mu.RUnlock()
		return caps, nil
	}
	g.mu.RUnlock()

	worker := g.pool.Next()
	router, err := worker.CreateRouter(nil)
	if err != nil {
		return engine.RTPCapabilities{}, fmt.Errorf("create router: %w", err)
	}

	g.mu.Lock()
	if existing, ok := g.rooms[code]; ok {
		// Lost the race; discard ours.
		g.mu.Unlock()
		router.Close()
		return existing.router.RTPCapabilities(), nil
	}
	g.rooms[code] = &mediaRoom{
		code:      code,
		router:    router,
		peers:     make(map[string]*mediaPeer),
		producers: make(map[string]*producerEntry),
	}
	g.mu.Unlock()

	metrics.MediaRooms.Inc()
	g.logger.Info("Media room created",
		zap.String("roomCode", code),
		zap.String("routerID", router.ID()),
		zap.Int("workerID", worker.ID()),
	)
	return router.RTPCapabilities(), nil
}

// RouterCapabilities returns the codec set the room's router supports.
func (g *Graph) RouterCapabilities(code string) (engine.RTPCapabilities, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	room, ok := g.rooms[code]
	if !ok {
		return engine.RTPCapabilities{}, ErrRoomNotFound
	}
	return room.router.RTPCapabilities(), nil
}

func (g *Graph) ensurePeerLocked(room *mediaRoom, peerID string) *mediaPeer {
	p, ok := room.peers[peerID]
	if !ok {
		p = &mediaPeer{
			id:         peerID,
			transports: make(map[string]engine.Transport),
			consumers:  make(map[string]engine.Consumer),
		}
		room.peers[peerID] = p
		metrics.MediaPeers.Inc()
	}
	return p
}

// CreateTransport allocates a send or receive transport for the peer and
// returns the parameters the client needs to connect to it.
func (g *Graph) CreateTransport(code, peerID string, direction engine.Direction) (engine.TransportParams, error) {
	g.mu.Lock()
	room, ok := g.rooms[code]
	if !ok {
		g.mu.Unlock()
		return engine.TransportParams{}, ErrRoomNotFound
	}
	g.ensurePeerLocked(room, peerID)
	router := room.router
	g.mu.Unlock()

	transport, err := router.CreateTransport(direction)
	if err != nil {
		return engine.TransportParams{}, fmt.Errorf("create transport: %w", err)
	}

	g.mu.Lock()
	room, ok = g.rooms[code]
	if !ok {
		g.mu.Unlock()
		transport.Close()
		return engine.TransportParams{}, ErrRoomNotFound
	}
	peer, ok := room.peers[peerID]
	if !ok {
		g.mu.Unlock()
		transport.Close()
		return engine.TransportParams{}, ErrPeerNotFound
	}
	peer.transports[transport.ID()] = transport
	if direction == engine.DirectionRecv {
		peer.recvTransport = transport
	}
	g.mu.Unlock()

	transportID := transport.ID()
	transport.OnClosed(func() {
		g.dropTransport(code, peerID, transportID)
	})

	g.logger.Debug("Transport created",
		zap.String("roomCode", code),
		zap.String("peerID", peerID),
		zap.String("transportID", transportID),
		zap.String("direction", string(direction)),
	)
	return transport.Params(), nil
}

func (g *Graph) dropTransport(code, peerID, transportID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[code]
	if !ok {
		return
	}
	peer, ok := room.peers[peerID]
	if !ok {
		return
	}
	delete(peer.transports, transportID)
	if peer.recvTransport != nil && peer.recvTransport.ID() == transportID {
		peer.recvTransport = nil
	}
}

// ConnectTransport completes the ICE/DTLS handshake for a transport.
func (g *Graph) ConnectTransport(code, peerID, transportID string, params engine.ConnectParams) error {
	g.mu.RLock()
	transport, err := g.findTransportLocked(code, peerID, transportID)
	g.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := transport.Connect(params); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	g.logger.Debug("Transport connected",
		zap.String("roomCode", code),
		zap.String("peerID", peerID),
		zap.String("transportID", transportID),
	)
	return nil
}

func (g *Graph) findTransportLocked(code, peerID, transportID string) (engine.Transport, error) {
	room, ok := g.rooms[code]
	if !ok {
		return nil, ErrRoomNotFound
	}
	peer, ok := room.peers[peerID]
	if !ok {
		return nil, ErrPeerNotFound
	}
	transport, ok := peer.transports[transportID]
	if !ok {
		return nil, ErrTransportNotFound
	}
	return transport, nil
}

// SetRTPCapabilities records what the peer's client can decode, then catches
// the peer up with a paused consumer for every producer already in the room.
func (g *Graph) SetRTPCapabilities(code, peerID string, caps engine.RTPCapabilities) error {
	g.mu.Lock()
	room, ok := g.rooms[code]
	if !ok {
		g.mu.Unlock()
		return ErrRoomNotFound
	}
	peer := g.ensurePeerLocked(room, peerID)
	peer.caps = &caps

	existing := make([]*producerEntry, 0, len(room.producers))
	for _, entry := range room.producers {
		if entry.ownerID != peerID {
			existing = append(existing, entry)
		}
	}
	g.mu.Unlock()

	for _, entry := range existing {
		if err := g.fanOutTo(code, peerID, entry); err != nil {
			metrics.ConsumerFanOutFailuresTotal.Inc()
			g.logger.Warn("Catch-up consume failed",
				zap.String("roomCode", code),
				zap.String("peerID", peerID),
				zap.String("producerID", entry.producer.ID()),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Produce starts receiving media from the peer on its send transport and fans
// the new producer out to every other peer that is ready to consume. Fan-out
// is best effort: a peer that cannot consume yet picks the producer up later
// via SetRTPCapabilities or an explicit Consume.
func (g *Graph) Produce(code, peerID, transportID string, kind engine.MediaKind, rtpParams engine.RTPParameters) (string, error) {
	g.mu.RLock()
	transport, err := g.findTransportLocked(code, peerID, transportID)
	g.mu.RUnlock()
	if err != nil {
		return "", err
	}

	producer, err := transport.Produce(kind, rtpParams)
	if err != nil {
		return "", fmt.Errorf("produce: %w", err)
	}

	entry := &producerEntry{producer: producer, ownerID: peerID}

	g.mu.Lock()
	room, ok := g.rooms[code]
	if !ok || room.peers[peerID] == nil {
		g.mu.Unlock()
		producer.Close()
		return "", ErrRoomNotFound
	}
	room.producers[producer.ID()] = entry
	targets := make([]string, 0, len(room.peers))
	for id := range room.peers {
		if id != peerID {
			targets = append(targets, id)
		}
	}
	g.mu.Unlock()

	metrics.ActiveProducers.Inc()
	producerID := producer.ID()
	producer.OnClose(func() {
		metrics.ActiveProducers.Dec()
		g.mu.Lock()
		if r, ok := g.rooms[code]; ok {
			delete(r.producers, producerID)
		}
		g.mu.Unlock()
	})

	g.logger.Info("Producer created",
		zap.String("roomCode", code),
		zap.String("peerID", peerID),
		zap.String("producerID", producerID),
		zap.String("kind", string(kind)),
	)

	for _, target := range targets {
		if err := g.fanOutTo(code, target, entry); err != nil {
			metrics.ConsumerFanOutFailuresTotal.Inc()
			g.logger.Debug("Fan-out skipped",
				zap.String("roomCode", code),
				zap.String("targetPeerID", target),
				zap.String("producerID", producerID),
				zap.Error(err),
			)
		}
	}
	return producerID, nil
}

// fanOutTo creates a server-initiated paused consumer on the target peer and
// announces it through OnConsumerCreated.
func (g *Graph) fanOutTo(code, targetPeerID string, entry *producerEntry) error {
	params, err := g.consume(code, targetPeerID, entry)
	if err != nil {
		return err
	}
	if g.OnConsumerCreated != nil {
		g.OnConsumerCreated(code, targetPeerID, entry.ownerID, params)
	}
	return nil
}

// Consume creates a consumer on the peer's receive transport for the given
// producer, in response to an explicit client request.
func (g *Graph) Consume(code, peerID, producerID string) (engine.ConsumerParams, string, error) {
	g.mu.RLock()
	room, ok := g.rooms[code]
	if !ok {
		g.mu.RUnlock()
		return engine.ConsumerParams{}, "", ErrRoomNotFound
	}
	entry, ok := room.producers[producerID]
	g.mu.RUnlock()
	if !ok {
		return engine.ConsumerParams{}, "", ErrProducerNotFound
	}

	params, err := g.consume(code, peerID, entry)
	if err != nil {
		return engine.ConsumerParams{}, "", err
	}
	return params, entry.ownerID, nil
}

func (g *Graph) consume(code, peerID string, entry *producerEntry) (engine.ConsumerParams, error) {
	g.mu.RLock()
	room, ok := g.rooms[code]
	if !ok {
		g.mu.RUnlock()
		return engine.ConsumerParams{}, ErrRoomNotFound
	}
	peer, ok := room.peers[peerID]
	if !ok {
		g.mu.RUnlock()
		return engine.ConsumerParams{}, ErrPeerNotFound
	}
	transport := peer.recvTransport
	caps := peer.caps
	router := room.router
	g.mu.RUnlock()

	if transport == nil {
		return engine.ConsumerParams{}, ErrNoRecvTransport
	}
	if caps == nil {
		return engine.ConsumerParams{}, ErrNoCapabilities
	}
	if !router.CanConsume(entry.producer, *caps) {
		return engine.ConsumerParams{}, ErrCannotConsume
	}

	consumer, err := transport.Consume(entry.producer, *caps)
	if err != nil {
		return engine.ConsumerParams{}, fmt.Errorf("consume: %w", err)
	}

	g.mu.Lock()
	room, ok = g.rooms[code]
	if !ok || room.peers[peerID] == nil {
		g.mu.Unlock()
		consumer.Close()
		return engine.ConsumerParams{}, ErrPeerNotFound
	}
	room.peers[peerID].consumers[consumer.ID()] = consumer
	g.mu.Unlock()

	metrics.ActiveConsumers.Inc()
	consumerID := consumer.ID()
	consumer.OnClose(func() {
		metrics.ActiveConsumers.Dec()
		g.mu.Lock()
		if r, ok := g.rooms[code]; ok {
			if p, ok := r.peers[peerID]; ok {
				delete(p.consumers, consumerID)
			}
		}
		g.mu.Unlock()
		if g.OnConsumerClosed != nil {
			g.OnConsumerClosed(code, peerID, consumerID)
		}
	})

	g.logger.Debug("Consumer created",
		zap.String("roomCode", code),
		zap.String("peerID", peerID),
		zap.String("consumerID", consumerID),
		zap.String("producerID", entry.producer.ID()),
	)
	return consumer.Params(), nil
}

// ResumeConsumer unpauses a consumer; media starts flowing only after this.
func (g *Graph) ResumeConsumer(code, peerID, consumerID string) error {
	g.mu.RLock()
	room, ok := g.rooms[code]
	if !ok {
		g.mu.RUnlock()
		return ErrRoomNotFound
	}
	peer, ok := room.peers[peerID]
	if !ok {
		g.mu.RUnlock()
		return ErrPeerNotFound
	}
	consumer, ok := peer.consumers[consumerID]
	g.mu.RUnlock()
	if !ok {
		return ErrConsumerNotFound
	}
	if err := consumer.Resume(); err != nil {
		return fmt.Errorf("resume consumer: %w", err)
	}
	g.logger.Debug("Consumer resumed",
		zap.String("roomCode", code),
		zap.String("peerID", peerID),
		zap.String("consumerID", consumerID),
	)
	return nil
}

// RemovePeer tears down everything the peer owns. Closing its send transports
// closes its producers, which cascades into every consumer other peers hold on
// them; those teardowns surface through OnConsumerClosed. When the last peer
// leaves, the room's router is released back to its worker.
func (g *Graph) RemovePeer(code, peerID string) {
	g.mu.Lock()
	room, ok := g.rooms[code]
	if !ok {
		g.mu.Unlock()
		return
	}
	peer, ok := room.peers[peerID]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(room.peers, peerID)
	transports := make([]engine.Transport, 0, len(peer.transports))
	for _, t := range peer.transports {
		transports = append(transports, t)
	}
	empty := len(room.peers) == 0
	var router engine.Router
	if empty {
		router = room.router
		delete(g.rooms, code)
	}
	g.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	metrics.MediaPeers.Dec()

	if empty {
		router.Close()
		metrics.MediaRooms.Dec()
		g.logger.Info("Media room released",
			zap.String("roomCode", code),
			zap.String("lastPeerID", peerID),
		)
	} else {
		g.logger.Debug("Media peer removed",
			zap.String("roomCode", code),
			zap.String("peerID", peerID),
		)
	}
}

// CloseRoom force-releases a room, e.g. when the reaper evicts it.
func (g *Graph) CloseRoom(code string) {
	g.mu.Lock()
	room, ok := g.rooms[code]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.rooms, code)
	peerCount := len(room.peers)
	g.mu.Unlock()

	room.router.Close()
	metrics.MediaRooms.Dec()
	for i := 0; i < peerCount; i++ {
		metrics.MediaPeers.Dec()
	}
	g.logger.Info("Media room closed", zap.String("roomCode", code))
}

// Stats reports per-room media counts for the ops API.
func (g *Graph) Stats() map[string]map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]map[string]int, len(g.rooms))
	for code, room := range g.rooms {
		consumers := 0
		for _, p := range room.peers {
			consumers += len(p.consumers)
		}
		out[code] = map[string]int{
			"peers":     len(room.peers),
			"producers": len(room.producers),
			"consumers": consumers,
		}
	}
	return out
}
