package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jaloqa/whoami-server/internals/config"
	"github.com/jaloqa/whoami-server/internals/engine"
	"github.com/jaloqa/whoami-server/internals/game"
	"github.com/jaloqa/whoami-server/internals/media"
	"github.com/jaloqa/whoami-server/internals/metrics"
	"github.com/jaloqa/whoami-server/internals/signaling"
	"github.com/jaloqa/whoami-server/internals/utils"
)

// Messenger delivers a message to one connection. *signaling.Hub satisfies it;
// tests swap in a recorder.
type Messenger interface {
	SendToClient(clientID string, message signaling.Message) bool
}

// Coordinator ties the game registry, the media graph, and the signaling hub
// together. Each websocket connection is one player; the connection ID is the
// player ID and the media peer ID.
type Coordinator struct {
	config *config.Config
	logger *zap.Logger

	registry *game.Registry
	graph    *media.Graph
	pool     *engine.Pool

	hub    *signaling.Hub
	send   Messenger
	mirror *signaling.Mirror

	httpServer *http.Server
	startedAt  time.Time

	// sessions maps a connection to the one room it is in.
	sessions   map[string]string
	sessionsMu sync.RWMutex

	// roomSync holds one mutex per room, serializing snapshot+broadcast so
	// every client observes room-updated events in mutation order.
	roomSync   map[string]*sync.Mutex
	roomSyncMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg *config.Config) (*Coordinator, error) {
	logger := utils.GetLogger()
	ctx, cancel := context.WithCancel(context.Background())

	workers, err := engine.NewWorkers(engine.WorkerOptions{
		RTCMinPort:     cfg.WebRTC.RTCMinPort,
		PortsPerWorker: cfg.WebRTC.PortsPerWorker,
		PublicIP:       cfg.WebRTC.PublicIP,
		ICEServers:     iceServersFromConfig(cfg.WebRTC.ICEServers),
	}, cfg.WebRTC.WorkerCount, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create media workers: %w", err)
	}

	pool, err := engine.NewPool(workers, logger)
	if err != nil {
		cancel()
		return nil, err
	}
	// A dead worker silently breaks every router bound to it. Restarting is the
	// only sane recovery.
	pool.OnFatal = func(workerID int, err error) {
		logger.Fatal("Media worker died, exiting",
			zap.Int("workerID", workerID),
			zap.Error(err),
		)
	}

	c := &Coordinator{
		config:    cfg,
		logger:    logger,
		registry:  game.NewRegistry(cfg.Game.MaxPlayers, cfg.Game.RoomCodeLength, logger),
		pool:      pool,
		sessions:  make(map[string]string),
		roomSync:  make(map[string]*sync.Mutex),
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	c.graph = media.NewGraph(pool, logger)
	c.graph.OnConsumerCreated = c.handleConsumerCreated
	c.graph.OnConsumerClosed = c.handleConsumerClosed

	c.hub = signaling.NewHub(signaling.Options{
		ReadLimit:       cfg.Signaling.ReadLimit,
		WriteTimeout:    cfg.Signaling.WriteTimeout,
		PongTimeout:     cfg.Signaling.PongTimeout,
		PingInterval:    cfg.Signaling.PingInterval,
		SendBuffer:      cfg.Signaling.SendBuffer,
		RateLimitPerSec: cfg.Signaling.RateLimitPerSec,
		RateLimitBurst:  cfg.Signaling.RateLimitBurst,
	}, logger)
	c.send = c.hub
	c.hub.OnClientConnected = c.handleClientConnected
	c.hub.OnClientMessage = func(client *signaling.Client, msg signaling.Message) {
		c.HandleMessage(client.ID, msg)
	}
	c.hub.OnClientDisconnect = func(client *signaling.Client) {
		c.handleDisconnect(client.ID)
	}

	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn("Redis unreachable, running without room mirror", zap.Error(err))
		} else {
			c.mirror = signaling.NewMirror(redisClient, logger)
		}
		pingCancel()
	}

	return c, nil
}

func iceServersFromConfig(servers []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

func (c *Coordinator) Start() error {
	c.logger.Info("Starting server",
		zap.String("host", c.config.Server.Host),
		zap.Int("port", c.config.Server.Port),
		zap.Int("mediaWorkers", c.pool.Size()),
	)

	go c.hub.Run()
	go c.reaperLoop()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", c.hub.HandleWebSocket)
	mux.HandleFunc("/health", c.handleHealth)
	mux.HandleFunc("/api/rooms", c.corsMiddleware(c.handleRoomsAPI))
	mux.HandleFunc("/api/rooms/", c.corsMiddleware(c.handleRoomAPI))

	if c.config.Metrics.Enabled {
		mux.Handle(c.config.Metrics.Path, promhttp.Handler())
	}

	c.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", c.config.Server.Host, c.config.Server.Port),
		Handler:      mux,
		ReadTimeout:  c.config.Server.ReadTimeout,
		WriteTimeout: c.config.Server.WriteTimeout,
	}

	go func() {
		<-c.ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), c.config.Server.ShutdownTimeout)
		defer shutdownCancel()
		c.httpServer.Shutdown(shutdownCtx)
	}()

	c.logger.Info("Server started")
	return c.httpServer.ListenAndServe()
}

func (c *Coordinator) Stop() {
	c.logger.Info("Stopping server")
	c.mirror.Close()
	c.pool.Close()
	c.cancel()
}

// reaperLoop evicts rooms that outlived the TTL, media side included.
func (c *Coordinator) reaperLoop() {
	interval := c.config.Game.ReaperInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sweepExpired(time.Now())
		}
	}
}

// sweepExpired evicts rooms older than the TTL, tears down their media rooms,
// and tells every bound connection the room is gone before unbinding it.
func (c *Coordinator) sweepExpired(now time.Time) {
	for _, code := range c.registry.CleanupExpired(now, c.config.Game.RoomTTL) {
		c.graph.CloseRoom(code)
		for _, connID := range c.dropSessionsForRoom(code) {
			c.reply(connID, signaling.MessageTypeRoomExpired, signaling.RoomExpiredPayload{RoomCode: code})
		}
		c.releaseRoomSync(code)
		c.mirror.PublishClosed(code)
	}
}

func (c *Coordinator) handleClientConnected(client *signaling.Client) {
	c.reply(client.ID, signaling.MessageTypeConnected, signaling.ConnectedPayload{
		PlayerID: client.ID,
	})
}

// HandleMessage dispatches one inbound message for the given connection.
func (c *Coordinator) HandleMessage(connID string, message signaling.Message) {
	switch message.Type {
	case signaling.MessageTypeCreateRoom:
		c.handleCreateRoom(connID, message)
	case signaling.MessageTypeJoinRoom:
		c.handleJoinRoom(connID, message)
	case signaling.MessageTypeStartGame:
		c.handleStartGame(connID, message)
	case signaling.MessageTypeSetCharacter:
		c.handleSetCharacter(connID, message)
	case signaling.MessageTypeLeaveRoom:
		c.handleLeaveRoom(connID, message)
	case signaling.MessageTypeGetRoomState:
		c.handleGetRoomState(connID, message)
	case signaling.MessageTypeUpdatePlayerState:
		c.handleUpdatePlayerState(connID, message)
	case signaling.MessageTypeGetRouterRTPCapabilities:
		c.handleGetRouterRTPCapabilities(connID, message)
	case signaling.MessageTypeCreateTransport:
		c.handleCreateTransport(connID, message)
	case signaling.MessageTypeConnectTransport:
		c.handleConnectTransport(connID, message)
	case signaling.MessageTypeSetRTPCapabilities:
		c.handleSetRTPCapabilities(connID, message)
	case signaling.MessageTypeProduce:
		c.handleProduce(connID, message)
	case signaling.MessageTypeConsume:
		c.handleConsume(connID, message)
	case signaling.MessageTypeResumeConsumer:
		c.handleResumeConsumer(connID, message)
	case signaling.MessageTypeSignal:
		c.handleSignal(connID, message)
	default:
		c.logger.Debug("Unknown message type", zap.String("type", string(message.Type)))
	}
}

func (c *Coordinator) handleDisconnect(connID string) {
	code, ok := c.roomOf(connID)
	if !ok {
		return
	}
	c.leaveRoom(connID, code)
}

// --- Sessions ---

func (c *Coordinator) roomOf(connID string) (string, bool) {
	c.sessionsMu.RLock()
	defer c.sessionsMu.RUnlock()
	code, ok := c.sessions[connID]
	return code, ok
}

func (c *Coordinator) bindSession(connID, code string) {
	c.sessionsMu.Lock()
	c.sessions[connID] = code
	c.sessionsMu.Unlock()
}

func (c *Coordinator) dropSession(connID string) {
	c.sessionsMu.Lock()
	delete(c.sessions, connID)
	c.sessionsMu.Unlock()
}

func (c *Coordinator) dropSessionsForRoom(code string) []string {
	c.sessionsMu.Lock()
	var dropped []string
	for connID, bound := range c.sessions {
		if bound == code {
			dropped = append(dropped, connID)
			delete(c.sessions, connID)
		}
	}
	c.sessionsMu.Unlock()
	return dropped
}

// requireMembership checks the connection is actually in the room it claims.
func (c *Coordinator) requireMembership(connID, code string) error {
	bound, ok := c.roomOf(connID)
	if !ok || code == "" {
		return game.NewError(game.ReasonRoomNotFound, "you are not in a room")
	}
	if bound != code {
		return game.NewError(game.ReasonUnauthorized, "you are not in that room")
	}
	return nil
}

// --- Outbound helpers ---

func (c *Coordinator) reply(connID string, t signaling.MessageType, payload interface{}) {
	msg, err := signaling.NewMessage(t, payload)
	if err != nil {
		c.logger.Error("Failed to build message",
			zap.String("type", string(t)),
			zap.Error(err),
		)
		return
	}
	c.send.SendToClient(connID, msg)
}

func (c *Coordinator) broadcastToRoom(code string, t signaling.MessageType, payload interface{}, excludeID string) {
	msg, err := signaling.NewMessage(t, payload)
	if err != nil {
		c.logger.Error("Failed to build broadcast",
			zap.String("type", string(t)),
			zap.Error(err),
		)
		return
	}
	for _, id := range c.registry.PlayerIDs(code) {
		if id == excludeID {
			continue
		}
		c.send.SendToClient(id, msg)
	}
}

func (c *Coordinator) sendError(connID string, err error) {
	reason := errorReason(err)
	payload, merr := json.Marshal(signaling.ErrorPayload{
		Reason:  string(reason),
		Message: err.Error(),
	})
	if merr != nil {
		return
	}
	metrics.RecordErrorReply(string(reason))
	c.send.SendToClient(connID, signaling.Message{
		Type:      signaling.MessageTypeError,
		Data:      payload,
		Timestamp: time.Now(),
	})
}

// errorReason maps game and media errors onto the wire reason codes. Absent
// resources are not-found; cannot-consume is reserved for capability and
// transport-readiness mismatches.
func errorReason(err error) game.Reason {
	switch {
	case errors.Is(err, media.ErrRoomNotFound):
		return game.ReasonRoomNotFound
	case errors.Is(err, media.ErrPeerNotFound):
		return game.ReasonPlayerNotFound
	case errors.Is(err, media.ErrTransportNotFound),
		errors.Is(err, media.ErrProducerNotFound),
		errors.Is(err, media.ErrConsumerNotFound):
		return game.ReasonNotFound
	case errors.Is(err, media.ErrNoRecvTransport),
		errors.Is(err, media.ErrNoCapabilities),
		errors.Is(err, media.ErrCannotConsume):
		return game.ReasonCannotConsume
	}
	return game.ReasonOf(err)
}

// syncRoom broadcasts a fresh room-updated snapshot to every player in the
// room and mirrors it to Redis. Every room-mutating event ends here. The
// per-room lock makes snapshot and enqueue atomic: without it, a mutator could
// enqueue an older snapshot after a concurrent mutator already enqueued a
// newer one, reordering the room's event stream.
func (c *Coordinator) syncRoom(code string) {
	mu := c.roomSyncLock(code)
	mu.Lock()
	defer mu.Unlock()

	snap, err := c.registry.Snapshot(code)
	if err != nil {
		return
	}
	c.broadcastToRoom(code, signaling.MessageTypeRoomUpdated, signaling.RoomUpdatedPayload{Room: *snap}, "")
	c.mirror.PublishSnapshot(code, *snap)
}

func (c *Coordinator) roomSyncLock(code string) *sync.Mutex {
	c.roomSyncMu.Lock()
	defer c.roomSyncMu.Unlock()
	mu, ok := c.roomSync[code]
	if !ok {
		mu = &sync.Mutex{}
		c.roomSync[code] = mu
	}
	return mu
}

func (c *Coordinator) releaseRoomSync(code string) {
	c.roomSyncMu.Lock()
	delete(c.roomSync, code)
	c.roomSyncMu.Unlock()
}
