package signaling

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jaloqa/whoami-server/internals/game"
)

const roomChannelPrefix = "whoami:room:"

// RoomEvent is what gets published to a room's Redis channel. Off-box
// consumers (dashboards, moderation tooling) subscribe to these; the server
// itself never reads them back, so a Redis outage degrades to local-only.
type RoomEvent struct {
	InstanceID string             `json:"instanceId"`
	Event      string             `json:"event"`
	RoomCode   string             `json:"roomCode"`
	Room       *game.RoomSnapshot `json:"room,omitempty"`
	At         time.Time          `json:"at"`
}

// Mirror publishes room lifecycle snapshots to Redis. A nil *Mirror is valid
// and publishes nothing.
type Mirror struct {
	redis      *redis.Client
	instanceID string
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewMirror(redisClient *redis.Client, logger *zap.Logger) *Mirror {
	ctx, cancel := context.WithCancel(context.Background())

	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			instanceID = "unknown"
		} else {
			instanceID = hostname
		}
	}

	m := &Mirror{
		redis:      redisClient,
		instanceID: instanceID,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}

	logger.Info("Room mirror initialized", zap.String("instanceID", instanceID))
	return m
}

func RoomChannel(code string) string {
	return roomChannelPrefix + code
}

// PublishSnapshot mirrors the room's current state after a mutation.
func (m *Mirror) PublishSnapshot(code string, snapshot game.RoomSnapshot) {
	if m == nil {
		return
	}
	m.publish(RoomEvent{
		InstanceID: m.instanceID,
		Event:      "room-updated",
		RoomCode:   code,
		Room:       &snapshot,
		At:         time.Now(),
	})
}

// PublishClosed mirrors a room teardown (last player left or reaped).
func (m *Mirror) PublishClosed(code string) {
	if m == nil {
		return
	}
	m.publish(RoomEvent{
		InstanceID: m.instanceID,
		Event:      "room-closed",
		RoomCode:   code,
		At:         time.Now(),
	})
}

func (m *Mirror) publish(event RoomEvent) {
	if m == nil || m.redis == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		m.logger.Error("Failed to marshal room event",
			zap.String("roomCode", event.RoomCode),
			zap.Error(err),
		)
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, 2*time.Second)
	defer cancel()
	if err := m.redis.Publish(ctx, RoomChannel(event.RoomCode), data).Err(); err != nil {
		m.logger.Warn("Failed to publish room event",
			zap.String("roomCode", event.RoomCode),
			zap.String("event", event.Event),
			zap.Error(err),
		)
	}
}

// Ping checks Redis health for the readiness endpoint.
func (m *Mirror) Ping() error {
	if m == nil || m.redis == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(m.ctx, 3*time.Second)
	defer cancel()
	return m.redis.Ping(ctx).Err()
}

func (m *Mirror) Close() error {
	if m == nil {
		return nil
	}
	m.cancel()
	return nil
}
