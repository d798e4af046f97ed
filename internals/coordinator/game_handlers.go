package coordinator

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/jaloqa/whoami-server/internals/game"
	"github.com/jaloqa/whoami-server/internals/metrics"
	"github.com/jaloqa/whoami-server/internals/signaling"
)

func unmarshalMessageData[T any](data json.RawMessage, out *T) error {
	if err := json.Unmarshal(data, out); err != nil {
		// Some clients double-encode the payload as a JSON string.
		var dataStr string
		if err2 := json.Unmarshal(data, &dataStr); err2 != nil {
			return fmt.Errorf("not valid JSON: %w", err)
		}
		if err3 := json.Unmarshal([]byte(dataStr), out); err3 != nil {
			return fmt.Errorf("invalid inner JSON: %w", err3)
		}
	}
	return nil
}

func (c *Coordinator) clampName(name string) string {
	max := c.config.Game.MaxNameLength
	if max > 0 && len(name) > max {
		return name[:max]
	}
	return name
}

func (c *Coordinator) handleCreateRoom(connID string, message signaling.Message) {
	var req signaling.CreateRoomRequest
	if err := unmarshalMessageData(message.Data, &req); err != nil {
		c.sendError(connID, game.NewError(game.ReasonInternal, "invalid create-room payload"))
		return
	}

	if bound, ok := c.roomOf(connID); ok {
		// One room per connection; leaving first keeps state consistent.
		c.leaveRoom(connID, bound)
	}

	code, err := c.registry.CreateRoom(connID, c.clampName(req.Name))
	if err != nil {
		c.sendError(connID, err)
		return
	}

	if _, err := c.graph.EnsureRoom(code); err != nil {
		c.registry.LeaveRoom(code, connID)
		c.sendError(connID, game.NewError(game.ReasonEngineUnavailable, "media engine unavailable"))
		c.logger.Error("Media room creation failed",
			zap.String("roomCode", code),
			zap.Error(err),
		)
		return
	}

	c.bindSession(connID, code)

	snap, err := c.registry.Snapshot(code)
	if err != nil {
		c.sendError(connID, err)
		return
	}
	c.reply(connID, signaling.MessageTypeRoomCreated, signaling.RoomCreatedPayload{
		RoomCode: code,
		Room:     *snap,
	})
	c.syncRoom(code)
}

func (c *Coordinator) handleJoinRoom(connID string, message signaling.Message) {
	var req signaling.JoinRoomRequest
	if err := unmarshalMessageData(message.Data, &req); err != nil {
		c.sendError(connID, game.NewError(game.ReasonInternal, "invalid join-room payload"))
		return
	}

	if bound, ok := c.roomOf(connID); ok && bound != req.RoomCode {
		c.leaveRoom(connID, bound)
	}

	if err := c.registry.JoinRoom(req.RoomCode, connID, c.clampName(req.Name)); err != nil {
		c.sendError(connID, err)
		return
	}
	if _, err := c.graph.EnsureRoom(req.RoomCode); err != nil {
		c.registry.LeaveRoom(req.RoomCode, connID)
		c.sendError(connID, game.NewError(game.ReasonEngineUnavailable, "media engine unavailable"))
		return
	}

	c.bindSession(connID, req.RoomCode)

	snap, err := c.registry.Snapshot(req.RoomCode)
	if err != nil {
		c.sendError(connID, err)
		return
	}
	c.reply(connID, signaling.MessageTypeJoinRoomSuccess, signaling.JoinRoomSuccessPayload{
		RoomCode: req.RoomCode,
		Room:     *snap,
	})

	for _, p := range snap.Players {
		if p.ID == connID {
			c.broadcastToRoom(req.RoomCode, signaling.MessageTypePlayerJoined, signaling.PlayerJoinedPayload{
				RoomCode: req.RoomCode,
				Player:   p,
			}, connID)
			break
		}
	}
	c.syncRoom(req.RoomCode)
}

func (c *Coordinator) handleStartGame(connID string, message signaling.Message) {
	var req signaling.StartGameRequest
	if err := unmarshalMessageData(message.Data, &req); err != nil {
		c.sendError(connID, game.NewError(game.ReasonInternal, "invalid start-game payload"))
		return
	}
	if err := c.requireMembership(connID, req.RoomCode); err != nil {
		c.sendError(connID, err)
		return
	}

	assignments, err := c.registry.StartGame(req.RoomCode, connID)
	if err != nil {
		c.sendError(connID, err)
		return
	}

	c.broadcastToRoom(req.RoomCode, signaling.MessageTypeGameStarted, signaling.GameStartedPayload{
		RoomCode:    req.RoomCode,
		Assignments: assignments,
	}, "")
	c.syncRoom(req.RoomCode)
}

func (c *Coordinator) handleSetCharacter(connID string, message signaling.Message) {
	var req signaling.SetCharacterRequest
	if err := unmarshalMessageData(message.Data, &req); err != nil {
		c.sendError(connID, game.NewError(game.ReasonInternal, "invalid set-character payload"))
		return
	}
	if err := c.requireMembership(connID, req.RoomCode); err != nil {
		c.sendError(connID, err)
		return
	}

	if err := c.registry.SetCharacter(req.RoomCode, connID, req.TargetID, req.Character); err != nil {
		c.sendError(connID, err)
		return
	}

	c.broadcastToRoom(req.RoomCode, signaling.MessageTypeCharacterAssigned, signaling.CharacterAssignedPayload{
		RoomCode:  req.RoomCode,
		TargetID:  req.TargetID,
		Character: req.Character,
		By:        connID,
	}, "")
	c.syncRoom(req.RoomCode)
}

func (c *Coordinator) handleLeaveRoom(connID string, message signaling.Message) {
	var req signaling.LeaveRoomRequest
	if err := unmarshalMessageData(message.Data, &req); err != nil {
		c.sendError(connID, game.NewError(game.ReasonInternal, "invalid leave-room payload"))
		return
	}
	code := req.RoomCode
	if code == "" {
		if bound, ok := c.roomOf(connID); ok {
			code = bound
		}
	}
	if err := c.requireMembership(connID, code); err != nil {
		c.sendError(connID, err)
		return
	}
	c.leaveRoom(connID, code)
}

// leaveRoom tears down the player on both planes and notifies the room.
// Shared by explicit leave, rejoin-elsewhere, and disconnect.
func (c *Coordinator) leaveRoom(connID, code string) {
	c.graph.RemovePeer(code, connID)
	c.dropSession(connID)

	removed, deleted := c.registry.LeaveRoom(code, connID)
	if !removed {
		return
	}

	if deleted {
		// The media room may still exist if the last player never set up media.
		c.graph.CloseRoom(code)
		c.releaseRoomSync(code)
		c.mirror.PublishClosed(code)
		return
	}

	payload := signaling.PlayerLeftPayload{RoomCode: code, PlayerID: connID}
	if snap, err := c.registry.Snapshot(code); err == nil {
		payload.NewHostID = snap.HostID
	}
	c.broadcastToRoom(code, signaling.MessageTypePlayerLeft, payload, connID)
	c.syncRoom(code)
}

func (c *Coordinator) handleGetRoomState(connID string, message signaling.Message) {
	var req signaling.GetRoomStateRequest
	if err := unmarshalMessageData(message.Data, &req); err != nil {
		c.sendError(connID, game.NewError(game.ReasonInternal, "invalid get-room-state payload"))
		return
	}
	if err := c.requireMembership(connID, req.RoomCode); err != nil {
		c.sendError(connID, err)
		return
	}

	snap, err := c.registry.Snapshot(req.RoomCode)
	if err != nil {
		c.sendError(connID, err)
		return
	}
	c.reply(connID, signaling.MessageTypeRoomUpdated, signaling.RoomUpdatedPayload{Room: *snap})
}

func (c *Coordinator) handleUpdatePlayerState(connID string, message signaling.Message) {
	var req signaling.UpdatePlayerStateRequest
	if err := unmarshalMessageData(message.Data, &req); err != nil {
		c.sendError(connID, game.NewError(game.ReasonInternal, "invalid update-player-state payload"))
		return
	}
	if err := c.requireMembership(connID, req.RoomCode); err != nil {
		c.sendError(connID, err)
		return
	}

	err := c.registry.UpdatePlayerState(req.RoomCode, connID, game.PlayerUpdate{
		Name:         req.Name,
		VideoEnabled: req.VideoEnabled,
		AudioEnabled: req.AudioEnabled,
	})
	if err != nil {
		c.sendError(connID, err)
		return
	}

	snap, err := c.registry.Snapshot(req.RoomCode)
	if err != nil {
		return
	}
	for _, p := range snap.Players {
		if p.ID == connID {
			c.broadcastToRoom(req.RoomCode, signaling.MessageTypePlayerStateUpdated, signaling.PlayerStateUpdatedPayload{
				RoomCode: req.RoomCode,
				Player:   p,
			}, "")
			break
		}
	}
	c.syncRoom(req.RoomCode)
}

// handleSignal relays an opaque signaling blob to one other player in the
// sender's room. The server fills From and never inspects Data.
func (c *Coordinator) handleSignal(connID string, message signaling.Message) {
	var payload signaling.SignalPayload
	if err := unmarshalMessageData(message.Data, &payload); err != nil {
		c.sendError(connID, game.NewError(game.ReasonInternal, "invalid signal payload"))
		return
	}

	code, ok := c.roomOf(connID)
	if !ok {
		metrics.RecordSignalRelay(false)
		c.sendError(connID, game.NewError(game.ReasonRoomNotFound, "you are not in a room"))
		return
	}

	targetInRoom := false
	for _, id := range c.registry.PlayerIDs(code) {
		if id == payload.To {
			targetInRoom = true
			break
		}
	}
	if !targetInRoom {
		metrics.RecordSignalRelay(false)
		c.sendError(connID, game.NewError(game.ReasonPeerUnavailable, "peer is not in your room"))
		return
	}

	payload.From = connID
	msg, err := signaling.NewMessage(signaling.MessageTypeSignal, payload)
	if err != nil {
		return
	}
	if !c.send.SendToClient(payload.To, msg) {
		metrics.RecordSignalRelay(false)
		c.sendError(connID, game.NewError(game.ReasonPeerUnavailable, "peer is no longer connected"))
		return
	}
	metrics.RecordSignalRelay(true)
}
