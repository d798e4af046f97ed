package coordinator

import (
	"github.com/jaloqa/whoami-server/internals/engine"
	"github.com/jaloqa/whoami-server/internals/game"
	"github.com/jaloqa/whoami-server/internals/signaling"
)

func (c *Coordinator) handleGetRouterRTPCapabilities(connID string, message signaling.Message) {
	var req signaling.RouterRTPCapabilitiesRequest
	if err := unmarshalMessageData(message.Data, &req); err != nil {
		c.sendError(connID, game.NewError(game.ReasonInternal, "invalid getRouterRtpCapabilities payload"))
		return
	}
	if err := c.requireMembership(connID, req.RoomCode); err != nil {
		c.sendError(connID, err)
		return
	}

	caps, err := c.graph.RouterCapabilities(req.RoomCode)
	if err != nil {
		c.sendError(connID, err)
		return
	}
	c.reply(connID, signaling.MessageTypeRouterRTPCapabilities, signaling.RouterRTPCapabilitiesPayload{
		RoomCode:        req.RoomCode,
		RTPCapabilities: caps,
	})
}

func (c *Coordinator) handleCreateTransport(connID string, message signaling.Message) {
	var req signaling.CreateTransportRequest
	if err := unmarshalMessageData(message.Data, &req); err != nil {
		c.sendError(connID, game.NewError(game.ReasonInternal, "invalid createWebRtcTransport payload"))
		return
	}
	if err := c.requireMembership(connID, req.RoomCode); err != nil {
		c.sendError(connID, err)
		return
	}
	if req.Direction != engine.DirectionSend && req.Direction != engine.DirectionRecv {
		c.sendError(connID, game.NewError(game.ReasonInternal, "direction must be send or recv"))
		return
	}

	params, err := c.graph.CreateTransport(req.RoomCode, connID, req.Direction)
	if err != nil {
		c.sendError(connID, err)
		return
	}
	c.reply(connID, signaling.MessageTypeTransportCreated, signaling.TransportCreatedPayload{
		RoomCode:  req.RoomCode,
		Direction: req.Direction,
		Params:    params,
	})
}

func (c *Coordinator) handleConnectTransport(connID string, message signaling.Message) {
	var req signaling.ConnectTransportRequest
	if err := unmarshalMessageData(message.Data, &req); err != nil {
		c.sendError(connID, game.NewError(game.ReasonInternal, "invalid connectWebRtcTransport payload"))
		return
	}
	if err := c.requireMembership(connID, req.RoomCode); err != nil {
		c.sendError(connID, err)
		return
	}

	if err := c.graph.ConnectTransport(req.RoomCode, connID, req.TransportID, req.ConnectParams); err != nil {
		c.sendError(connID, err)
		return
	}
	c.reply(connID, signaling.MessageTypeTransportConnected, signaling.TransportConnectedPayload{
		RoomCode:    req.RoomCode,
		TransportID: req.TransportID,
	})
}

func (c *Coordinator) handleSetRTPCapabilities(connID string, message signaling.Message) {
	var req signaling.SetRTPCapabilitiesRequest
	if err := unmarshalMessageData(message.Data, &req); err != nil {
		c.sendError(connID, game.NewError(game.ReasonInternal, "invalid setRtpCapabilities payload"))
		return
	}
	if err := c.requireMembership(connID, req.RoomCode); err != nil {
		c.sendError(connID, err)
		return
	}

	if err := c.graph.SetRTPCapabilities(req.RoomCode, connID, req.RTPCapabilities); err != nil {
		c.sendError(connID, err)
		return
	}
	c.reply(connID, signaling.MessageTypeRTPCapabilitiesSet, signaling.RTPCapabilitiesSetPayload{
		RoomCode: req.RoomCode,
	})
}

func (c *Coordinator) handleProduce(connID string, message signaling.Message) {
	var req signaling.ProduceRequest
	if err := unmarshalMessageData(message.Data, &req); err != nil {
		c.sendError(connID, game.NewError(game.ReasonInternal, "invalid produce payload"))
		return
	}
	if err := c.requireMembership(connID, req.RoomCode); err != nil {
		c.sendError(connID, err)
		return
	}
	if req.Kind != engine.KindAudio && req.Kind != engine.KindVideo {
		c.sendError(connID, game.NewError(game.ReasonInternal, "kind must be audio or video"))
		return
	}

	producerID, err := c.graph.Produce(req.RoomCode, connID, req.TransportID, req.Kind, req.RTPParameters)
	if err != nil {
		c.sendError(connID, err)
		return
	}

	c.reply(connID, signaling.MessageTypeProduced, signaling.ProducedPayload{
		RoomCode:   req.RoomCode,
		ProducerID: producerID,
	})
	c.broadcastToRoom(req.RoomCode, signaling.MessageTypeNewProducer, signaling.NewProducerPayload{
		RoomCode:   req.RoomCode,
		ProducerID: producerID,
		PeerID:     connID,
		Kind:       req.Kind,
	}, connID)
}

func (c *Coordinator) handleConsume(connID string, message signaling.Message) {
	var req signaling.ConsumeRequest
	if err := unmarshalMessageData(message.Data, &req); err != nil {
		c.sendError(connID, game.NewError(game.ReasonInternal, "invalid consume payload"))
		return
	}
	if err := c.requireMembership(connID, req.RoomCode); err != nil {
		c.sendError(connID, err)
		return
	}

	params, ownerID, err := c.graph.Consume(req.RoomCode, connID, req.ProducerID)
	if err != nil {
		c.sendError(connID, err)
		return
	}
	c.reply(connID, signaling.MessageTypeConsumerCreated, signaling.ConsumerCreatedPayload{
		RoomCode: req.RoomCode,
		PeerID:   ownerID,
		Params:   params,
	})
}

func (c *Coordinator) handleResumeConsumer(connID string, message signaling.Message) {
	var req signaling.ResumeConsumerRequest
	if err := unmarshalMessageData(message.Data, &req); err != nil {
		c.sendError(connID, game.NewError(game.ReasonInternal, "invalid resumeConsumer payload"))
		return
	}
	if err := c.requireMembership(connID, req.RoomCode); err != nil {
		c.sendError(connID, err)
		return
	}

	if err := c.graph.ResumeConsumer(req.RoomCode, connID, req.ConsumerID); err != nil {
		c.sendError(connID, err)
		return
	}
	c.reply(connID, signaling.MessageTypeConsumerResumed, signaling.ConsumerResumedPayload{
		RoomCode:   req.RoomCode,
		ConsumerID: req.ConsumerID,
	})
}

// handleConsumerCreated pushes server-initiated consumers (produce fan-out and
// capability catch-up) to the consuming client.
func (c *Coordinator) handleConsumerCreated(roomCode, peerID, producerPeerID string, params engine.ConsumerParams) {
	c.reply(peerID, signaling.MessageTypeConsumerCreated, signaling.ConsumerCreatedPayload{
		RoomCode: roomCode,
		PeerID:   producerPeerID,
		Params:   params,
	})
}

func (c *Coordinator) handleConsumerClosed(roomCode, peerID, consumerID string) {
	c.reply(peerID, signaling.MessageTypeConsumerClosed, signaling.ConsumerClosedPayload{
		RoomCode:   roomCode,
		ConsumerID: consumerID,
	})
}
