package hub

import (
	"encoding/json"

	"tracker-relay/internal/models"
)

// Server to client message types.
const (
	TypeInit      = "init"
	TypeUpdate    = "update"
	TypeHeartbeat = "heartbeat"
	TypePong      = "pong"
)

// Client to server message types.
const (
	TypePing             = "ping"
	TypeRequestPositions = "request_positions"
)

// ServerMessage is one of InitMessage, UpdateMessage, HeartbeatMessage or
// PongMessage.
type ServerMessage interface {
	MessageType() string
}

// InitMessage carries a full registry snapshot.
type InitMessage struct {
	Type      string                  `json:"type"`
	Positions []models.PositionUpdate `json:"positions"`
	Timestamp int64                   `json:"timestamp"`
}

// UpdateMessage carries one accepted update.
type UpdateMessage struct {
	Type      string                `json:"type"`
	Data      models.PositionUpdate `json:"data"`
	Timestamp int64                 `json:"timestamp"`
}

// HeartbeatMessage is the periodic liveness signal.
type HeartbeatMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// PongMessage answers a client ping.
type PongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

func (InitMessage) MessageType() string      { return TypeInit }
func (UpdateMessage) MessageType() string    { return TypeUpdate }
func (HeartbeatMessage) MessageType() string { return TypeHeartbeat }
func (PongMessage) MessageType() string      { return TypePong }

func newInit(positions []models.PositionUpdate, now int64) InitMessage {
	if positions == nil {
		positions = []models.PositionUpdate{}
	}
	return InitMessage{Type: TypeInit, Positions: positions, Timestamp: now}
}

func newUpdate(u models.PositionUpdate, now int64) UpdateMessage {
	return UpdateMessage{Type: TypeUpdate, Data: u, Timestamp: now}
}

func newHeartbeat(now int64) HeartbeatMessage {
	return HeartbeatMessage{Type: TypeHeartbeat, Timestamp: now}
}

func newPong(now int64) PongMessage {
	return PongMessage{Type: TypePong, Timestamp: now}
}

// Encode serialises a server message.
func Encode(msg ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// ClientKind is the decoded kind of a client message.
type ClientKind int

const (
	ClientUnknown ClientKind = iota
	ClientPing
	ClientRequestPositions
)

// ParseClientMessage classifies a client frame. Anything that is not valid
// JSON or has an unrecognised type is ClientUnknown.
func ParseClientMessage(data []byte) ClientKind {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return ClientUnknown
	}
	switch envelope.Type {
	case TypePing:
		return ClientPing
	case TypeRequestPositions:
		return ClientRequestPositions
	}
	return ClientUnknown
}
