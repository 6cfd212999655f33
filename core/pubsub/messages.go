package pubsub

import (
	"encoding/json"

	"github.com/google/uuid"
)

// SessionEvent is published on session:created and session:ended.
type SessionEvent struct {
	ClientID string    `json:"clientId"`
	NodeID   uuid.UUID `json:"nodeId"`
	SocketID string    `json:"socketId"`
}

// ShareEvent is published on share:created.
type ShareEvent struct {
	ShareID  string    `json:"shareId"`
	ClientID string    `json:"clientId"`
	NodeID   uuid.UUID `json:"nodeId"`
}

// RouteMessage is published on message:route; only the node whose id
// matches TargetNodeID consumes it.
type RouteMessage struct {
	TargetNodeID   uuid.UUID       `json:"targetNodeId"`
	TargetClientID string          `json:"targetClientId"`
	SocketID       string          `json:"socketId"`
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload"`
}

// RoutingRequest is published on routing:request by a worker that
// could not place a message; only the current master acts on it.
type RoutingRequest struct {
	TargetClientID string          `json:"targetClientId"`
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload"`
}
