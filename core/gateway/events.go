package gateway

import "encoding/json"

// Frame is one message on the event channel. AckID, when set on an
// inbound frame, asks the server to answer with a frame carrying the
// same id; the sender's flow control hangs on that reply.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	AckID   string          `json:"ackId,omitempty"`
}

type registerPayload struct {
	ClientID string `json:"clientId"`
}

type heartbeatPayload struct {
	ClientID string `json:"clientId"`
}

type ackPayload struct {
	FileID     string `json:"fileId"`
	ChunkIndex int    `json:"chunkIndex"`
}

type downloadConfirmedPayload struct {
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`
	ShareID  string `json:"shareId"`
}

type cancelDownloadPayload struct {
	FileID   string `json:"fileId"`
	ClientID string `json:"clientId"`
}

type uploadControlPayload struct {
	FileID string `json:"fileId"`
}

type chunkAckResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
