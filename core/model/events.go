package model

import (
	"time"

	"github.com/google/uuid"
)

// Event names exchanged between clients and the gateway. The set is
// closed: unknown events are logged and dropped.
const (
	// client to server
	EventRegister          = "register"
	EventHeartbeat         = "heartbeat"
	EventUploadInit        = "upload-init"
	EventUploadChunk       = "upload-chunk"
	EventChunkAcknowledged = "chunk-acknowledged"
	EventDownloadConfirmed = "download-confirmed"
	EventCancelDownload    = "cancel-download"
	EventPauseUpload       = "pause-upload"
	EventResumeUpload      = "resume-upload"

	// server to client
	EventRegistered          = "registered"
	EventHeartbeatAck        = "heartbeat-ack"
	EventUploadInitResponse  = "upload-init-response"
	EventChunkUploaded       = "chunk-uploaded"
	EventUploadComplete      = "upload-complete"
	EventFileTransferStarted = "file-transfer-started"
	EventChunkReceived       = "chunk-received"
	EventChunkRetry          = "chunk-retry"
	EventTransferFailed      = "transfer-failed"
	EventClientJoinedShare   = "client-joined-share"
	EventClientLeftShare     = "client-disconnected-from-share"
	EventConnectionReady     = "connection-ready"
	EventClusterRoleChange   = "cluster-role-change"
	EventRateLimited         = "rate-limited"
	EventDownloadCancelled   = "download-cancelled"
	EventUploadPaused        = "upload-paused"
	EventUploadResumed       = "upload-resumed"
	EventUploadFailed        = "upload-failed"
)

type RegisteredPayload struct {
	NodeID   uuid.UUID `json:"nodeId"`
	IsMaster bool      `json:"isMaster"`
	MasterID string    `json:"masterId,omitempty"`
}

type FileTransferStartedPayload struct {
	FileID      string `json:"fileId"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	TotalChunks int    `json:"totalChunks"`
}

type ChunkUploadedPayload struct {
	FileID         string `json:"fileId"`
	ChunkIndex     int    `json:"chunkIndex"`
	Progress       int    `json:"progress"`
	UploadedChunks int    `json:"uploadedChunks"`
	TotalChunks    int    `json:"totalChunks"`
}

type ChunkReceivedPayload struct {
	FileID      string `json:"fileId"`
	ChunkIndex  int    `json:"chunkIndex"`
	Chunk       Binary `json:"chunk"`
	TotalChunks int    `json:"totalChunks"`
}

type ChunkAcknowledgedPayload struct {
	FileID     string `json:"fileId"`
	ChunkIndex int    `json:"chunkIndex"`
}

type ChunkRetryPayload struct {
	FileID     string `json:"fileId"`
	ChunkIndex int    `json:"chunkIndex"`
	Attempt    int    `json:"attempt"`
}

type TransferFailedPayload struct {
	FileID       string `json:"fileId"`
	Reason       string `json:"reason"`
	FailedChunks []int  `json:"failedChunks"`
}

type UploadCompletePayload struct {
	FileID   string        `json:"fileId"`
	FileName string        `json:"fileName"`
	FileSize int64         `json:"fileSize"`
	Duration time.Duration `json:"duration"`
}

type DownloadConfirmedPayload struct {
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`
}

type DownloadCancelledPayload struct {
	FileID string `json:"fileId"`
}

type ShareEventPayload struct {
	ClientID string `json:"clientId"`
	ShareID  string `json:"shareId"`
}

type ConnectionReadyPayload struct {
	ShareID          string   `json:"shareId"`
	ConnectedClients []string `json:"connectedClients"`
	Message          string   `json:"message"`
}

type ClusterRoleChangePayload struct {
	NodeID   uuid.UUID `json:"nodeId"`
	Role     NodeRole  `json:"role"`
	IsMaster bool      `json:"isMaster"`
}

type RateLimitedPayload struct {
	ResetAt time.Time `json:"resetAt"`
}

type UploadStatusPayload struct {
	FileID string `json:"fileId"`
}
