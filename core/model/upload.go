package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

type UploadStatus = string

const (
	UploadUploading UploadStatus = "uploading"
	UploadPaused    UploadStatus = "paused"
	UploadCompleted UploadStatus = "completed"
	UploadFailed    UploadStatus = "failed"
	UploadCancelled UploadStatus = "cancelled"
)

// PendingAck tracks one relayed chunk awaiting acknowledgment.
type PendingAck struct {
	Timestamp time.Time `json:"timestamp"`
	Retries   int       `json:"retries"`
}

// UploadState is the per-upload record shared by the chunk ingest path,
// the ack timeout scan and the completion path. Mutation must be
// serialized per file id by the caller; storage treats it as one blob.
type UploadState struct {
	FileID         string
	FileName       string
	FileSize       int64
	TotalChunks    int
	UploadedChunks map[int]bool
	ClientID       string
	StartTime      time.Time
	LastUpdate     time.Time
	Status         UploadStatus
	ChunkChecksums map[int]string
	PendingAcks    map[int]PendingAck
	LastAckTime    time.Time
}

func NewUploadState(fileName string, fileSize int64, totalChunks int, clientID string) UploadState {
	now := time.Now()
	return UploadState{
		FileID:         NewFileID(),
		FileName:       fileName,
		FileSize:       fileSize,
		TotalChunks:    totalChunks,
		UploadedChunks: make(map[int]bool),
		ClientID:       clientID,
		StartTime:      now,
		LastUpdate:     now,
		Status:         UploadUploading,
		ChunkChecksums: make(map[int]string),
		PendingAcks:    make(map[int]PendingAck),
	}
}

func NewFileID() string {
	return fmt.Sprintf("file-%s", uuid.New())
}

func (u *UploadState) HasChunk(index int) bool {
	return u.UploadedChunks[index]
}

func (u *UploadState) AddChunk(index int) {
	u.UploadedChunks[index] = true
	u.LastUpdate = time.Now()
}

func (u *UploadState) IsComplete() bool {
	return len(u.UploadedChunks) >= u.TotalChunks
}

// Progress returns completion percent, rounded down.
func (u *UploadState) Progress() int {
	if u.TotalChunks == 0 {
		return 0
	}

	return len(u.UploadedChunks) * 100 / u.TotalChunks
}

// ChunkIndexes returns the uploaded chunk set in ascending order.
func (u *UploadState) ChunkIndexes() []int {
	indexes := make([]int, 0, len(u.UploadedChunks))
	for i := range u.UploadedChunks {
		indexes = append(indexes, i)
	}

	sort.Ints(indexes)
	return indexes
}

// pendingAckEntry is the wire form of one pending ack tuple.
type pendingAckEntry struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Retries   int       `json:"retries"`
}

type chunkChecksumEntry struct {
	Index    int    `json:"index"`
	Checksum string `json:"checksum"`
}

// uploadStateWire serializes set and map members as arrays so membership
// survives storage round-trips regardless of backend.
type uploadStateWire struct {
	FileID         string               `json:"fileId"`
	FileName       string               `json:"fileName"`
	FileSize       int64                `json:"fileSize"`
	TotalChunks    int                  `json:"totalChunks"`
	UploadedChunks []int                `json:"uploadedChunks"`
	ClientID       string               `json:"clientId"`
	StartTime      time.Time            `json:"startTime"`
	LastUpdate     time.Time            `json:"lastUpdate"`
	Status         UploadStatus         `json:"status"`
	ChunkChecksums []chunkChecksumEntry `json:"chunkChecksums,omitempty"`
	PendingAcks    []pendingAckEntry    `json:"pendingAcks"`
	LastAckTime    time.Time            `json:"lastAckTime,omitempty"`
}

func (u UploadState) MarshalJSON() ([]byte, error) {
	wire := uploadStateWire{
		FileID:         u.FileID,
		FileName:       u.FileName,
		FileSize:       u.FileSize,
		TotalChunks:    u.TotalChunks,
		UploadedChunks: u.ChunkIndexes(),
		ClientID:       u.ClientID,
		StartTime:      u.StartTime,
		LastUpdate:     u.LastUpdate,
		Status:         u.Status,
		PendingAcks:    []pendingAckEntry{},
		LastAckTime:    u.LastAckTime,
	}

	for index, sum := range u.ChunkChecksums {
		wire.ChunkChecksums = append(wire.ChunkChecksums, chunkChecksumEntry{Index: index, Checksum: sum})
	}
	sort.Slice(wire.ChunkChecksums, func(i, j int) bool {
		return wire.ChunkChecksums[i].Index < wire.ChunkChecksums[j].Index
	})

	for index, ack := range u.PendingAcks {
		wire.PendingAcks = append(wire.PendingAcks, pendingAckEntry{Index: index, Timestamp: ack.Timestamp, Retries: ack.Retries})
	}
	sort.Slice(wire.PendingAcks, func(i, j int) bool {
		return wire.PendingAcks[i].Index < wire.PendingAcks[j].Index
	})

	return json.Marshal(wire)
}

func (u *UploadState) UnmarshalJSON(data []byte) error {
	var wire uploadStateWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	u.FileID = wire.FileID
	u.FileName = wire.FileName
	u.FileSize = wire.FileSize
	u.TotalChunks = wire.TotalChunks
	u.ClientID = wire.ClientID
	u.StartTime = wire.StartTime
	u.LastUpdate = wire.LastUpdate
	u.Status = wire.Status
	u.LastAckTime = wire.LastAckTime

	u.UploadedChunks = make(map[int]bool, len(wire.UploadedChunks))
	for _, index := range wire.UploadedChunks {
		u.UploadedChunks[index] = true
	}

	u.ChunkChecksums = make(map[int]string, len(wire.ChunkChecksums))
	for _, entry := range wire.ChunkChecksums {
		u.ChunkChecksums[entry.Index] = entry.Checksum
	}

	u.PendingAcks = make(map[int]PendingAck, len(wire.PendingAcks))
	for _, entry := range wire.PendingAcks {
		u.PendingAcks[entry.Index] = PendingAck{Timestamp: entry.Timestamp, Retries: entry.Retries}
	}

	return nil
}
