// Package transfer implements the chunked upload relay: admission,
// chunk ingest with idempotent insert and per-chunk ack tracking,
// retry and timeout escalation, cancellation and completion.
package transfer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MohamedAYassin/PeerLink/core/model"
	"github.com/MohamedAYassin/PeerLink/core/storage"
	"github.com/MohamedAYassin/PeerLink/lib/checksum"
	"github.com/MohamedAYassin/PeerLink/lib/cmap"
	"github.com/MohamedAYassin/PeerLink/lib/logger"
)

var log, _ = logger.New("transfer-engine")

var (
	ErrFileTooLarge     = errors.New("file exceeds maximum size")
	ErrTooManyUploads   = errors.New("too many concurrent uploads")
	ErrTooManyTransfers = errors.New("too many concurrent transfers")
	ErrAllReceiversBusy = errors.New("All receivers are busy")
	ErrUploadNotFound   = errors.New("upload not found")
	ErrUploadCancelled  = errors.New("upload cancelled")
	ErrUploadPaused     = errors.New("upload paused")
	ErrUploadFailed     = errors.New("upload failed")
	ErrChecksumMismatch = errors.New("chunk checksum mismatch")
	ErrSessionNotFound  = errors.New("client session not found")
)

// Router places an event on the target client's socket, local or not.
type Router interface {
	RouteToClient(ctx context.Context, targetClientID, event string, payload any) error
	NodeID() uuid.UUID
}

type Config struct {
	MaxFileSize            int64
	MaxConcurrentUploads   int
	MaxConcurrentDownloads int
	MaxConcurrentTransfers int
	AckTimeout             time.Duration
	MaxRetries             int
	ChecksumEnabled        bool
}

func DefaultConfig() Config {
	return Config{
		MaxFileSize:            1 << 30,
		MaxConcurrentUploads:   10,
		MaxConcurrentDownloads: 10,
		MaxConcurrentTransfers: 5,
		AckTimeout:             10 * time.Second,
		MaxRetries:             3,
	}
}

// Engine owns the upload state machines. Mutation of one UploadState
// may come from the chunk ingest path, the ack timeout scan and the
// completion path concurrently; a per-file mutex serializes them.
type Engine struct {
	store  storage.Store
	router Router
	cfg    Config
	locks  cmap.Map[string, *sync.Mutex]
}

func NewEngine(store storage.Store, router Router, cfg Config) *Engine {
	return &Engine{
		store:  store,
		router: router,
		cfg:    cfg,
		locks:  cmap.NewMap[string, *sync.Mutex](),
	}
}

func (e *Engine) fileLock(fileID string) *sync.Mutex {
	lock, _ := e.locks.GetOrSet(fileID, &sync.Mutex{})
	return lock
}

type InitRequest struct {
	ClientID    string `json:"clientId"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	TotalChunks int    `json:"totalChunks"`
}

type InitResponse struct {
	FileID     string `json:"fileId"`
	ResumeFrom int    `json:"resumeFrom"`
}

// InitUpload validates admission budgets, determines the recipients
// from the sender's share and allocates the upload state.
func (e *Engine) InitUpload(ctx context.Context, req InitRequest) (*InitResponse, error) {
	if req.FileSize > e.cfg.MaxFileSize {
		return nil, ErrFileTooLarge
	}

	sender, err := e.store.GetClientSession(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	if sender == nil {
		return nil, ErrSessionNotFound
	}

	uploading, err := e.countUploading(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	if uploading >= e.cfg.MaxConcurrentUploads {
		return nil, ErrTooManyUploads
	}
	if sender.TransferCount() >= e.cfg.MaxConcurrentTransfers {
		return nil, ErrTooManyTransfers
	}

	others, err := e.shareRoster(ctx, sender)
	if err != nil {
		return nil, err
	}

	var eligible []*model.ClientSession
	for _, clientID := range others {
		receiver, err := e.store.GetClientSession(ctx, clientID)
		if err != nil {
			return nil, err
		}
		if receiver == nil {
			continue
		}
		if len(receiver.Downloads) >= e.cfg.MaxConcurrentDownloads ||
			receiver.TransferCount() >= e.cfg.MaxConcurrentTransfers {
			log.Infow("upload-init", "status", "receiver at budget, skipping", "clientId", clientID)
			continue
		}
		eligible = append(eligible, receiver)
	}

	if len(others) > 0 && len(eligible) == 0 {
		return nil, ErrAllReceiversBusy
	}

	state := model.NewUploadState(req.FileName, req.FileSize, req.TotalChunks, req.ClientID)
	if err := e.store.SetUploadState(ctx, state); err != nil {
		return nil, err
	}

	sender.AddUpload(state.FileID)
	if err := e.store.SetClientSession(ctx, *sender); err != nil {
		log.Errorw("upload-init", "error", err, "clientId", req.ClientID)
	}

	started := model.FileTransferStartedPayload{
		FileID:      state.FileID,
		FileName:    req.FileName,
		FileSize:    req.FileSize,
		TotalChunks: req.TotalChunks,
	}
	for _, receiver := range eligible {
		receiver.AddDownload(state.FileID)
		if err := e.store.SetClientSession(ctx, *receiver); err != nil {
			log.Errorw("upload-init", "error", err, "clientId", receiver.ClientID)
		}

		if err := e.router.RouteToClient(ctx, receiver.ClientID, model.EventFileTransferStarted, started); err != nil {
			log.Warnw("upload-init", "status", "notify failed", "clientId", receiver.ClientID, "error", err)
		}
	}

	log.Infow("upload-init", "fileId", state.FileID, "fileName", req.FileName,
		"fileSize", req.FileSize, "totalChunks", req.TotalChunks, "receivers", len(eligible))

	return &InitResponse{FileID: state.FileID, ResumeFrom: 0}, nil
}

type ChunkRequest struct {
	FileID     string       `json:"fileId"`
	ChunkIndex int          `json:"chunkIndex"`
	Chunk      model.Binary `json:"chunk"`
	ClientID   string       `json:"clientId"`
	Checksum   string       `json:"checksum,omitempty"`
}

type ChunkResult struct {
	Success    bool   `json:"success"`
	FileID     string `json:"fileId"`
	ChunkIndex int    `json:"chunkIndex"`
}

// HandleChunk ingests one chunk and relays it to every recipient whose
// downloads set still holds the file. The returned result answers the
// sender's in-flight request: that response is the flow-control gate.
func (e *Engine) HandleChunk(ctx context.Context, req ChunkRequest) (*ChunkResult, error) {
	lock := e.fileLock(req.FileID)
	lock.Lock()
	defer lock.Unlock()

	state, err := e.store.GetUploadState(ctx, req.FileID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, ErrUploadNotFound
	}

	switch state.Status {
	case model.UploadCancelled:
		return nil, ErrUploadCancelled
	case model.UploadPaused:
		return nil, ErrUploadPaused
	case model.UploadFailed:
		return nil, ErrUploadFailed
	}

	fresh := !state.HasChunk(req.ChunkIndex)
	if fresh {
		if e.cfg.ChecksumEnabled {
			digest := checksum.Chunk(req.Chunk)
			if req.Checksum != "" && req.Checksum != digest {
				return nil, ErrChecksumMismatch
			}
			state.ChunkChecksums[req.ChunkIndex] = digest
		}

		state.AddChunk(req.ChunkIndex)
		state.PendingAcks[req.ChunkIndex] = model.PendingAck{Timestamp: time.Now()}
	}

	uploaded := model.ChunkUploadedPayload{
		FileID:         req.FileID,
		ChunkIndex:     req.ChunkIndex,
		Progress:       state.Progress(),
		UploadedChunks: len(state.UploadedChunks),
		TotalChunks:    state.TotalChunks,
	}
	if err := e.router.RouteToClient(ctx, state.ClientID, model.EventChunkUploaded, uploaded); err != nil {
		log.Warnw("upload-chunk", "status", "progress notify failed", "clientId", state.ClientID, "error", err)
	}

	// a duplicate is re-relayed only while its ack is still pending
	// (a retry re-send); once relayed and acknowledged, duplicates
	// change nothing and the receiver sees each chunk exactly once
	_, awaiting := state.PendingAcks[req.ChunkIndex]
	if fresh || awaiting {
		e.relayChunk(ctx, state, req)
	}

	if err := e.store.SetUploadState(ctx, *state); err != nil {
		log.Errorw("upload-chunk", "error", err, "fileId", req.FileID)
	}

	e.maybeComplete(ctx, state)

	return &ChunkResult{Success: true, FileID: req.FileID, ChunkIndex: req.ChunkIndex}, nil
}

// relayChunk fans the chunk out to every live recipient and, on
// successful placement, acknowledges the chunk to the sender on the
// receiver's behalf. Receiver-origin acks are honored too; either
// clears the pending entry.
func (e *Engine) relayChunk(ctx context.Context, state *model.UploadState, req ChunkRequest) {
	recipients := e.chunkRecipients(ctx, state)

	if len(recipients) == 0 {
		// nothing to await; a share with a single client uploads
		// into the void without failing
		delete(state.PendingAcks, req.ChunkIndex)
		return
	}

	received := model.ChunkReceivedPayload{
		FileID:      req.FileID,
		ChunkIndex:  req.ChunkIndex,
		Chunk:       req.Chunk,
		TotalChunks: state.TotalChunks,
	}

	delivered := false
	for _, clientID := range recipients {
		if err := e.router.RouteToClient(ctx, clientID, model.EventChunkReceived, received); err != nil {
			log.Warnw("upload-chunk", "status", "relay failed", "clientId", clientID,
				"fileId", req.FileID, "chunkIndex", req.ChunkIndex, "error", err)
			continue
		}
		delivered = true
	}

	if !delivered {
		return
	}

	delete(state.PendingAcks, req.ChunkIndex)
	state.LastAckTime = time.Now()

	ack := model.ChunkAcknowledgedPayload{FileID: req.FileID, ChunkIndex: req.ChunkIndex}
	if err := e.router.RouteToClient(ctx, state.ClientID, model.EventChunkAcknowledged, ack); err != nil {
		log.Warnw("upload-chunk", "status", "ack notify failed", "clientId", state.ClientID, "error", err)
	}
}

// chunkRecipients resolves the fan-out list: share participants whose
// downloads set still holds the file and who have not cancelled.
func (e *Engine) chunkRecipients(ctx context.Context, state *model.UploadState) []string {
	sender, err := e.store.GetClientSession(ctx, state.ClientID)
	if err != nil || sender == nil {
		return nil
	}

	others, err := e.shareRoster(ctx, sender)
	if err != nil {
		return nil
	}

	var recipients []string
	for _, clientID := range others {
		receiver, err := e.store.GetClientSession(ctx, clientID)
		if err != nil || receiver == nil {
			continue
		}
		if !receiver.HasDownload(state.FileID) {
			continue
		}

		cancelled, err := e.store.IsDownloadCancelled(ctx, state.FileID, clientID)
		if err != nil {
			log.Errorw("upload-chunk", "error", err, "fileId", state.FileID)
		}
		if cancelled {
			continue
		}

		recipients = append(recipients, clientID)
	}

	return recipients
}

// HandleAck processes a receiver-origin chunk-acknowledged.
func (e *Engine) HandleAck(ctx context.Context, fileID string, chunkIndex int) error {
	lock := e.fileLock(fileID)
	lock.Lock()
	defer lock.Unlock()

	state, err := e.store.GetUploadState(ctx, fileID)
	if err != nil {
		return err
	}
	if state == nil {
		return ErrUploadNotFound
	}

	delete(state.PendingAcks, chunkIndex)
	state.LastAckTime = time.Now()

	if err := e.store.SetUploadState(ctx, *state); err != nil {
		return err
	}

	e.maybeComplete(ctx, state)
	return nil
}

// maybeComplete transitions uploading to completed once every chunk is
// in and nothing is pending. Caller holds the file lock.
func (e *Engine) maybeComplete(ctx context.Context, state *model.UploadState) {
	if state.Status != model.UploadUploading || !state.IsComplete() || len(state.PendingAcks) > 0 {
		return
	}

	state.Status = model.UploadCompleted
	state.LastUpdate = time.Now()
	if err := e.store.SetUploadState(ctx, *state); err != nil {
		log.Errorw("upload-complete", "error", err, "fileId", state.FileID)
	}

	if _, err := e.store.IncrFilesSent(ctx); err != nil {
		log.Errorw("upload-complete", "error", err, "fileId", state.FileID)
	}
	if err := e.store.ClearCancelledDownloads(ctx, state.FileID); err != nil {
		log.Errorw("upload-complete", "error", err, "fileId", state.FileID)
	}

	complete := model.UploadCompletePayload{
		FileID:   state.FileID,
		FileName: state.FileName,
		FileSize: state.FileSize,
		Duration: time.Since(state.StartTime),
	}
	if err := e.router.RouteToClient(ctx, state.ClientID, model.EventUploadComplete, complete); err != nil {
		log.Warnw("upload-complete", "status", "notify failed", "clientId", state.ClientID, "error", err)
	}

	log.Infow("upload-complete", "fileId", state.FileID, "fileName", state.FileName,
		"chunks", state.TotalChunks, "duration", time.Since(state.StartTime))
}

// CancelDownload records the receiver's cancellation; subsequent
// chunks destined for it are skipped.
func (e *Engine) CancelDownload(ctx context.Context, fileID, clientID string) error {
	if err := e.store.AddCancelledDownload(ctx, fileID, clientID); err != nil {
		return err
	}

	session, err := e.store.GetClientSession(ctx, clientID)
	if err == nil && session != nil {
		session.RemoveDownload(fileID)
		if err := e.store.SetClientSession(ctx, *session); err != nil {
			log.Errorw("cancel-download", "error", err, "clientId", clientID)
		}
	}

	cancelled := model.DownloadCancelledPayload{FileID: fileID}
	if err := e.router.RouteToClient(ctx, clientID, model.EventDownloadCancelled, cancelled); err != nil {
		log.Warnw("cancel-download", "status", "notify failed", "clientId", clientID, "error", err)
	}

	log.Infow("cancel-download", "fileId", fileID, "clientId", clientID)
	return nil
}

// ConfirmDownload relays the receiver's reassembly confirmation back
// to the sender. The upload state is authoritative for the sender's
// identity; the share roster is the fallback once state is reaped.
func (e *Engine) ConfirmDownload(ctx context.Context, fileID, fileName, shareID, fromClientID string) error {
	senderID := ""

	state, err := e.store.GetUploadState(ctx, fileID)
	if err != nil {
		return err
	}
	if state != nil {
		senderID = state.ClientID
	} else if shareID != "" {
		share, err := e.store.GetShareSession(ctx, shareID)
		if err != nil {
			return err
		}
		if share != nil {
			if others := share.Others(fromClientID); len(others) > 0 {
				senderID = others[0]
			}
		}
	}

	if senderID == "" {
		return ErrUploadNotFound
	}

	confirmed := model.DownloadConfirmedPayload{FileID: fileID, FileName: fileName}
	return e.router.RouteToClient(ctx, senderID, model.EventDownloadConfirmed, confirmed)
}

// PauseUpload suspends chunk ingest for the file.
func (e *Engine) PauseUpload(ctx context.Context, fileID string) error {
	return e.setStatus(ctx, fileID, model.UploadUploading, model.UploadPaused, model.EventUploadPaused)
}

// ResumeUpload lifts a pause.
func (e *Engine) ResumeUpload(ctx context.Context, fileID string) error {
	return e.setStatus(ctx, fileID, model.UploadPaused, model.UploadUploading, model.EventUploadResumed)
}

func (e *Engine) setStatus(ctx context.Context, fileID string, from, to model.UploadStatus, event string) error {
	lock := e.fileLock(fileID)
	lock.Lock()
	defer lock.Unlock()

	state, err := e.store.GetUploadState(ctx, fileID)
	if err != nil {
		return err
	}
	if state == nil {
		return ErrUploadNotFound
	}
	if state.Status != from {
		return nil
	}

	state.Status = to
	state.LastUpdate = time.Now()
	if err := e.store.SetUploadState(ctx, *state); err != nil {
		return err
	}

	payload := model.UploadStatusPayload{FileID: fileID}
	if err := e.router.RouteToClient(ctx, state.ClientID, event, payload); err != nil {
		log.Warnw("upload-status", "status", "notify failed", "clientId", state.ClientID, "error", err)
	}

	return nil
}

// Cancel marks the upload cancelled on the sender's request.
func (e *Engine) Cancel(ctx context.Context, fileID string) error {
	lock := e.fileLock(fileID)
	lock.Lock()
	defer lock.Unlock()

	state, err := e.store.GetUploadState(ctx, fileID)
	if err != nil {
		return err
	}
	if state == nil {
		return ErrUploadNotFound
	}

	state.Status = model.UploadCancelled
	state.LastUpdate = time.Now()
	return e.store.SetUploadState(ctx, *state)
}

// Snapshot is the progress view served over HTTP.
type Snapshot struct {
	FileID         string             `json:"fileId"`
	FileName       string             `json:"fileName"`
	FileSize       int64              `json:"fileSize"`
	TotalChunks    int                `json:"totalChunks"`
	UploadedChunks int                `json:"uploadedChunks"`
	Progress       int                `json:"progress"`
	Status         model.UploadStatus `json:"status"`
	PendingAcks    int                `json:"pendingAcks"`
	StartTime      time.Time          `json:"startTime"`
	LastUpdate     time.Time          `json:"lastUpdate"`
}

func (e *Engine) Snapshot(ctx context.Context, fileID string) (*Snapshot, error) {
	state, err := e.store.GetUploadState(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, ErrUploadNotFound
	}

	return &Snapshot{
		FileID:         state.FileID,
		FileName:       state.FileName,
		FileSize:       state.FileSize,
		TotalChunks:    state.TotalChunks,
		UploadedChunks: len(state.UploadedChunks),
		Progress:       state.Progress(),
		Status:         state.Status,
		PendingAcks:    len(state.PendingAcks),
		StartTime:      state.StartTime,
		LastUpdate:     state.LastUpdate,
	}, nil
}

func (e *Engine) countUploading(ctx context.Context, clientID string) (int, error) {
	states, err := e.store.ListUploadStates(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, state := range states {
		if state.ClientID == clientID && state.Status == model.UploadUploading {
			count++
		}
	}

	return count, nil
}

func (e *Engine) shareRoster(ctx context.Context, sender *model.ClientSession) ([]string, error) {
	if sender.ShareID == "" {
		return nil, nil
	}

	share, err := e.store.GetShareSession(ctx, sender.ShareID)
	if err != nil || share == nil {
		return nil, err
	}

	return share.Others(sender.ClientID), nil
}
