package transfer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/MohamedAYassin/PeerLink/core/model"
)

var ScanInterval = 2 * time.Second

// AckMonitor escalates unacknowledged chunks: a timed-out chunk is
// retried up to the budget, then the whole transfer fails.
type AckMonitor struct {
	engine *Engine
}

func NewAckMonitor(engine *Engine) *AckMonitor {
	return &AckMonitor{engine: engine}
}

// Start scans pending acks until ctx is cancelled.
func (m *AckMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(ScanInterval)
	defer ticker.Stop()

	log.Info("starting ack monitor")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Scan(ctx)
		}
	}
}

// Scan walks every uploading transfer once.
func (m *AckMonitor) Scan(ctx context.Context) {
	states, err := m.engine.store.ListUploadStates(ctx)
	if err != nil {
		log.Errorw("ack-scan", "error", err)
		return
	}

	for _, state := range states {
		if state.Status != model.UploadUploading {
			continue
		}

		m.scanUpload(ctx, state.FileID)
	}
}

func (m *AckMonitor) scanUpload(ctx context.Context, fileID string) {
	lock := m.engine.fileLock(fileID)
	lock.Lock()
	defer lock.Unlock()

	state, err := m.engine.store.GetUploadState(ctx, fileID)
	if err != nil || state == nil || state.Status != model.UploadUploading {
		return
	}

	now := time.Now()
	var failed []int
	dirty := false

	for index, ack := range state.PendingAcks {
		if now.Sub(ack.Timestamp) <= m.engine.cfg.AckTimeout {
			continue
		}

		if ack.Retries < m.engine.cfg.MaxRetries {
			ack.Retries++
			ack.Timestamp = now
			state.PendingAcks[index] = ack
			dirty = true

			retry := model.ChunkRetryPayload{FileID: fileID, ChunkIndex: index, Attempt: ack.Retries}
			if err := m.engine.router.RouteToClient(ctx, state.ClientID, model.EventChunkRetry, retry); err != nil {
				log.Warnw("ack-scan", "status", "retry notify failed", "clientId", state.ClientID, "error", err)
			}

			log.Infow("ack-scan", "status", "chunk retry", "fileId", fileID, "chunkIndex", index, "attempt", ack.Retries)
			continue
		}

		failed = append(failed, index)
	}

	if len(failed) > 0 {
		sort.Ints(failed)

		state.Status = model.UploadFailed
		state.LastUpdate = now
		dirty = true

		reason := fmt.Sprintf("%d chunk(s) unacknowledged after %d retries", len(failed), m.engine.cfg.MaxRetries)
		failure := model.TransferFailedPayload{FileID: fileID, Reason: reason, FailedChunks: failed}
		if err := m.engine.router.RouteToClient(ctx, state.ClientID, model.EventTransferFailed, failure); err != nil {
			log.Warnw("ack-scan", "status", "failure notify failed", "clientId", state.ClientID, "error", err)
		}

		log.Warnw("ack-scan", "status", "transfer failed", "fileId", fileID, "failedChunks", failed)
	}

	if dirty {
		if err := m.engine.store.SetUploadState(ctx, *state); err != nil {
			log.Errorw("ack-scan", "error", err, "fileId", fileID)
		}
	}
}
