package storage

import (
	"context"
	"time"

	"github.com/MohamedAYassin/PeerLink/core/model"
	"github.com/MohamedAYassin/PeerLink/lib/logger"
)

var log, _ = logger.New("storage-sweeper")

var (
	CompletedUploadThreshold = 5 * time.Minute
	SilentUploadThreshold    = 24 * time.Hour
)

// expirySweeper is implemented by backends that keep their own expiry
// timestamps instead of native per-key TTLs.
type expirySweeper interface {
	RemoveExpired(ctx context.Context) error
}

// Sweeper reaps finished and abandoned uploads: completed uploads five
// minutes after their last activity, uploading ones after a day of
// silence.
type Sweeper struct {
	store Store
}

func NewSweeper(store Store) *Sweeper {
	return &Sweeper{store: store}
}

// Start runs the cleanup loop until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	log.Info("starting storage sweeper")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	states, err := s.store.ListUploadStates(ctx)
	if err != nil {
		log.Errorw("sweep", "error", err)
		return
	}

	now := time.Now()
	for _, state := range states {
		idle := now.Sub(state.LastUpdate)

		reap := (state.Status == model.UploadCompleted && idle > CompletedUploadThreshold) ||
			(state.Status == model.UploadUploading && idle > SilentUploadThreshold)
		if !reap {
			continue
		}

		if err := s.store.DeleteUploadState(ctx, state.FileID); err != nil {
			log.Errorw("sweep", "error", err, "fileId", state.FileID)
			continue
		}
		if err := s.store.ClearCancelledDownloads(ctx, state.FileID); err != nil {
			log.Errorw("sweep", "error", err, "fileId", state.FileID)
		}

		log.Infow("sweep", "status", "reaped upload", "fileId", state.FileID, "uploadStatus", state.Status)
	}

	if es, ok := s.store.(expirySweeper); ok {
		if err := es.RemoveExpired(ctx); err != nil {
			log.Errorw("sweep", "error", err)
		}
	}
}
