package storage

import (
	"context"
	"testing"
	"time"

	"github.com/MohamedAYassin/PeerLink/core/model"
)

func TestLevelDBPersistence(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir()

	store, err := NewLevelDB(path, testTTLs())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	state := model.NewUploadState("x", 48, 3, "client-a")
	state.AddChunk(1)
	if err := store.SetUploadState(ctx, state); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	if _, err := store.IncrFilesSent(ctx); err != nil {
		t.Fatalf("incr failed: %v", err)
	}
	if _, err := store.IncrFilesSent(ctx); err != nil {
		t.Fatalf("incr failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// records survive reopening
	store, err = NewLevelDB(path, testTTLs())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer store.Close()

	loaded, err := store.GetUploadState(ctx, state.FileID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if loaded == nil || !loaded.HasChunk(1) {
		t.Fatalf("upload state lost across restart: %+v", loaded)
	}

	count, err := store.GetFilesSent(ctx)
	if err != nil || count != 2 {
		t.Errorf("expected filesSent=2, got %d err %v", count, err)
	}
}

func TestLevelDBExpiredRecordIsNil(t *testing.T) {
	ctx := context.Background()

	store, err := NewLevelDB(t.TempDir(), TTLs{
		ClientSession: 10 * time.Millisecond,
		ShareSession:  time.Hour,
		UploadState:   time.Hour,
	})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer store.Close()

	session := model.NewClientSession("client-a", "sock-1", [16]byte{})
	if err := store.SetClientSession(ctx, session); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	loaded, err := store.GetClientSession(ctx, "client-a")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if loaded != nil {
		t.Error("expected expired record to read as missing")
	}

	if err := store.RemoveExpired(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	sessions, err := store.ListClientSessions(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("expected no sessions after sweep, got %d", len(sessions))
	}
}
