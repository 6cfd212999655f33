package registry

import (
	"context"
	"testing"
	"time"

	"github.com/MohamedAYassin/PeerLink/core/model"
	"github.com/MohamedAYassin/PeerLink/core/storage"
)

func newStore() storage.Store {
	return storage.NewMemory(storage.TTLs{
		ClientSession: time.Hour,
		ShareSession:  time.Hour,
		UploadState:   time.Hour,
	})
}

func TestRegistryReusesNodeID(t *testing.T) {
	ctx := context.Background()
	store := newStore()

	first, err := NewRegistry(ctx, store, "host-a", 3001)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// simulate a restart of the same process address
	second, err := NewRegistry(ctx, store, "host-a", 3001)
	if err != nil {
		t.Fatalf("re-register failed: %v", err)
	}

	if first.Node().ID != second.Node().ID {
		t.Errorf("expected reused node id, got %s and %s", first.Node().ID, second.Node().ID)
	}
	if second.Node().Status != model.NodeActive {
		t.Errorf("expected active status, got %s", second.Node().Status)
	}

	other, err := NewRegistry(ctx, store, "host-b", 3001)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if other.Node().ID == first.Node().ID {
		t.Error("different address must get a fresh id")
	}
}

func TestSweepMarksStaleNodesDead(t *testing.T) {
	ctx := context.Background()
	store := newStore()

	reg, err := NewRegistry(ctx, store, "host-a", 3001)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	stale := model.NewNode("host-b", 3002)
	stale.LastHeartbeat = time.Now().Add(-time.Minute)
	if err := store.SetNode(ctx, stale); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	session := model.NewClientSession("client-b", "sock-1", stale.ID)
	if err := store.SetClientSession(ctx, session); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	if err := reg.Sweep(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	node, _ := store.GetNode(ctx, stale.ID)
	if node == nil || node.Status != model.NodeDead {
		t.Fatalf("expected dead node, got %+v", node)
	}

	loaded, _ := store.GetClientSession(ctx, "client-b")
	if loaded == nil || loaded.Connected {
		t.Errorf("session on dead node should be disconnected, got %+v", loaded)
	}

	// the fresh node is untouched
	self, _ := store.GetNode(ctx, reg.Node().ID)
	if self == nil || self.Status != model.NodeActive {
		t.Errorf("live node must stay active, got %+v", self)
	}
}

func TestShutdownDeactivatesNode(t *testing.T) {
	ctx := context.Background()
	store := newStore()

	reg, err := NewRegistry(ctx, store, "host-a", 3001)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	session := model.NewClientSession("client-a", "sock-1", reg.Node().ID)
	if err := store.SetClientSession(ctx, session); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	if err := reg.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	node, _ := store.GetNode(ctx, reg.Node().ID)
	if node == nil || node.Status != model.NodeInactive {
		t.Fatalf("expected inactive node, got %+v", node)
	}

	loaded, _ := store.GetClientSession(ctx, "client-a")
	if loaded == nil || loaded.Connected {
		t.Errorf("expected deactivated session, got %+v", loaded)
	}

	active, err := reg.ActiveNodes(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("expected no active nodes, got %d", len(active))
	}
}
