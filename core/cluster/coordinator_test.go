package cluster

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/MohamedAYassin/PeerLink/core/model"
	"github.com/MohamedAYassin/PeerLink/core/pubsub"
	"github.com/MohamedAYassin/PeerLink/core/registry"
	"github.com/MohamedAYassin/PeerLink/core/storage"
)

type deliveredEvent struct {
	SocketID string
	ClientID string
	Event    string
	Payload  json.RawMessage
}

// fakeSockets stands in for the gateway's socket registry.
type fakeSockets struct {
	mu        sync.Mutex
	bySocket  map[string]string
	delivered []deliveredEvent
}

func newFakeSockets() *fakeSockets {
	return &fakeSockets{bySocket: map[string]string{}}
}

func (f *fakeSockets) connect(socketID, clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bySocket[socketID] = clientID
}

func (f *fakeSockets) DeliverToSocket(socketID, event string, payload json.RawMessage) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	clientID, ok := f.bySocket[socketID]
	if !ok {
		return false
	}

	f.delivered = append(f.delivered, deliveredEvent{SocketID: socketID, ClientID: clientID, Event: event, Payload: payload})
	return true
}

func (f *fakeSockets) DeliverToClient(clientID, event string, payload json.RawMessage) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	for socketID, bound := range f.bySocket {
		if bound == clientID {
			f.delivered = append(f.delivered, deliveredEvent{SocketID: socketID, ClientID: clientID, Event: event, Payload: payload})
			return true
		}
	}

	return false
}

func (f *fakeSockets) events() []deliveredEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]deliveredEvent, len(f.delivered))
	copy(out, f.delivered)
	return out
}

type testNode struct {
	coordinator *Coordinator
	registry    *registry.Registry
	sockets     *fakeSockets
}

// newTestNode builds one relay node against shared backends; tests
// instantiate several in one process to exercise cross-node flows
// without real sockets.
func newTestNode(t *testing.T, ctx context.Context, store storage.Store, bus pubsub.PubSub, port int) *testNode {
	t.Helper()

	reg, err := registry.NewRegistry(ctx, store, "test-host", port)
	if err != nil {
		t.Fatalf("registry failed: %v", err)
	}

	coordinator := NewCoordinator(store, bus, reg)
	sockets := newFakeSockets()
	coordinator.SetSockets(sockets)

	if err := coordinator.Start(ctx); err != nil {
		t.Fatalf("coordinator start failed: %v", err)
	}

	return &testNode{coordinator: coordinator, registry: reg, sockets: sockets}
}

func newTestStore() storage.Store {
	return storage.NewMemory(storage.TTLs{
		ClientSession: time.Hour,
		ShareSession:  time.Hour,
		UploadState:   time.Hour,
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal("condition not met before deadline")
}

func TestElectionSingleMaster(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestStore()
	bus := pubsub.NewMemory()
	defer bus.Close()

	n1 := newTestNode(t, ctx, store, bus, 3001)
	n2 := newTestNode(t, ctx, store, bus, 3002)

	n1.coordinator.Elect(ctx)
	n2.coordinator.Elect(ctx)

	if !n1.coordinator.IsMaster() {
		t.Error("first elector should hold the lock")
	}
	if n2.coordinator.IsMaster() {
		t.Error("at most one master per epoch")
	}

	master, err := n2.coordinator.MasterID(ctx)
	if err != nil {
		t.Fatalf("master lookup failed: %v", err)
	}
	if master != n1.coordinator.NodeID().String() {
		t.Errorf("expected master %s, got %s", n1.coordinator.NodeID(), master)
	}

	// a held lock refreshes rather than flaps
	n1.coordinator.Elect(ctx)
	if !n1.coordinator.IsMaster() {
		t.Error("holder must keep mastery on re-election")
	}
}

func TestElectionFailover(t *testing.T) {
	prev := MasterLockTTL
	MasterLockTTL = 50 * time.Millisecond
	defer func() { MasterLockTTL = prev }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestStore()
	bus := pubsub.NewMemory()
	defer bus.Close()

	n1 := newTestNode(t, ctx, store, bus, 3001)
	n2 := newTestNode(t, ctx, store, bus, 3002)

	var mu sync.Mutex
	var changes []model.ClusterRoleChangePayload
	n2.coordinator.OnRoleChange(func(change model.ClusterRoleChangePayload) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, change)
	})

	n1.coordinator.Elect(ctx)
	n2.coordinator.Elect(ctx)
	if !n1.coordinator.IsMaster() || n2.coordinator.IsMaster() {
		t.Fatal("unexpected initial roles")
	}

	// n1 dies; its lock lapses
	time.Sleep(60 * time.Millisecond)

	n2.coordinator.Elect(ctx)
	if !n2.coordinator.IsMaster() {
		t.Error("survivor should take over after the lock expires")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) == 0 || !changes[len(changes)-1].IsMaster {
		t.Errorf("expected role change to master, got %+v", changes)
	}
}

func TestRouteLocalFastPath(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestStore()
	bus := pubsub.NewMemory()
	defer bus.Close()

	n1 := newTestNode(t, ctx, store, bus, 3001)
	n1.sockets.connect("sock-a", "client-a")

	err := n1.coordinator.RouteToClient(ctx, "client-a", model.EventConnectionReady, map[string]string{"shareId": "s"})
	if err != nil {
		t.Fatalf("route failed: %v", err)
	}

	events := n1.sockets.events()
	if len(events) != 1 || events[0].Event != model.EventConnectionReady {
		t.Fatalf("expected one local delivery, got %+v", events)
	}
}

func TestRouteCrossNode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestStore()
	bus := pubsub.NewMemory()
	defer bus.Close()

	n1 := newTestNode(t, ctx, store, bus, 3001)
	n2 := newTestNode(t, ctx, store, bus, 3002)

	// client-b is registered on n2
	n2.sockets.connect("sock-b", "client-b")
	session := model.NewClientSession("client-b", "sock-b", n2.registry.Node().ID)
	if err := store.SetClientSession(ctx, session); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	payload := model.ChunkReceivedPayload{FileID: "file-1", ChunkIndex: 0, Chunk: model.Binary{1, 2, 3}, TotalChunks: 1}
	if err := n1.coordinator.RouteToClient(ctx, "client-b", model.EventChunkReceived, payload); err != nil {
		t.Fatalf("route failed: %v", err)
	}

	waitFor(t, func() bool { return len(n2.sockets.events()) == 1 })

	events := n2.sockets.events()
	if events[0].Event != model.EventChunkReceived || events[0].ClientID != "client-b" {
		t.Fatalf("unexpected delivery %+v", events[0])
	}

	var decoded model.ChunkReceivedPayload
	if err := json.Unmarshal(events[0].Payload, &decoded); err != nil {
		t.Fatalf("payload unmarshal failed: %v", err)
	}
	if string(decoded.Chunk) != "\x01\x02\x03" {
		t.Errorf("chunk bytes mangled: %v", decoded.Chunk)
	}

	if len(n1.sockets.events()) != 0 {
		t.Error("origin node must not deliver a cross-node message locally")
	}
}

func TestRouteOrderingPerSender(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestStore()
	bus := pubsub.NewMemory()
	defer bus.Close()

	n1 := newTestNode(t, ctx, store, bus, 3001)
	n2 := newTestNode(t, ctx, store, bus, 3002)

	n2.sockets.connect("sock-b", "client-b")
	session := model.NewClientSession("client-b", "sock-b", n2.registry.Node().ID)
	if err := store.SetClientSession(ctx, session); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	const chunks = 20
	for i := 0; i < chunks; i++ {
		payload := model.ChunkReceivedPayload{FileID: "file-1", ChunkIndex: i, TotalChunks: chunks}
		if err := n1.coordinator.RouteToClient(ctx, "client-b", model.EventChunkReceived, payload); err != nil {
			t.Fatalf("route %d failed: %v", i, err)
		}
	}

	waitFor(t, func() bool { return len(n2.sockets.events()) == chunks })

	for i, event := range n2.sockets.events() {
		var decoded model.ChunkReceivedPayload
		if err := json.Unmarshal(event.Payload, &decoded); err != nil {
			t.Fatalf("payload unmarshal failed: %v", err)
		}
		if decoded.ChunkIndex != i {
			t.Fatalf("out of order at %d: got chunk %d", i, decoded.ChunkIndex)
		}
	}
}

func TestWorkerFallbackThroughMaster(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestStore()
	bus := pubsub.NewMemory()
	defer bus.Close()

	n1 := newTestNode(t, ctx, store, bus, 3001)
	n2 := newTestNode(t, ctx, store, bus, 3002)

	// n2 is the master and hosts the client; n1 has no session record
	// to route by, so it must fall back to routing:request
	n2.coordinator.Elect(ctx)
	n2.sockets.connect("sock-b", "client-b")

	// no session record exists: the worker cannot resolve the target
	// node and the master must settle it from its registration map
	err := n1.coordinator.RouteToClient(ctx, "client-b", model.EventDownloadConfirmed, model.DownloadConfirmedPayload{FileID: "file-1"})
	if err != nil {
		t.Fatalf("route failed: %v", err)
	}

	waitFor(t, func() bool { return len(n2.sockets.events()) == 1 })

	events := n2.sockets.events()
	if events[0].Event != model.EventDownloadConfirmed {
		t.Fatalf("unexpected delivery %+v", events[0])
	}
}
