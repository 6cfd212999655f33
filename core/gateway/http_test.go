package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MohamedAYassin/PeerLink/core/cluster"
	"github.com/MohamedAYassin/PeerLink/core/config"
	"github.com/MohamedAYassin/PeerLink/core/pubsub"
	"github.com/MohamedAYassin/PeerLink/core/registry"
	"github.com/MohamedAYassin/PeerLink/core/session"
	"github.com/MohamedAYassin/PeerLink/core/storage"
	"github.com/MohamedAYassin/PeerLink/core/transfer"
)

type testStack struct {
	gateway  *Gateway
	sessions *session.Manager
	engine   *transfer.Engine
	server   *httptest.Server
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemory(storage.TTLs{
		ClientSession: time.Hour,
		ShareSession:  time.Hour,
		UploadState:   time.Hour,
	})
	bus := pubsub.NewMemory()

	reg, err := registry.NewRegistry(ctx, store, "test-host", 3001)
	require.NoError(t, err)

	coordinator := cluster.NewCoordinator(store, bus, reg)
	sessions := session.NewManager(store, bus, coordinator, session.Config{})
	engine := transfer.NewEngine(store, coordinator, transfer.DefaultConfig())

	cfg := &config.Config{}
	cfg.Server.CORSOrigin = "*"

	gw := NewGateway(sessions, engine, coordinator, store, cfg, "test")
	server := httptest.NewServer(gw.Router())
	t.Cleanup(server.Close)
	t.Cleanup(func() { bus.Close() })

	return &testStack{gateway: gw, sessions: sessions, engine: engine, server: server}
}

func (s *testStack) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(s.server.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)

	return resp
}

func (s *testStack) get(t *testing.T, path string) *http.Response {
	t.Helper()

	resp, err := http.Get(s.server.URL + path)
	require.NoError(t, err)

	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestShareCreateAndJoin(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	for _, clientID := range []string{"c1", "c2", "c3"} {
		_, err := stack.sessions.Register(ctx, clientID, "sock-"+clientID)
		require.NoError(t, err)
	}

	resp := stack.post(t, "/api/share/create", map[string]string{"clientId": "c1", "shareId": "share-s"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var created struct {
		Success bool   `json:"success"`
		ShareID string `json:"shareId"`
	}
	decode(t, resp, &created)
	require.True(t, created.Success)
	require.Equal(t, "share-s", created.ShareID)

	// duplicate id conflicts
	resp = stack.post(t, "/api/share/create", map[string]string{"clientId": "c2", "shareId": "share-s"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var conflict errorResponse
	decode(t, resp, &conflict)
	require.Equal(t, "SHARE_EXISTS", conflict.Error.Code)

	// second participant joins
	resp = stack.post(t, "/api/share/join", map[string]string{"shareId": "share-s", "clientId": "c2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var joined struct {
		Success          bool     `json:"success"`
		ShareID          string   `json:"shareId"`
		ConnectedClients []string `json:"connectedClients"`
	}
	decode(t, resp, &joined)
	require.Equal(t, []string{"c1", "c2"}, joined.ConnectedClients)

	// a third is refused with the full-room conflict
	resp = stack.post(t, "/api/share/join", map[string]string{"shareId": "share-s", "clientId": "c3"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var full errorResponse
	decode(t, resp, &full)
	require.Equal(t, "SHARE_SESSION_FULL", full.Error.Code)

	// unknown share is a 404
	resp = stack.post(t, "/api/share/join", map[string]string{"shareId": "nope", "clientId": "c3"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestShareCreateValidation(t *testing.T) {
	stack := newTestStack(t)

	resp := stack.post(t, "/api/share/create", map[string]string{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var bad errorResponse
	decode(t, resp, &bad)
	require.Equal(t, "BAD_REQUEST", bad.Error.Code)
}

func TestHealthEndpoint(t *testing.T) {
	stack := newTestStack(t)

	resp := stack.get(t, "/api/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status   string          `json:"status"`
		Version  string          `json:"version"`
		Features map[string]bool `json:"features"`
	}
	decode(t, resp, &health)
	require.Equal(t, "ok", health.Status)
	require.Equal(t, "test", health.Version)
	require.False(t, health.Features["cluster"])
}

func TestClusterMasterEndpoint(t *testing.T) {
	stack := newTestStack(t)

	resp := stack.get(t, "/api/cluster/master")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var master struct {
		Success  bool   `json:"success"`
		MasterID string `json:"masterId"`
		IsMe     bool   `json:"isMe"`
	}
	decode(t, resp, &master)
	require.True(t, master.Success)
	// no election ran: nobody is master
	require.Empty(t, master.MasterID)
	require.False(t, master.IsMe)
}

func TestUploadSnapshotEndpoint(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	_, err := stack.sessions.Register(ctx, "c1", "sock-c1")
	require.NoError(t, err)
	_, err = stack.sessions.CreateShare(ctx, "c1", "share-s")
	require.NoError(t, err)

	init, err := stack.engine.InitUpload(ctx, transfer.InitRequest{
		ClientID:    "c1",
		FileName:    "x",
		FileSize:    48,
		TotalChunks: 3,
	})
	require.NoError(t, err)

	resp := stack.get(t, "/api/uploads/"+init.FileID)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snapshot transfer.Snapshot
	decode(t, resp, &snapshot)
	require.Equal(t, init.FileID, snapshot.FileID)
	require.Equal(t, 3, snapshot.TotalChunks)
	require.Equal(t, 0, snapshot.Progress)

	resp = stack.get(t, "/api/uploads/file-missing")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	_, err := stack.sessions.Register(ctx, "c1", "sock-c1")
	require.NoError(t, err)

	resp := stack.get(t, "/api/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats struct {
		FilesSent      int64 `json:"filesSent"`
		ActiveSessions int   `json:"activeSessions"`
		UsersJoined    int   `json:"usersJoined"`
	}
	decode(t, resp, &stats)
	require.Equal(t, int64(0), stats.FilesSent)
	require.Equal(t, 1, stats.ActiveSessions)
	require.Equal(t, 1, stats.UsersJoined)
}
