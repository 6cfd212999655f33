package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MohamedAYassin/PeerLink/core/model"
)

// entry is one stored record with its expiry timestamp. A zero
// expiresAt means the record never expires.
type entry struct {
	data      []byte
	expiresAt time.Time
}

func (e entry) expired() bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

type rateWindow struct {
	count   int
	resetAt time.Time
}

type lockEntry struct {
	nodeID    string
	expiresAt time.Time
}

// Memory is the embedded backend: in-process maps guarded by a mutex,
// TTL approximated with expiry timestamps checked on access and swept
// by the cleanup loop. Records round-trip through json so membership
// semantics match the distributed backend.
type Memory struct {
	mu        sync.RWMutex
	sessions  map[string]entry
	shares    map[string]entry
	uploads   map[string]entry
	nodes     map[uuid.UUID]entry
	cancelled map[string]entry
	rates     map[string]*rateWindow
	lock      lockEntry
	filesSent int64
	ttl       TTLs
}

func NewMemory(ttl TTLs) *Memory {
	return &Memory{
		sessions:  make(map[string]entry),
		shares:    make(map[string]entry),
		uploads:   make(map[string]entry),
		nodes:     make(map[uuid.UUID]entry),
		cancelled: make(map[string]entry),
		rates:     make(map[string]*rateWindow),
		ttl:       ttl,
	}
}

func (m *Memory) SetClientSession(_ context.Context, session model.ClientSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ClientID] = entry{data: data, expiresAt: time.Now().Add(m.ttl.ClientSession)}
	return nil
}

func (m *Memory) GetClientSession(_ context.Context, clientID string) (*model.ClientSession, error) {
	m.mu.RLock()
	e, exists := m.sessions[clientID]
	m.mu.RUnlock()

	if !exists || e.expired() {
		return nil, nil
	}

	var session model.ClientSession
	if err := json.Unmarshal(e.data, &session); err != nil {
		return nil, err
	}

	return &session, nil
}

func (m *Memory) GetClientSessions(ctx context.Context, clientID string) ([]model.ClientSession, error) {
	session, err := m.GetClientSession(ctx, clientID)
	if err != nil || session == nil {
		return nil, err
	}

	return []model.ClientSession{*session}, nil
}

func (m *Memory) DeleteClientSession(_ context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, clientID)
	return nil
}

func (m *Memory) ListClientSessions(_ context.Context) ([]model.ClientSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]model.ClientSession, 0, len(m.sessions))
	for _, e := range m.sessions {
		if e.expired() {
			continue
		}

		var session model.ClientSession
		if err := json.Unmarshal(e.data, &session); err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}

	return sessions, nil
}

func (m *Memory) SetShareSession(_ context.Context, share model.ShareSession) error {
	data, err := json.Marshal(share)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.shares[share.ShareID] = entry{data: data, expiresAt: time.Now().Add(m.ttl.ShareSession)}
	return nil
}

func (m *Memory) GetShareSession(_ context.Context, shareID string) (*model.ShareSession, error) {
	m.mu.RLock()
	e, exists := m.shares[shareID]
	m.mu.RUnlock()

	if !exists || e.expired() {
		return nil, nil
	}

	var share model.ShareSession
	if err := json.Unmarshal(e.data, &share); err != nil {
		return nil, err
	}

	return &share, nil
}

func (m *Memory) DeleteShareSession(_ context.Context, shareID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.shares, shareID)
	return nil
}

func (m *Memory) SetUploadState(_ context.Context, state model.UploadState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads[state.FileID] = entry{data: data, expiresAt: time.Now().Add(m.ttl.UploadState)}
	return nil
}

func (m *Memory) GetUploadState(_ context.Context, fileID string) (*model.UploadState, error) {
	m.mu.RLock()
	e, exists := m.uploads[fileID]
	m.mu.RUnlock()

	if !exists || e.expired() {
		return nil, nil
	}

	var state model.UploadState
	if err := json.Unmarshal(e.data, &state); err != nil {
		return nil, err
	}

	return &state, nil
}

func (m *Memory) DeleteUploadState(_ context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, fileID)
	return nil
}

func (m *Memory) ListUploadStates(_ context.Context) ([]model.UploadState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make([]model.UploadState, 0, len(m.uploads))
	for _, e := range m.uploads {
		if e.expired() {
			continue
		}

		var state model.UploadState
		if err := json.Unmarshal(e.data, &state); err != nil {
			return nil, err
		}
		states = append(states, state)
	}

	return states, nil
}

func (m *Memory) AddCancelledDownload(_ context.Context, fileID, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	members := map[string]bool{}
	if e, exists := m.cancelled[fileID]; exists && !e.expired() {
		if err := json.Unmarshal(e.data, &members); err != nil {
			return err
		}
	}

	members[clientID] = true
	data, err := json.Marshal(members)
	if err != nil {
		return err
	}

	m.cancelled[fileID] = entry{data: data, expiresAt: time.Now().Add(m.ttl.UploadState)}
	return nil
}

func (m *Memory) IsDownloadCancelled(_ context.Context, fileID, clientID string) (bool, error) {
	m.mu.RLock()
	e, exists := m.cancelled[fileID]
	m.mu.RUnlock()

	if !exists || e.expired() {
		return false, nil
	}

	members := map[string]bool{}
	if err := json.Unmarshal(e.data, &members); err != nil {
		return false, err
	}

	return members[clientID], nil
}

func (m *Memory) ClearCancelledDownloads(_ context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cancelled, fileID)
	return nil
}

func (m *Memory) CheckRateLimit(_ context.Context, key string, max int, window time.Duration) (model.RateLimitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	w, exists := m.rates[key]
	if !exists || now.After(w.resetAt) {
		w = &rateWindow{resetAt: now.Add(window)}
		m.rates[key] = w
	}

	w.count++
	remaining := max - w.count
	if remaining < 0 {
		remaining = 0
	}

	return model.RateLimitResult{
		Allowed:   w.count <= max,
		Remaining: remaining,
		ResetAt:   w.resetAt,
	}, nil
}

func (m *Memory) AcquireMasterLock(_ context.Context, nodeID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if m.lock.nodeID != "" && now.Before(m.lock.expiresAt) {
		return false, nil
	}

	m.lock = lockEntry{nodeID: nodeID, expiresAt: now.Add(ttl)}
	return true, nil
}

func (m *Memory) RefreshMasterLock(_ context.Context, nodeID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lock.nodeID != nodeID {
		return false, nil
	}

	m.lock.expiresAt = time.Now().Add(ttl)
	return true, nil
}

func (m *Memory) GetMasterNodeID(_ context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.lock.nodeID == "" || time.Now().After(m.lock.expiresAt) {
		return "", nil
	}

	return m.lock.nodeID, nil
}

func (m *Memory) SetNode(_ context.Context, node model.Node) error {
	data, err := json.Marshal(node)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[node.ID] = entry{data: data}
	return nil
}

func (m *Memory) GetNode(_ context.Context, id uuid.UUID) (*model.Node, error) {
	m.mu.RLock()
	e, exists := m.nodes[id]
	m.mu.RUnlock()

	if !exists {
		return nil, nil
	}

	var node model.Node
	if err := json.Unmarshal(e.data, &node); err != nil {
		return nil, err
	}

	return &node, nil
}

func (m *Memory) FindNodeByAddress(ctx context.Context, hostname string, port int) (*model.Node, error) {
	nodes, err := m.ListNodes(ctx)
	if err != nil {
		return nil, err
	}

	for i := range nodes {
		if nodes[i].Hostname == hostname && nodes[i].Port == port {
			return &nodes[i], nil
		}
	}

	return nil, nil
}

func (m *Memory) ListNodes(_ context.Context) ([]model.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]model.Node, 0, len(m.nodes))
	for _, e := range m.nodes {
		var node model.Node
		if err := json.Unmarshal(e.data, &node); err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}

	return nodes, nil
}

func (m *Memory) IncrFilesSent(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filesSent++
	return m.filesSent, nil
}

func (m *Memory) GetFilesSent(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filesSent, nil
}

// RemoveExpired drops expired records; called by the cleanup loop.
func (m *Memory) RemoveExpired(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, e := range m.sessions {
		if e.expired() {
			delete(m.sessions, id)
		}
	}
	for id, e := range m.shares {
		if e.expired() {
			delete(m.shares, id)
		}
	}
	for id, e := range m.uploads {
		if e.expired() {
			delete(m.uploads, id)
		}
	}
	for id, e := range m.cancelled {
		if e.expired() {
			delete(m.cancelled, id)
		}
	}
	for key, w := range m.rates {
		if time.Now().After(w.resetAt) {
			delete(m.rates, key)
		}
	}

	return nil
}

func (m *Memory) Close() error {
	return nil
}
