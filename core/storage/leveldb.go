package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dslvl "github.com/ipfs/go-ds-leveldb"

	"github.com/MohamedAYassin/PeerLink/core/model"
)

// record wraps a stored blob with its expiry timestamp, checked on
// access and reaped by the cleanup loop. LevelDB has no native TTL.
type record struct {
	ExpiresAt time.Time       `json:"expiresAt,omitempty"`
	Data      json.RawMessage `json:"data"`
}

func (r record) expired() bool {
	return !r.ExpiresAt.IsZero() && time.Now().After(r.ExpiresAt)
}

// LevelDB is the persisted variant of the embedded backend. Sessions,
// shares, uploads and the files-sent counter survive a restart. The
// master lock and rate counters are process-local concerns but live
// here too so the backend satisfies the full contract.
type LevelDB struct {
	store *dslvl.Datastore
	mu    sync.Mutex
	ttl   TTLs
}

func NewLevelDB(path string, ttl TTLs) (*LevelDB, error) {
	store, err := dslvl.NewDatastore(path, nil)
	if err != nil {
		return nil, err
	}

	return &LevelDB{store: store, ttl: ttl}, nil
}

func (l *LevelDB) put(ctx context.Context, key ds.Key, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	rec := record{Data: data}
	if ttl > 0 {
		rec.ExpiresAt = time.Now().Add(ttl)
	}

	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return l.store.Put(ctx, key, blob)
}

func (l *LevelDB) get(ctx context.Context, key ds.Key, v any) (bool, error) {
	blob, err := l.store.Get(ctx, key)
	if errors.Is(err, ds.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var rec record
	if err := json.Unmarshal(blob, &rec); err != nil {
		return false, err
	}
	if rec.expired() {
		return false, nil
	}

	return true, json.Unmarshal(rec.Data, v)
}

func (l *LevelDB) list(ctx context.Context, prefix string, each func(data json.RawMessage) error) error {
	res, err := l.store.Query(ctx, dsq.Query{Prefix: prefix})
	if err != nil {
		return err
	}
	defer res.Close()

	for {
		r, hasNext := res.NextSync()
		if !hasNext {
			break
		}
		if r.Error != nil {
			return r.Error
		}

		var rec record
		if err := json.Unmarshal(r.Value, &rec); err != nil {
			return err
		}
		if rec.expired() {
			continue
		}

		if err := each(rec.Data); err != nil {
			return err
		}
	}

	return nil
}

func sessionDSKey(clientID string) ds.Key { return ds.NewKey("/session/" + clientID) }
func shareDSKey(shareID string) ds.Key    { return ds.NewKey("/share/" + shareID) }
func uploadDSKey(fileID string) ds.Key    { return ds.NewKey("/upload/" + fileID) }
func cancelledDSKey(fileID string) ds.Key { return ds.NewKey("/cancelled/" + fileID) }
func rateDSKey(key string) ds.Key         { return ds.NewKey("/rate/" + key) }
func nodeDSKey(id uuid.UUID) ds.Key       { return ds.NewKey("/node/" + id.String()) }

var (
	lockDSKey      = ds.NewKey("/lock/master")
	filesSentDSKey = ds.NewKey("/counter/files-sent")
)

func (l *LevelDB) SetClientSession(ctx context.Context, session model.ClientSession) error {
	return l.put(ctx, sessionDSKey(session.ClientID), session, l.ttl.ClientSession)
}

func (l *LevelDB) GetClientSession(ctx context.Context, clientID string) (*model.ClientSession, error) {
	var session model.ClientSession
	found, err := l.get(ctx, sessionDSKey(clientID), &session)
	if err != nil || !found {
		return nil, err
	}

	return &session, nil
}

func (l *LevelDB) GetClientSessions(ctx context.Context, clientID string) ([]model.ClientSession, error) {
	session, err := l.GetClientSession(ctx, clientID)
	if err != nil || session == nil {
		return nil, err
	}

	return []model.ClientSession{*session}, nil
}

func (l *LevelDB) DeleteClientSession(ctx context.Context, clientID string) error {
	return l.store.Delete(ctx, sessionDSKey(clientID))
}

func (l *LevelDB) ListClientSessions(ctx context.Context) ([]model.ClientSession, error) {
	var sessions []model.ClientSession
	err := l.list(ctx, "/session", func(data json.RawMessage) error {
		var session model.ClientSession
		if err := json.Unmarshal(data, &session); err != nil {
			return err
		}
		sessions = append(sessions, session)
		return nil
	})

	return sessions, err
}

func (l *LevelDB) SetShareSession(ctx context.Context, share model.ShareSession) error {
	return l.put(ctx, shareDSKey(share.ShareID), share, l.ttl.ShareSession)
}

func (l *LevelDB) GetShareSession(ctx context.Context, shareID string) (*model.ShareSession, error) {
	var share model.ShareSession
	found, err := l.get(ctx, shareDSKey(shareID), &share)
	if err != nil || !found {
		return nil, err
	}

	return &share, nil
}

func (l *LevelDB) DeleteShareSession(ctx context.Context, shareID string) error {
	return l.store.Delete(ctx, shareDSKey(shareID))
}

func (l *LevelDB) SetUploadState(ctx context.Context, state model.UploadState) error {
	return l.put(ctx, uploadDSKey(state.FileID), state, l.ttl.UploadState)
}

func (l *LevelDB) GetUploadState(ctx context.Context, fileID string) (*model.UploadState, error) {
	var state model.UploadState
	found, err := l.get(ctx, uploadDSKey(fileID), &state)
	if err != nil || !found {
		return nil, err
	}

	return &state, nil
}

func (l *LevelDB) DeleteUploadState(ctx context.Context, fileID string) error {
	return l.store.Delete(ctx, uploadDSKey(fileID))
}

func (l *LevelDB) ListUploadStates(ctx context.Context) ([]model.UploadState, error) {
	var states []model.UploadState
	err := l.list(ctx, "/upload", func(data json.RawMessage) error {
		var state model.UploadState
		if err := json.Unmarshal(data, &state); err != nil {
			return err
		}
		states = append(states, state)
		return nil
	})

	return states, err
}

func (l *LevelDB) AddCancelledDownload(ctx context.Context, fileID, clientID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	members := map[string]bool{}
	if _, err := l.get(ctx, cancelledDSKey(fileID), &members); err != nil {
		return err
	}

	members[clientID] = true
	return l.put(ctx, cancelledDSKey(fileID), members, l.ttl.UploadState)
}

func (l *LevelDB) IsDownloadCancelled(ctx context.Context, fileID, clientID string) (bool, error) {
	members := map[string]bool{}
	found, err := l.get(ctx, cancelledDSKey(fileID), &members)
	if err != nil || !found {
		return false, err
	}

	return members[clientID], nil
}

func (l *LevelDB) ClearCancelledDownloads(ctx context.Context, fileID string) error {
	return l.store.Delete(ctx, cancelledDSKey(fileID))
}

func (l *LevelDB) CheckRateLimit(ctx context.Context, key string, max int, window time.Duration) (model.RateLimitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := rateWindow{}
	wire := struct {
		Count   int       `json:"count"`
		ResetAt time.Time `json:"resetAt"`
	}{}

	found, err := l.get(ctx, rateDSKey(key), &wire)
	if err != nil {
		return model.RateLimitResult{}, err
	}

	now := time.Now()
	if found && now.Before(wire.ResetAt) {
		w.count = wire.Count
		w.resetAt = wire.ResetAt
	} else {
		w.resetAt = now.Add(window)
	}

	w.count++
	wire.Count = w.count
	wire.ResetAt = w.resetAt
	if err := l.put(ctx, rateDSKey(key), wire, window); err != nil {
		return model.RateLimitResult{}, err
	}

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

type lockWire struct {
	NodeID    string    `json:"nodeId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (l *LevelDB) AcquireMasterLock(ctx context.Context, nodeID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var lock lockWire
	found, err := l.get(ctx, lockDSKey, &lock)
	if err != nil {
		return false, err
	}

	if found && lock.NodeID != "" && time.Now().Before(lock.ExpiresAt) {
		return false, nil
	}

	lock = lockWire{NodeID: nodeID, ExpiresAt: time.Now().Add(ttl)}
	return true, l.put(ctx, lockDSKey, lock, 0)
}

func (l *LevelDB) RefreshMasterLock(ctx context.Context, nodeID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var lock lockWire
	found, err := l.get(ctx, lockDSKey, &lock)
	if err != nil {
		return false, err
	}

	if !found || lock.NodeID != nodeID {
		return false, nil
	}

	lock.ExpiresAt = time.Now().Add(ttl)
	return true, l.put(ctx, lockDSKey, lock, 0)
}

func (l *LevelDB) GetMasterNodeID(ctx context.Context) (string, error) {
	var lock lockWire
	found, err := l.get(ctx, lockDSKey, &lock)
	if err != nil || !found {
		return "", err
	}

	if time.Now().After(lock.ExpiresAt) {
		return "", nil
	}

	return lock.NodeID, nil
}

func (l *LevelDB) SetNode(ctx context.Context, node model.Node) error {
	return l.put(ctx, nodeDSKey(node.ID), node, 0)
}

func (l *LevelDB) GetNode(ctx context.Context, id uuid.UUID) (*model.Node, error) {
	var node model.Node
	found, err := l.get(ctx, nodeDSKey(id), &node)
	if err != nil || !found {
		return nil, err
	}

	return &node, nil
}

func (l *LevelDB) FindNodeByAddress(ctx context.Context, hostname string, port int) (*model.Node, error) {
	nodes, err := l.ListNodes(ctx)
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

func (l *LevelDB) ListNodes(ctx context.Context) ([]model.Node, error) {
	var nodes []model.Node
	err := l.list(ctx, "/node", func(data json.RawMessage) error {
		var node model.Node
		if err := json.Unmarshal(data, &node); err != nil {
			return err
		}
		nodes = append(nodes, node)
		return nil
	})

	return nodes, err
}

func (l *LevelDB) IncrFilesSent(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var count int64
	if _, err := l.get(ctx, filesSentDSKey, &count); err != nil {
		return 0, err
	}

	count++
	return count, l.put(ctx, filesSentDSKey, count, 0)
}

func (l *LevelDB) GetFilesSent(ctx context.Context) (int64, error) {
	var count int64
	if _, err := l.get(ctx, filesSentDSKey, &count); err != nil {
		return 0, err
	}

	return count, nil
}

// RemoveExpired reaps every expired record; called by the cleanup loop.
func (l *LevelDB) RemoveExpired(ctx context.Context) error {
	res, err := l.store.Query(ctx, dsq.Query{})
	if err != nil {
		return err
	}
	defer res.Close()

	for {
		r, hasNext := res.NextSync()
		if !hasNext {
			break
		}
		if r.Error != nil {
			return r.Error
		}

		var rec record
		if err := json.Unmarshal(r.Value, &rec); err != nil {
			continue
		}
		if rec.expired() {
			if err := l.store.Delete(ctx, ds.NewKey(r.Key)); err != nil {
				return err
			}
		}
	}

	return nil
}

func (l *LevelDB) Close() error {
	return l.store.Close()
}
