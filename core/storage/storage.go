// Package storage unifies the persisted entities of the relay behind a
// single key-spaced contract with TTL-bounded semantics. Two backends
// share the contract: an embedded in-process store and a Redis store
// required for cluster mode. A LevelDB variant of the embedded store
// keeps records across restarts.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/MohamedAYassin/PeerLink/core/model"
)

// TTLs bound the lifetime of each record class.
type TTLs struct {
	ClientSession time.Duration
	ShareSession  time.Duration
	UploadState   time.Duration
}

// Store is the unified contract. Lookups return (nil, nil) when the key
// is missing or expired: on the read path a null is indistinguishable
// from a missing key. Write failures are surfaced to the caller, which
// logs and continues; they never crash the relay.
type Store interface {
	SetClientSession(ctx context.Context, session model.ClientSession) error
	GetClientSession(ctx context.Context, clientID string) (*model.ClientSession, error)
	// GetClientSessions returns every live session of the client, the
	// master routing fallback input. Sessions are keyed per client so
	// the slice holds at most one entry.
	GetClientSessions(ctx context.Context, clientID string) ([]model.ClientSession, error)
	DeleteClientSession(ctx context.Context, clientID string) error
	ListClientSessions(ctx context.Context) ([]model.ClientSession, error)

	SetShareSession(ctx context.Context, share model.ShareSession) error
	GetShareSession(ctx context.Context, shareID string) (*model.ShareSession, error)
	DeleteShareSession(ctx context.Context, shareID string) error

	SetUploadState(ctx context.Context, state model.UploadState) error
	GetUploadState(ctx context.Context, fileID string) (*model.UploadState, error)
	DeleteUploadState(ctx context.Context, fileID string) error
	ListUploadStates(ctx context.Context) ([]model.UploadState, error)

	AddCancelledDownload(ctx context.Context, fileID, clientID string) error
	IsDownloadCancelled(ctx context.Context, fileID, clientID string) (bool, error)
	ClearCancelledDownloads(ctx context.Context, fileID string) error

	// CheckRateLimit atomically increments the counter for key. The
	// first increment in a window arms the window expiry.
	CheckRateLimit(ctx context.Context, key string, max int, window time.Duration) (model.RateLimitResult, error)

	// AcquireMasterLock is an atomic set-if-not-exists with expiry on
	// the cluster:master key.
	AcquireMasterLock(ctx context.Context, nodeID string, ttl time.Duration) (bool, error)
	RefreshMasterLock(ctx context.Context, nodeID string, ttl time.Duration) (bool, error)
	GetMasterNodeID(ctx context.Context) (string, error)

	SetNode(ctx context.Context, node model.Node) error
	GetNode(ctx context.Context, id uuid.UUID) (*model.Node, error)
	FindNodeByAddress(ctx context.Context, hostname string, port int) (*model.Node, error)
	ListNodes(ctx context.Context) ([]model.Node, error)

	IncrFilesSent(ctx context.Context) (int64, error)
	GetFilesSent(ctx context.Context) (int64, error)

	Close() error
}

const (
	keyPrefix     = "peerlink:"
	masterLockKey = keyPrefix + "cluster:master"
	filesSentKey  = keyPrefix + "stats:files-sent"
	sessionIndex  = keyPrefix + "sessions"
	uploadIndex   = keyPrefix + "uploads"
	nodeIndex     = keyPrefix + "nodes"
)

func sessionKey(clientID string) string {
	return keyPrefix + "session:" + clientID
}

func shareKey(shareID string) string {
	return keyPrefix + "share:" + shareID
}

func uploadKey(fileID string) string {
	return keyPrefix + "upload:" + fileID
}

func cancelledKey(fileID string) string {
	return keyPrefix + "cancelled:" + fileID
}

func rateKey(key string) string {
	return keyPrefix + "rate:" + key
}

func nodeKey(id uuid.UUID) string {
	return keyPrefix + "node:" + id.String()
}
