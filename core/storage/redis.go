package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/MohamedAYassin/PeerLink/core/model"
)

// Redis is the distributed backend. Per-key expiry, set membership and
// the NX-with-TTL master lock map directly onto redis primitives, so a
// cluster of nodes sharing one instance sees a single coherent store.
type Redis struct {
	client *redis.Client
	ttl    TTLs
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

func NewRedis(opts RedisOptions, ttl TTLs) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}

	return &Redis{client: client, ttl: ttl}, nil
}

func (r *Redis) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return r.client.Set(ctx, key, data, ttl).Err()
}

func (r *Redis) getJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, json.Unmarshal(data, v)
}

func (r *Redis) SetClientSession(ctx context.Context, session model.ClientSession) error {
	if err := r.setJSON(ctx, sessionKey(session.ClientID), session, r.ttl.ClientSession); err != nil {
		return err
	}

	return r.client.SAdd(ctx, sessionIndex, session.ClientID).Err()
}

func (r *Redis) GetClientSession(ctx context.Context, clientID string) (*model.ClientSession, error) {
	var session model.ClientSession
	found, err := r.getJSON(ctx, sessionKey(clientID), &session)
	if err != nil || !found {
		return nil, err
	}

	return &session, nil
}

func (r *Redis) GetClientSessions(ctx context.Context, clientID string) ([]model.ClientSession, error) {
	session, err := r.GetClientSession(ctx, clientID)
	if err != nil || session == nil {
		return nil, err
	}

	return []model.ClientSession{*session}, nil
}

func (r *Redis) DeleteClientSession(ctx context.Context, clientID string) error {
	if err := r.client.Del(ctx, sessionKey(clientID)).Err(); err != nil {
		return err
	}

	return r.client.SRem(ctx, sessionIndex, clientID).Err()
}

func (r *Redis) ListClientSessions(ctx context.Context) ([]model.ClientSession, error) {
	ids, err := r.client.SMembers(ctx, sessionIndex).Result()
	if err != nil {
		return nil, err
	}

	sessions := make([]model.ClientSession, 0, len(ids))
	for _, id := range ids {
		session, err := r.GetClientSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if session == nil {
			// expired behind the index
			r.client.SRem(ctx, sessionIndex, id)
			continue
		}
		sessions = append(sessions, *session)
	}

	return sessions, nil
}

func (r *Redis) SetShareSession(ctx context.Context, share model.ShareSession) error {
	return r.setJSON(ctx, shareKey(share.ShareID), share, r.ttl.ShareSession)
}

func (r *Redis) GetShareSession(ctx context.Context, shareID string) (*model.ShareSession, error) {
	var share model.ShareSession
	found, err := r.getJSON(ctx, shareKey(shareID), &share)
	if err != nil || !found {
		return nil, err
	}

	return &share, nil
}

func (r *Redis) DeleteShareSession(ctx context.Context, shareID string) error {
	return r.client.Del(ctx, shareKey(shareID)).Err()
}

func (r *Redis) SetUploadState(ctx context.Context, state model.UploadState) error {
	if err := r.setJSON(ctx, uploadKey(state.FileID), state, r.ttl.UploadState); err != nil {
		return err
	}

	return r.client.SAdd(ctx, uploadIndex, state.FileID).Err()
}

func (r *Redis) GetUploadState(ctx context.Context, fileID string) (*model.UploadState, error) {
	var state model.UploadState
	found, err := r.getJSON(ctx, uploadKey(fileID), &state)
	if err != nil || !found {
		return nil, err
	}

	return &state, nil
}

func (r *Redis) DeleteUploadState(ctx context.Context, fileID string) error {
	if err := r.client.Del(ctx, uploadKey(fileID)).Err(); err != nil {
		return err
	}

	return r.client.SRem(ctx, uploadIndex, fileID).Err()
}

func (r *Redis) ListUploadStates(ctx context.Context) ([]model.UploadState, error) {
	ids, err := r.client.SMembers(ctx, uploadIndex).Result()
	if err != nil {
		return nil, err
	}

	states := make([]model.UploadState, 0, len(ids))
	for _, id := range ids {
		state, err := r.GetUploadState(ctx, id)
		if err != nil {
			return nil, err
		}
		if state == nil {
			r.client.SRem(ctx, uploadIndex, id)
			continue
		}
		states = append(states, *state)
	}

	return states, nil
}

func (r *Redis) AddCancelledDownload(ctx context.Context, fileID, clientID string) error {
	key := cancelledKey(fileID)
	if err := r.client.SAdd(ctx, key, clientID).Err(); err != nil {
		return err
	}

	return r.client.Expire(ctx, key, r.ttl.UploadState).Err()
}

func (r *Redis) IsDownloadCancelled(ctx context.Context, fileID, clientID string) (bool, error) {
	return r.client.SIsMember(ctx, cancelledKey(fileID), clientID).Result()
}

func (r *Redis) ClearCancelledDownloads(ctx context.Context, fileID string) error {
	return r.client.Del(ctx, cancelledKey(fileID)).Err()
}

func (r *Redis) CheckRateLimit(ctx context.Context, key string, max int, window time.Duration) (model.RateLimitResult, error) {
	k := rateKey(key)
	count, err := r.client.Incr(ctx, k).Result()
	if err != nil {
		return model.RateLimitResult{}, err
	}

	if count == 1 {
		if err := r.client.Expire(ctx, k, window).Err(); err != nil {
			return model.RateLimitResult{}, err
		}
	}

	ttl, err := r.client.TTL(ctx, k).Result()
	if err != nil || ttl < 0 {
		ttl = window
	}

	remaining := max - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return model.RateLimitResult{
		Allowed:   count <= int64(max),
		Remaining: remaining,
		ResetAt:   time.Now().Add(ttl),
	}, nil
}

func (r *Redis) AcquireMasterLock(ctx context.Context, nodeID string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, masterLockKey, nodeID, ttl).Result()
}

func (r *Redis) RefreshMasterLock(ctx context.Context, nodeID string, ttl time.Duration) (bool, error) {
	current, err := r.client.Get(ctx, masterLockKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if current != nodeID {
		return false, nil
	}

	return r.client.Expire(ctx, masterLockKey, ttl).Result()
}

func (r *Redis) GetMasterNodeID(ctx context.Context) (string, error) {
	nodeID, err := r.client.Get(ctx, masterLockKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}

	return nodeID, err
}

func (r *Redis) SetNode(ctx context.Context, node model.Node) error {
	if err := r.setJSON(ctx, nodeKey(node.ID), node, 0); err != nil {
		return err
	}

	return r.client.SAdd(ctx, nodeIndex, node.ID.String()).Err()
}

func (r *Redis) GetNode(ctx context.Context, id uuid.UUID) (*model.Node, error) {
	var node model.Node
	found, err := r.getJSON(ctx, nodeKey(id), &node)
	if err != nil || !found {
		return nil, err
	}

	return &node, nil
}

func (r *Redis) FindNodeByAddress(ctx context.Context, hostname string, port int) (*model.Node, error) {
	nodes, err := r.ListNodes(ctx)
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

func (r *Redis) ListNodes(ctx context.Context) ([]model.Node, error) {
	ids, err := r.client.SMembers(ctx, nodeIndex).Result()
	if err != nil {
		return nil, err
	}

	nodes := make([]model.Node, 0, len(ids))
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}

		node, err := r.GetNode(ctx, id)
		if err != nil {
			return nil, err
		}
		if node == nil {
			r.client.SRem(ctx, nodeIndex, raw)
			continue
		}
		nodes = append(nodes, *node)
	}

	return nodes, nil
}

func (r *Redis) IncrFilesSent(ctx context.Context) (int64, error) {
	return r.client.Incr(ctx, filesSentKey).Result()
}

func (r *Redis) GetFilesSent(ctx context.Context) (int64, error) {
	count, err := r.client.Get(ctx, filesSentKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}

	return count, err
}

// Client exposes the underlying connection for the pubsub fabric so
// both share one redis instance.
func (r *Redis) Client() *redis.Client {
	return r.client
}

func (r *Redis) Close() error {
	return r.client.Close()
}
