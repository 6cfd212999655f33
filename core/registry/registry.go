// Package registry tracks the nodes of the cluster: registration,
// heartbeat, stale-node sweep and graceful deregistration.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MohamedAYassin/PeerLink/core/model"
	"github.com/MohamedAYassin/PeerLink/core/storage"
	"github.com/MohamedAYassin/PeerLink/lib/logger"
)

var log, _ = logger.New("node-registry")

var (
	HeartbeatInterval = 10 * time.Second
	SweepInterval     = 30 * time.Second
	// StaleThreshold is three missed heartbeats.
	StaleThreshold = 3 * HeartbeatInterval
)

type Registry struct {
	store storage.Store
	mu    sync.RWMutex
	node  model.Node
}

// NewRegistry registers this process as a cluster node. An existing
// node with the same (hostname, port) is reused: its id is kept and
// its status reset to active.
func NewRegistry(ctx context.Context, store storage.Store, hostname string, port int) (*Registry, error) {
	node, err := store.FindNodeByAddress(ctx, hostname, port)
	if err != nil {
		return nil, err
	}

	if node == nil {
		fresh := model.NewNode(hostname, port)
		node = &fresh
		log.Infow("register", "status", "new node", "nodeId", node.ID, "hostname", hostname, "port", port)
	} else {
		node.Status = model.NodeActive
		node.LastHeartbeat = time.Now()
		log.Infow("register", "status", "reusing node", "nodeId", node.ID, "hostname", hostname, "port", port)
	}

	if err := store.SetNode(ctx, *node); err != nil {
		return nil, err
	}

	return &Registry{store: store, node: *node}, nil
}

// Node returns a copy of this node's record.
func (r *Registry) Node() model.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.node
}

// SetRole persists a role transition decided by the coordinator.
func (r *Registry) SetRole(ctx context.Context, role model.NodeRole) error {
	r.mu.Lock()
	r.node.Role = role
	node := r.node
	r.mu.Unlock()

	return r.store.SetNode(ctx, node)
}

// StartHeartbeat renews this node's lastHeartbeat until ctx is
// cancelled.
func (r *Registry) StartHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			r.node.LastHeartbeat = time.Now()
			node := r.node
			r.mu.Unlock()

			if err := r.store.SetNode(ctx, node); err != nil {
				log.Errorw("heartbeat", "error", err)
			}
		}
	}
}

// StartSweep flips stale active nodes to dead and disconnects the
// sessions bound to them.
func (r *Registry) StartSweep(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				log.Errorw("sweep", "error", err)
			}
		}
	}
}

func (r *Registry) Sweep(ctx context.Context) error {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return err
	}

	for _, node := range nodes {
		if !node.IsStale(StaleThreshold) {
			continue
		}

		node.Status = model.NodeDead
		if err := r.store.SetNode(ctx, node); err != nil {
			log.Errorw("sweep", "error", err, "nodeId", node.ID)
			continue
		}

		log.Warnw("sweep", "status", "node marked dead", "nodeId", node.ID)
		r.disconnectSessions(ctx, node.ID)
	}

	return nil
}

func (r *Registry) disconnectSessions(ctx context.Context, nodeID uuid.UUID) {
	sessions, err := r.store.ListClientSessions(ctx)
	if err != nil {
		log.Errorw("sweep", "error", err)
		return
	}

	for _, session := range sessions {
		if session.NodeID != nodeID || !session.Connected {
			continue
		}

		session.Connected = false
		if err := r.store.SetClientSession(ctx, session); err != nil {
			log.Errorw("sweep", "error", err, "clientId", session.ClientID)
		}
	}
}

// ActiveNodes lists nodes currently marked active.
func (r *Registry) ActiveNodes(ctx context.Context) ([]model.Node, error) {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}

	active := nodes[:0]
	for _, node := range nodes {
		if node.Status == model.NodeActive {
			active = append(active, node)
		}
	}

	return active, nil
}

// Shutdown deactivates this node's sessions and marks it inactive.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.node.Status = model.NodeInactive
	node := r.node
	r.mu.Unlock()

	sessions, err := r.store.ListClientSessions(ctx)
	if err == nil {
		for _, session := range sessions {
			if session.NodeID != node.ID || !session.Connected {
				continue
			}

			session.Connected = false
			if err := r.store.SetClientSession(ctx, session); err != nil {
				log.Errorw("shutdown", "error", err, "clientId", session.ClientID)
			}
		}
	}

	return r.store.SetNode(ctx, node)
}
