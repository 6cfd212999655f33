// Package cluster implements leader election over the shared store and
// cross-node routing of events to a target client, wherever its socket
// lives.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MohamedAYassin/PeerLink/core/model"
	"github.com/MohamedAYassin/PeerLink/core/pubsub"
	"github.com/MohamedAYassin/PeerLink/core/registry"
	"github.com/MohamedAYassin/PeerLink/core/storage"
	"github.com/MohamedAYassin/PeerLink/lib/logger"
)

var log, _ = logger.New("coordinator")

var (
	ElectionInterval = 5 * time.Second
	MasterLockTTL    = 15 * time.Second
)

var (
	ErrClientUnreachable = errors.New("no reachable socket for client")
	ErrNoSockets         = errors.New("socket registry not attached")
)

// Sockets is the gateway's in-memory socket registry. The coordinator
// tries it first on every route: the local fast path.
type Sockets interface {
	DeliverToSocket(socketID, event string, payload json.RawMessage) bool
	DeliverToClient(clientID, event string, payload json.RawMessage) bool
}

type RoleListener func(change model.ClusterRoleChangePayload)

type Coordinator struct {
	store    storage.Store
	bus      pubsub.PubSub
	registry *registry.Registry

	mu            sync.RWMutex
	sockets       Sockets
	isMaster      bool
	roleListeners []RoleListener
}

func NewCoordinator(store storage.Store, bus pubsub.PubSub, reg *registry.Registry) *Coordinator {
	return &Coordinator{
		store:    store,
		bus:      bus,
		registry: reg,
	}
}

// SetSockets attaches the gateway's socket registry. Called once at
// startup; the gateway depends on the coordinator, not the reverse.
func (c *Coordinator) SetSockets(sockets Sockets) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sockets = sockets
}

// OnRoleChange registers a listener for local role transitions.
func (c *Coordinator) OnRoleChange(fn RoleListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roleListeners = append(c.roleListeners, fn)
}

func (c *Coordinator) NodeID() uuid.UUID {
	return c.registry.Node().ID
}

func (c *Coordinator) IsMaster() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isMaster
}

func (c *Coordinator) MasterID(ctx context.Context) (string, error) {
	return c.store.GetMasterNodeID(ctx)
}

// Start subscribes the routing channels. The election loop is started
// separately so tests can drive single rounds.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.bus.Subscribe(ctx, pubsub.ChannelMessageRoute, c.handleRouteMessage); err != nil {
		return err
	}

	return c.bus.Subscribe(ctx, pubsub.ChannelRoutingRequest, c.handleRoutingRequest)
}

// StartElection runs the election loop until ctx is cancelled. The
// lock TTL outlives the loop cadence threefold, so mastery survives a
// missed round but a dead master is replaced within one TTL.
func (c *Coordinator) StartElection(ctx context.Context) {
	ticker := time.NewTicker(ElectionInterval)
	defer ticker.Stop()

	c.Elect(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Elect(ctx)
		}
	}
}

// Elect runs one election round: an atomic set-if-not-exists on the
// cluster:master key, refreshed when already held.
func (c *Coordinator) Elect(ctx context.Context) {
	nodeID := c.NodeID().String()

	acquired, err := c.store.AcquireMasterLock(ctx, nodeID, MasterLockTTL)
	if err != nil {
		log.Errorw("election", "error", err)
		return
	}

	if acquired {
		c.setMaster(ctx, true)
		return
	}

	current, err := c.store.GetMasterNodeID(ctx)
	if err != nil {
		log.Errorw("election", "error", err)
		return
	}

	if current == nodeID {
		if _, err := c.store.RefreshMasterLock(ctx, nodeID, MasterLockTTL); err != nil {
			log.Errorw("election", "error", err)
		}
		c.setMaster(ctx, true)
		return
	}

	c.setMaster(ctx, false)
}

func (c *Coordinator) setMaster(ctx context.Context, isMaster bool) {
	c.mu.Lock()
	changed := c.isMaster != isMaster
	c.isMaster = isMaster
	listeners := make([]RoleListener, len(c.roleListeners))
	copy(listeners, c.roleListeners)
	c.mu.Unlock()

	if !changed {
		return
	}

	role := model.RoleWorker
	if isMaster {
		role = model.RoleMaster
	}

	if err := c.registry.SetRole(ctx, role); err != nil {
		log.Errorw("election", "error", err)
	}

	log.Infow("election", "status", "role change", "nodeId", c.NodeID(), "role", role)

	change := model.ClusterRoleChangePayload{
		NodeID:   c.NodeID(),
		Role:     role,
		IsMaster: isMaster,
	}
	for _, fn := range listeners {
		fn(change)
	}
}

// RouteToClient delivers (event, payload) to the target client's
// socket, attempting in order: the local fast path, a direct publish
// to the session's node, and the master fallback.
func (c *Coordinator) RouteToClient(ctx context.Context, targetClientID, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	sockets := c.socketRegistry()
	if sockets == nil {
		return ErrNoSockets
	}

	// local fast path
	if sockets.DeliverToClient(targetClientID, event, data) {
		return nil
	}

	session, err := c.store.GetClientSession(ctx, targetClientID)
	if err != nil {
		log.Errorw("route", "error", err, "clientId", targetClientID)
	}

	if session != nil {
		if session.NodeID == c.NodeID() {
			// cache miss on the fast path; the socket may have
			// re-registered while the session record lags
			if sockets.DeliverToSocket(session.SocketID, event, data) {
				return nil
			}
		} else {
			return c.bus.Publish(ctx, pubsub.ChannelMessageRoute, pubsub.RouteMessage{
				TargetNodeID:   session.NodeID,
				TargetClientID: targetClientID,
				SocketID:       session.SocketID,
				Event:          event,
				Payload:        data,
			})
		}
	}

	if !c.IsMaster() {
		// worker fallback: hand the message to the master
		return c.bus.Publish(ctx, pubsub.ChannelRoutingRequest, pubsub.RoutingRequest{
			TargetClientID: targetClientID,
			Event:          event,
			Payload:        data,
		})
	}

	return c.masterRoute(ctx, targetClientID, event, data)
}

// masterRoute is the final fallback: the master resolves every session
// of the target client and either delivers locally or publishes to the
// session's node.
func (c *Coordinator) masterRoute(ctx context.Context, targetClientID, event string, payload json.RawMessage) error {
	sockets := c.socketRegistry()

	// the session record may have lapsed while the socket lives on;
	// the master's own registration map settles that case
	if sockets != nil && sockets.DeliverToClient(targetClientID, event, payload) {
		return nil
	}

	sessions, err := c.store.GetClientSessions(ctx, targetClientID)
	if err != nil {
		return err
	}

	routed := false
	for _, session := range sessions {
		if session.NodeID == c.NodeID() {
			if sockets != nil && sockets.DeliverToSocket(session.SocketID, event, payload) {
				routed = true
			}
			continue
		}

		err := c.bus.Publish(ctx, pubsub.ChannelMessageRoute, pubsub.RouteMessage{
			TargetNodeID:   session.NodeID,
			TargetClientID: targetClientID,
			SocketID:       session.SocketID,
			Event:          event,
			Payload:        payload,
		})
		if err != nil {
			log.Errorw("route", "error", err, "clientId", targetClientID, "nodeId", session.NodeID)
			continue
		}
		routed = true
	}

	if !routed {
		log.Warnw("route", "status", "client unreachable", "clientId", targetClientID, "event", event)
		return ErrClientUnreachable
	}

	return nil
}

// handleRouteMessage consumes message:route publications aimed at this
// node.
func (c *Coordinator) handleRouteMessage(_ string, payload []byte) {
	var msg pubsub.RouteMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Warnw("route", "status", "bad message:route payload", "error", err)
		return
	}

	if msg.TargetNodeID != c.NodeID() {
		return
	}

	sockets := c.socketRegistry()
	if sockets == nil {
		return
	}

	if sockets.DeliverToSocket(msg.SocketID, msg.Event, msg.Payload) {
		return
	}

	// the socket may have reconnected under a new id
	if sockets.DeliverToClient(msg.TargetClientID, msg.Event, msg.Payload) {
		return
	}

	log.Warnw("route", "status", "dropping message, no socket", "clientId", msg.TargetClientID, "event", msg.Event)
}

// handleRoutingRequest consumes routing:request; only the current
// master acts.
func (c *Coordinator) handleRoutingRequest(_ string, payload []byte) {
	if !c.IsMaster() {
		return
	}

	var req pubsub.RoutingRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		log.Warnw("route", "status", "bad routing:request payload", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.masterRoute(ctx, req.TargetClientID, req.Event, req.Payload); err != nil {
		log.Warnw("route", "status", "routing request failed", "clientId", req.TargetClientID, "error", err)
	}
}

func (c *Coordinator) socketRegistry() Sockets {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sockets
}

// Shutdown releases mastery without deleting the lock; the key expires
// on its own and the next election takes over.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.setMaster(ctx, false)
}
