// Package session manages client sessions and two-participant share
// rooms: registration, admission, join/create/leave and the fan-out
// roster used by the transfer relay.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MohamedAYassin/PeerLink/core/model"
	"github.com/MohamedAYassin/PeerLink/core/pubsub"
	"github.com/MohamedAYassin/PeerLink/core/storage"
	"github.com/MohamedAYassin/PeerLink/lib/logger"
)

var log, _ = logger.New("session-manager")

var (
	ErrShareExists     = errors.New("share already exists")
	ErrShareNotFound   = errors.New("share not found")
	ErrShareFull       = errors.New("share session full")
	ErrSessionNotFound = errors.New("client session not found")
	ErrRateLimited     = errors.New("rate limited")
)

// Router places an event on the target client's socket, local or not.
type Router interface {
	RouteToClient(ctx context.Context, targetClientID, event string, payload any) error
	NodeID() uuid.UUID
}

type Config struct {
	HeartbeatPerMinute int
	RateLimitWindow    time.Duration
}

type Manager struct {
	store  storage.Store
	bus    pubsub.PubSub
	router Router
	cfg    Config
}

func NewManager(store storage.Store, bus pubsub.PubSub, router Router, cfg Config) *Manager {
	if cfg.HeartbeatPerMinute == 0 {
		cfg.HeartbeatPerMinute = 1000
	}
	if cfg.RateLimitWindow == 0 {
		cfg.RateLimitWindow = time.Minute
	}

	return &Manager{
		store:  store,
		bus:    bus,
		router: router,
		cfg:    cfg,
	}
}

// Register creates the client session and binds it to this node.
func (m *Manager) Register(ctx context.Context, clientID, socketID string) (*model.ClientSession, error) {
	session := model.NewClientSession(clientID, socketID, m.router.NodeID())
	if err := m.store.SetClientSession(ctx, session); err != nil {
		return nil, err
	}

	err := m.bus.Publish(ctx, pubsub.ChannelSessionCreated, pubsub.SessionEvent{
		ClientID: clientID,
		NodeID:   session.NodeID,
		SocketID: socketID,
	})
	if err != nil {
		log.Errorw("register", "error", err, "clientId", clientID)
	}

	log.Infow("register", "clientId", clientID, "socketId", socketID)
	return &session, nil
}

// Heartbeat refreshes session liveness. Floods beyond the per-client
// window limit are rejected with the window reset time.
func (m *Manager) Heartbeat(ctx context.Context, clientID string) (model.RateLimitResult, error) {
	result, err := m.store.CheckRateLimit(ctx, "heartbeat:"+clientID, m.cfg.HeartbeatPerMinute, m.cfg.RateLimitWindow)
	if err != nil {
		// a broken limiter must not take heartbeats down with it
		log.Errorw("heartbeat", "error", err, "clientId", clientID)
		result = model.RateLimitResult{Allowed: true}
	}

	if !result.Allowed {
		return result, ErrRateLimited
	}

	session, err := m.store.GetClientSession(ctx, clientID)
	if err != nil {
		return result, err
	}
	if session == nil {
		return result, ErrSessionNotFound
	}

	session.LastHeartbeat = time.Now()
	session.Connected = true
	return result, m.store.SetClientSession(ctx, *session)
}

// CreateShare opens a share room with the creator as sole participant.
// An explicit shareId is rejected when taken; otherwise one is
// generated.
func (m *Manager) CreateShare(ctx context.Context, clientID, shareID string) (*model.ShareSession, error) {
	if shareID == "" {
		shareID = model.NewShareID()
	} else {
		existing, err := m.store.GetShareSession(ctx, shareID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, ErrShareExists
		}
	}

	share := model.NewShareSession(shareID, clientID)
	if err := m.store.SetShareSession(ctx, share); err != nil {
		return nil, err
	}

	if err := m.bindClientToShare(ctx, clientID, shareID); err != nil {
		return nil, err
	}

	err := m.bus.Publish(ctx, pubsub.ChannelShareCreated, pubsub.ShareEvent{
		ShareID:  shareID,
		ClientID: clientID,
		NodeID:   m.router.NodeID(),
	})
	if err != nil {
		log.Errorw("create-share", "error", err, "shareId", shareID)
	}

	m.emitConnectionReady(ctx, clientID, &share)

	log.Infow("create-share", "shareId", shareID, "clientId", clientID)
	return &share, nil
}

// JoinShare admits a second participant. Rejected when the share is
// missing, inactive or already holds two clients.
func (m *Manager) JoinShare(ctx context.Context, shareID, clientID string) (*model.ShareSession, error) {
	share, err := m.store.GetShareSession(ctx, shareID)
	if err != nil {
		return nil, err
	}
	if share == nil || share.Status != model.ShareActive {
		return nil, ErrShareNotFound
	}
	if share.HasClient(clientID) {
		return share, nil
	}
	if share.IsFull() {
		return nil, ErrShareFull
	}

	share.AddClient(clientID)
	if err := m.store.SetShareSession(ctx, *share); err != nil {
		return nil, err
	}

	if err := m.bindClientToShare(ctx, clientID, shareID); err != nil {
		return nil, err
	}

	// both participants learn the join; each is told about the other
	for _, member := range share.Clients {
		m.emitConnectionReady(ctx, member, share)

		others := share.Others(member)
		for _, other := range others {
			err := m.router.RouteToClient(ctx, member, model.EventClientJoinedShare, model.ShareEventPayload{
				ClientID: other,
				ShareID:  shareID,
			})
			if err != nil {
				log.Warnw("join-share", "status", "notify failed", "clientId", member, "error", err)
			}
		}
	}

	log.Infow("join-share", "shareId", shareID, "clientId", clientID, "clients", len(share.Clients))
	return share, nil
}

// Disconnect removes the client from its share, notifies the remaining
// participant and deactivates the session.
func (m *Manager) Disconnect(ctx context.Context, clientID string) error {
	session, err := m.store.GetClientSession(ctx, clientID)
	if err != nil {
		return err
	}
	if session == nil {
		return nil
	}

	if session.ShareID != "" {
		m.leaveShare(ctx, session.ShareID, clientID)
	}

	session.Connected = false
	session.ShareID = ""
	if err := m.store.SetClientSession(ctx, *session); err != nil {
		log.Errorw("disconnect", "error", err, "clientId", clientID)
	}

	err = m.bus.Publish(ctx, pubsub.ChannelSessionEnded, pubsub.SessionEvent{
		ClientID: clientID,
		NodeID:   session.NodeID,
		SocketID: session.SocketID,
	})
	if err != nil {
		log.Errorw("disconnect", "error", err, "clientId", clientID)
	}

	log.Infow("disconnect", "clientId", clientID)
	return nil
}

func (m *Manager) leaveShare(ctx context.Context, shareID, clientID string) {
	share, err := m.store.GetShareSession(ctx, shareID)
	if err != nil || share == nil {
		return
	}

	share.RemoveClient(clientID)

	if len(share.Clients) == 0 {
		if err := m.store.DeleteShareSession(ctx, shareID); err != nil {
			log.Errorw("leave-share", "error", err, "shareId", shareID)
		}
		return
	}

	if err := m.store.SetShareSession(ctx, *share); err != nil {
		log.Errorw("leave-share", "error", err, "shareId", shareID)
		return
	}

	for _, member := range share.Clients {
		err := m.router.RouteToClient(ctx, member, model.EventClientLeftShare, model.ShareEventPayload{
			ClientID: clientID,
			ShareID:  shareID,
		})
		if err != nil {
			log.Warnw("leave-share", "status", "notify failed", "clientId", member, "error", err)
		}
	}
}

// ShareRecipients returns the other participants of the client's
// share, the relay fan-out list.
func (m *Manager) ShareRecipients(ctx context.Context, clientID string) ([]string, error) {
	session, err := m.store.GetClientSession(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if session == nil || session.ShareID == "" {
		return nil, nil
	}

	share, err := m.store.GetShareSession(ctx, session.ShareID)
	if err != nil || share == nil {
		return nil, err
	}

	return share.Others(clientID), nil
}

// ActiveSessions counts connected client sessions, a stats gauge.
func (m *Manager) ActiveSessions(ctx context.Context) (int, error) {
	sessions, err := m.store.ListClientSessions(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, session := range sessions {
		if session.Connected {
			count++
		}
	}

	return count, nil
}

func (m *Manager) bindClientToShare(ctx context.Context, clientID, shareID string) error {
	session, err := m.store.GetClientSession(ctx, clientID)
	if err != nil {
		return err
	}
	if session == nil {
		return ErrSessionNotFound
	}

	// a client belongs to at most one share: leave the previous one
	if session.ShareID != "" && session.ShareID != shareID {
		m.leaveShare(ctx, session.ShareID, clientID)
	}

	session.ShareID = shareID
	return m.store.SetClientSession(ctx, *session)
}

func (m *Manager) emitConnectionReady(ctx context.Context, clientID string, share *model.ShareSession) {
	err := m.router.RouteToClient(ctx, clientID, model.EventConnectionReady, model.ConnectionReadyPayload{
		ShareID:          share.ShareID,
		ConnectedClients: share.Clients,
		Message:          fmt.Sprintf("%d client(s) connected", len(share.Clients)),
	})
	if err != nil {
		log.Warnw("connection-ready", "status", "notify failed", "clientId", clientID, "error", err)
	}
}
