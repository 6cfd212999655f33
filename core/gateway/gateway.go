// Package gateway is the client-facing edge: a websocket event channel
// per client plus the HTTP admission and observability surface.
// Business decisions are deferred to the session manager, the transfer
// engine and the coordinator.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/MohamedAYassin/PeerLink/core/cluster"
	"github.com/MohamedAYassin/PeerLink/core/config"
	"github.com/MohamedAYassin/PeerLink/core/model"
	"github.com/MohamedAYassin/PeerLink/core/session"
	"github.com/MohamedAYassin/PeerLink/core/storage"
	"github.com/MohamedAYassin/PeerLink/core/transfer"
	"github.com/MohamedAYassin/PeerLink/lib/cmap"
	"github.com/MohamedAYassin/PeerLink/lib/logger"
)

var log, _ = logger.New("gateway")

const sendQueueSize = 256

// conn is one client connection. Outbound frames pass through a
// single writer goroutine, which keeps the per-connection stream FIFO.
type conn struct {
	id   string
	ws   *websocket.Conn
	send chan Frame
	done chan struct{}

	mu       sync.RWMutex
	clientID string

	closeOnce sync.Once
}

func (c *conn) client() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

func (c *conn) bind(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientID = clientID
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// enqueue places a frame on the connection's outbound queue without
// blocking the caller.
func (c *conn) enqueue(frame Frame) bool {
	select {
	case <-c.done:
		return false
	case c.send <- frame:
		return true
	default:
		log.Warnw("send", "status", "queue full, dropping frame", "socketId", c.id, "event", frame.Event)
		return false
	}
}

type Gateway struct {
	sessions    *session.Manager
	engine      *transfer.Engine
	coordinator *cluster.Coordinator
	store       storage.Store
	cfg         *config.Config
	version     string

	upgrader websocket.Upgrader
	conns    cmap.Map[string, *conn]
	clients  cmap.Map[string, string]

	wg sync.WaitGroup
}

func NewGateway(sessions *session.Manager, engine *transfer.Engine, coordinator *cluster.Coordinator, store storage.Store, cfg *config.Config, version string) *Gateway {
	g := &Gateway{
		sessions:    sessions,
		engine:      engine,
		coordinator: coordinator,
		store:       store,
		cfg:         cfg,
		version:     version,
		conns:       cmap.NewMap[string, *conn](),
		clients:     cmap.NewMap[string, string](),
	}

	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     g.checkOrigin,
	}

	coordinator.SetSockets(g)
	coordinator.OnRoleChange(g.broadcastRoleChange)

	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := g.cfg.Server.CORSOrigin
	if origin == "" || origin == "*" {
		return true
	}

	return r.Header.Get("Origin") == origin
}

// HandleWS upgrades the connection and runs its read loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnw("upgrade", "error", err)
		return
	}

	c := &conn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan Frame, sendQueueSize),
		done: make(chan struct{}),
	}
	g.conns.Set(c.id, c)

	g.wg.Add(1)
	go g.writePump(c)

	g.readPump(r.Context(), c)
}

func (g *Gateway) writePump(c *conn) {
	defer g.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.ws.WriteJSON(frame); err != nil {
				log.Warnw("send", "error", err, "socketId", c.id)
				c.close()
				return
			}
		}
	}
}

func (g *Gateway) readPump(ctx context.Context, c *conn) {
	defer g.dropConn(c)

	for {
		var frame Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return
		}

		g.dispatch(ctx, c, frame)
	}
}

func (g *Gateway) dropConn(c *conn) {
	c.close()
	g.conns.Delete(c.id)

	clientID := c.client()
	if clientID == "" {
		return
	}

	// the request context died with the socket; bookkeeping still has
	// to run
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// another socket may have taken the client id over
	if socketID, ok := g.clients.Get(clientID); ok && *socketID == c.id {
		g.clients.Delete(clientID)
		if err := g.sessions.Disconnect(ctx, clientID); err != nil {
			log.Errorw("disconnect", "error", err, "clientId", clientID)
		}
	}
}

// dispatch handles one inbound frame. The event set is closed; unknown
// discriminants are logged and dropped.
func (g *Gateway) dispatch(ctx context.Context, c *conn, frame Frame) {
	switch frame.Event {
	case model.EventRegister:
		g.handleRegister(ctx, c, frame)
	case model.EventHeartbeat:
		g.handleHeartbeat(ctx, c, frame)
	case model.EventUploadInit:
		g.handleUploadInit(ctx, c, frame)
	case model.EventUploadChunk:
		g.handleUploadChunk(ctx, c, frame)
	case model.EventChunkAcknowledged:
		g.handleChunkAck(ctx, c, frame)
	case model.EventDownloadConfirmed:
		g.handleDownloadConfirmed(ctx, c, frame)
	case model.EventCancelDownload:
		g.handleCancelDownload(ctx, c, frame)
	case model.EventPauseUpload:
		g.handleUploadControl(ctx, c, frame, g.engine.PauseUpload)
	case model.EventResumeUpload:
		g.handleUploadControl(ctx, c, frame, g.engine.ResumeUpload)
	default:
		log.Warnw("dispatch", "status", "unknown event", "event", frame.Event, "socketId", c.id)
	}
}

func (g *Gateway) handleRegister(ctx context.Context, c *conn, frame Frame) {
	var payload registerPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.ClientID == "" {
		log.Warnw("register", "status", "bad payload", "socketId", c.id)
		return
	}

	c.bind(payload.ClientID)
	g.clients.Set(payload.ClientID, c.id)

	if _, err := g.sessions.Register(ctx, payload.ClientID, c.id); err != nil {
		log.Errorw("register", "error", err, "clientId", payload.ClientID)
		return
	}

	masterID, err := g.coordinator.MasterID(ctx)
	if err != nil {
		log.Errorw("register", "error", err)
	}

	g.emit(c, model.EventRegistered, model.RegisteredPayload{
		NodeID:   g.coordinator.NodeID(),
		IsMaster: g.coordinator.IsMaster(),
		MasterID: masterID,
	}, frame.AckID)
}

func (g *Gateway) handleHeartbeat(ctx context.Context, c *conn, frame Frame) {
	var payload heartbeatPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return
	}

	clientID := payload.ClientID
	if clientID == "" {
		clientID = c.client()
	}

	result, err := g.sessions.Heartbeat(ctx, clientID)
	if err != nil {
		if err == session.ErrRateLimited {
			g.emit(c, model.EventRateLimited, model.RateLimitedPayload{ResetAt: result.ResetAt}, frame.AckID)
			return
		}

		log.Warnw("heartbeat", "error", err, "clientId", clientID)
		return
	}

	g.emit(c, model.EventHeartbeatAck, nil, frame.AckID)
}

func (g *Gateway) handleUploadInit(ctx context.Context, c *conn, frame Frame) {
	var req transfer.InitRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		log.Warnw("upload-init", "status", "bad payload", "socketId", c.id)
		return
	}

	if req.ClientID == "" {
		req.ClientID = c.client()
	}

	resp, err := g.engine.InitUpload(ctx, req)
	if err != nil {
		log.Warnw("upload-init", "error", err, "clientId", req.ClientID)
		g.emit(c, model.EventUploadFailed, apiError{Code: "UPLOAD_FAILED", Message: err.Error()}, frame.AckID)
		return
	}

	g.emit(c, model.EventUploadInitResponse, resp, frame.AckID)
}

func (g *Gateway) handleUploadChunk(ctx context.Context, c *conn, frame Frame) {
	var req transfer.ChunkRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		log.Warnw("upload-chunk", "status", "bad payload", "socketId", c.id)
		return
	}

	if req.ClientID == "" {
		req.ClientID = c.client()
	}

	result, err := g.engine.HandleChunk(ctx, req)
	if err != nil {
		g.ack(c, frame.AckID, chunkAckResult{Success: false, Error: err.Error()})
		return
	}

	g.ack(c, frame.AckID, chunkAckResult{Success: result.Success})
}

func (g *Gateway) handleChunkAck(ctx context.Context, c *conn, frame Frame) {
	var payload ackPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return
	}

	if err := g.engine.HandleAck(ctx, payload.FileID, payload.ChunkIndex); err != nil {
		log.Warnw("chunk-ack", "error", err, "fileId", payload.FileID)
	}
}

func (g *Gateway) handleDownloadConfirmed(ctx context.Context, c *conn, frame Frame) {
	var payload downloadConfirmedPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return
	}

	if err := g.engine.ConfirmDownload(ctx, payload.FileID, payload.FileName, payload.ShareID, c.client()); err != nil {
		log.Warnw("download-confirmed", "error", err, "fileId", payload.FileID)
	}
}

func (g *Gateway) handleCancelDownload(ctx context.Context, c *conn, frame Frame) {
	var payload cancelDownloadPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return
	}

	clientID := payload.ClientID
	if clientID == "" {
		clientID = c.client()
	}

	if err := g.engine.CancelDownload(ctx, payload.FileID, clientID); err != nil {
		log.Warnw("cancel-download", "error", err, "fileId", payload.FileID)
	}
}

func (g *Gateway) handleUploadControl(ctx context.Context, c *conn, frame Frame, action func(context.Context, string) error) {
	var payload uploadControlPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return
	}

	if err := action(ctx, payload.FileID); err != nil {
		log.Warnw("upload-control", "error", err, "fileId", payload.FileID)
	}
}

// emit sends an event frame; when ackID is set the frame doubles as
// the reply to the inbound message that carried it.
func (g *Gateway) emit(c *conn, event string, payload any, ackID string) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Errorw("emit", "error", err, "event", event)
		return
	}

	c.enqueue(Frame{Event: event, Payload: data, AckID: ackID})
}

func (g *Gateway) ack(c *conn, ackID string, result chunkAckResult) {
	data, err := json.Marshal(result)
	if err != nil {
		return
	}

	c.enqueue(Frame{Event: "ack", Payload: data, AckID: ackID})
}

// DeliverToSocket implements the coordinator's local fast path.
func (g *Gateway) DeliverToSocket(socketID, event string, payload json.RawMessage) bool {
	c, ok := g.conns.Get(socketID)
	if !ok {
		return false
	}

	return (*c).enqueue(Frame{Event: event, Payload: payload})
}

// DeliverToClient resolves the client's current socket binding.
func (g *Gateway) DeliverToClient(clientID, event string, payload json.RawMessage) bool {
	socketID, ok := g.clients.Get(clientID)
	if !ok {
		return false
	}

	return g.DeliverToSocket(*socketID, event, payload)
}

func (g *Gateway) broadcastRoleChange(change model.ClusterRoleChangePayload) {
	data, err := json.Marshal(change)
	if err != nil {
		return
	}

	g.conns.Range(func(_, v any) bool {
		v.(*conn).enqueue(Frame{Event: model.EventClusterRoleChange, Payload: data})
		return true
	})
}

// Shutdown closes every client connection after in-flight handling has
// drained, bounded by ctx.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.conns.Range(func(_, v any) bool {
		v.(*conn).close()
		return true
	})

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
}
