package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/MohamedAYassin/PeerLink/core/model"
)

// Router builds the HTTP surface: websocket upgrade, admission
// endpoints and cluster observability.
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(g.corsMiddleware)

	r.HandleFunc("/ws", g.HandleWS)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/stats", g.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/cluster/nodes", g.handleClusterNodes).Methods(http.MethodGet)
	api.HandleFunc("/cluster/master", g.handleClusterMaster).Methods(http.MethodGet)
	api.HandleFunc("/cluster/stats", g.handleClusterStats).Methods(http.MethodGet)
	api.HandleFunc("/share/create", g.handleShareCreate).Methods(http.MethodPost)
	api.HandleFunc("/share/join", g.handleShareJoin).Methods(http.MethodPost)
	api.HandleFunc("/uploads/{fileId}", g.handleUploadSnapshot).Methods(http.MethodGet)

	return r
}

func (g *Gateway) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", g.cfg.Server.CORSOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": g.version,
		"features": map[string]bool{
			"redis":       g.cfg.Cluster.UseRedis,
			"nativeAddon": false,
			"cluster":     g.cfg.Cluster.Enabled,
		},
	}

	if g.cfg.Cluster.Enabled {
		role := model.RoleWorker
		if g.coordinator.IsMaster() {
			role = model.RoleMaster
		}
		resp["cluster"] = map[string]any{
			"role":   role,
			"nodeId": g.coordinator.NodeID(),
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filesSent, err := g.store.GetFilesSent(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	active, err := g.sessions.ActiveSessions(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	all, err := g.store.ListClientSessions(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"filesSent":      filesSent,
		"activeSessions": active,
		"usersJoined":    len(all),
	})
}

func (g *Gateway) handleClusterNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := g.store.ListNodes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	type nodeView struct {
		ID       string `json:"id"`
		Hostname string `json:"hostname"`
		Port     int    `json:"port"`
		Status   string `json:"status"`
	}

	views := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, nodeView{ID: n.ID.String(), Hostname: n.Hostname, Port: n.Port, Status: n.Status})
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "nodes": views})
}

func (g *Gateway) handleClusterMaster(w http.ResponseWriter, r *http.Request) {
	masterID, err := g.coordinator.MasterID(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	nodeID := g.coordinator.NodeID()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"masterId": masterID,
		"isMe":     masterID == nodeID.String(),
		"nodeId":   nodeID,
	})
}

func (g *Gateway) handleClusterStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	nodes, err := g.store.ListNodes(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	sessions, err := g.store.ListClientSessions(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	role := model.RoleWorker
	if g.coordinator.IsMaster() {
		role = model.RoleMaster
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stats": map[string]any{
			"role":     role,
			"nodeId":   g.coordinator.NodeID(),
			"nodes":    len(nodes),
			"sessions": len(sessions),
		},
	})
}

type shareCreateRequest struct {
	ClientID string `json:"clientId"`
	ShareID  string `json:"shareId,omitempty"`
}

func (g *Gateway) handleShareCreate(w http.ResponseWriter, r *http.Request) {
	var req shareCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientID == "" {
		writeBadRequest(w, "clientId is required")
		return
	}

	share, err := g.sessions.CreateShare(r.Context(), req.ClientID, req.ShareID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "shareId": share.ShareID})
}

type shareJoinRequest struct {
	ShareID  string `json:"shareId"`
	ClientID string `json:"clientId"`
}

func (g *Gateway) handleShareJoin(w http.ResponseWriter, r *http.Request) {
	var req shareJoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientID == "" || req.ShareID == "" {
		writeBadRequest(w, "shareId and clientId are required")
		return
	}

	share, err := g.sessions.JoinShare(r.Context(), req.ShareID, req.ClientID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"shareId":          share.ShareID,
		"connectedClients": share.Clients,
	})
}

func (g *Gateway) handleUploadSnapshot(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["fileId"]

	snapshot, err := g.engine.Snapshot(r.Context(), fileID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}
