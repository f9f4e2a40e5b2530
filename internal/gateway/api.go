// ABOUTME: HTTP API handlers exposing session pool stats and administration
// ABOUTME: Lists pools, strategies and backends; drains, removes, and optimizes pools

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/2389/coven-pool/internal/auth"
	"github.com/2389/coven-pool/internal/pool"
)

const defaultDrainTimeout = 30 * time.Second

// PoolStatsResponse is the JSON form of one pool's stats snapshot.
type PoolStatsResponse struct {
	PoolID            string `json:"pool_id"`
	ServerID          string `json:"server_id"`
	Name              string `json:"name"`
	Strategy          string `json:"strategy"`
	Status            string `json:"status"`
	MinSize           int    `json:"min_size"`
	MaxSize           int    `json:"max_size"`
	TotalSessions     int    `json:"total_sessions"`
	ActiveSessions    int    `json:"active_sessions"`
	AvailableSessions int    `json:"available_sessions"`
	UnhealthySessions int    `json:"unhealthy_sessions"`
	Created           int64  `json:"created"`
	Reused            int64  `json:"reused"`
	Expired           int64  `json:"expired"`
	Cleaned           int64  `json:"cleaned"`
	StateRestored     int64  `json:"state_restored"`
	ConnectionErrors  int64  `json:"connection_errors"`
	TotalAcquisitions int64  `json:"total_acquisitions"`
	TotalReleases     int64  `json:"total_releases"`
	TotalTimeouts     int64  `json:"total_timeouts"`
}

// ListPoolsResponse is returned by GET /api/pools.
type ListPoolsResponse struct {
	Enabled bool                `json:"enabled"`
	Pools   []PoolStatsResponse `json:"pools"`
}

// OptimizeResponse is returned by POST /api/pools/{server_id}/optimize.
type OptimizeResponse struct {
	ServerID          string `json:"server_id"`
	Current           string `json:"current"`
	Recommended       string `json:"recommended,omitempty"`
	Description       string `json:"description,omitempty"`
	HasRecommendation bool   `json:"has_recommendation"`
	ChangeRecommended bool   `json:"change_recommended"`
}

// StrategyResponse describes one routing strategy.
type StrategyResponse struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// BackendResponse is the public view of a backend server. Env is omitted.
type BackendResponse struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Kind               string   `json:"kind"`
	Endpoint           string   `json:"endpoint,omitempty"`
	Command            string   `json:"command,omitempty"`
	Args               []string `json:"args,omitempty"`
	PoolEnabled        bool     `json:"pool_enabled"`
	PoolStrategy       string   `json:"pool_strategy"`
	PoolMinSize        int      `json:"pool_min_size"`
	PoolMaxSize        int      `json:"pool_max_size"`
	PoolTimeoutSeconds int      `json:"pool_timeout_seconds"`
	PoolRecycleSeconds int      `json:"pool_recycle_seconds"`
	PoolPrePing        bool     `json:"pool_pre_ping"`
	PoolAutoAdjust     bool     `json:"pool_auto_adjust"`
	Stateful           bool     `json:"stateful"`
	HasPool            bool     `json:"has_pool"`
}

func toPoolStatsResponse(st pool.Stats) PoolStatsResponse {
	return PoolStatsResponse{
		PoolID:            st.PoolID,
		ServerID:          st.BackendServerID,
		Name:              st.Name,
		Strategy:          string(st.Strategy),
		Status:            string(st.Status),
		MinSize:           st.MinSize,
		MaxSize:           st.MaxSize,
		TotalSessions:     st.TotalSessions,
		ActiveSessions:    st.ActiveSessions,
		AvailableSessions: st.AvailableSessions,
		UnhealthySessions: st.UnhealthySessions,
		Created:           st.Created,
		Reused:            st.Reused,
		Expired:           st.Expired,
		Cleaned:           st.Cleaned,
		StateRestored:     st.StateRestored,
		ConnectionErrors:  st.ConnectionErrors,
		TotalAcquisitions: st.TotalAcquisitions,
		TotalReleases:     st.TotalReleases,
		TotalTimeouts:     st.TotalTimeouts,
	}
}

// registerAPIRoutes registers the pool API. Reads need a valid token and
// mutations need the admin role, unless no jwt_secret is configured.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	read := g.requireAuth
	admin := func(h http.Handler) http.Handler {
		if g.verifier == nil {
			return h
		}
		return g.requireAuth(auth.RequireAdminHTTP()(h))
	}

	mux.Handle("GET /api/pools", read(http.HandlerFunc(g.handleListPools)))
	mux.Handle("GET /api/pools/{server_id}", read(http.HandlerFunc(g.handleGetPool)))
	mux.Handle("POST /api/pools/{server_id}/drain", admin(http.HandlerFunc(g.handleDrainPool)))
	mux.Handle("POST /api/pools/{server_id}/optimize", admin(http.HandlerFunc(g.handleOptimizePool)))
	mux.Handle("DELETE /api/pools/{server_id}", admin(http.HandlerFunc(g.handleRemovePool)))
	mux.Handle("GET /api/strategies", read(http.HandlerFunc(g.handleListStrategies)))
	mux.Handle("GET /api/backends", read(http.HandlerFunc(g.handleListBackends)))
}

func (g *Gateway) requireAuth(h http.Handler) http.Handler {
	if g.verifier == nil {
		return h
	}
	return auth.HTTPAuthMiddleware(g.verifier)(h)
}

// handleListPools handles GET /api/pools, optionally filtered by ?server_id=.
func (g *Gateway) handleListPools(w http.ResponseWriter, r *http.Request) {
	stats := g.manager.GetPoolStats(r.URL.Query().Get("server_id"))

	resp := ListPoolsResponse{
		Enabled: g.manager.Enabled(),
		Pools:   make([]PoolStatsResponse, 0, len(stats)),
	}
	for _, st := range stats {
		resp.Pools = append(resp.Pools, toPoolStatsResponse(st))
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleGetPool handles GET /api/pools/{server_id}.
func (g *Gateway) handleGetPool(w http.ResponseWriter, r *http.Request) {
	serverID := r.PathValue("server_id")
	stats := g.manager.GetPoolStats(serverID)
	if len(stats) == 0 {
		g.sendJSONError(w, http.StatusNotFound, "no pool for server")
		return
	}
	g.sendJSON(w, http.StatusOK, toPoolStatsResponse(stats[0]))
}

// handleDrainPool handles POST /api/pools/{server_id}/drain?timeout=30s.
func (g *Gateway) handleDrainPool(w http.ResponseWriter, r *http.Request) {
	serverID := r.PathValue("server_id")

	timeout := defaultDrainTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = d
	}

	err := g.manager.DrainPool(r.Context(), serverID, timeout)
	switch {
	case errors.Is(err, pool.ErrNoPool):
		g.sendJSONError(w, http.StatusNotFound, "no pool for server")
		return
	case errors.Is(err, pool.ErrPoolClosed):
		g.sendJSONError(w, http.StatusConflict, "pool is closed")
		return
	case err != nil:
		g.logger.Error("draining pool", "server_id", serverID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "drain failed")
		return
	}

	g.logActor(r, "pool drained", serverID)
	stats := g.manager.GetPoolStats(serverID)
	if len(stats) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	g.sendJSON(w, http.StatusOK, toPoolStatsResponse(stats[0]))
}

// handleRemovePool handles DELETE /api/pools/{server_id}.
func (g *Gateway) handleRemovePool(w http.ResponseWriter, r *http.Request) {
	serverID := r.PathValue("server_id")
	if err := g.manager.RemovePool(r.Context(), serverID); err != nil {
		if errors.Is(err, pool.ErrNoPool) {
			g.sendJSONError(w, http.StatusNotFound, "no pool for server")
			return
		}
		g.logger.Error("removing pool", "server_id", serverID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "remove failed")
		return
	}
	g.logActor(r, "pool removed", serverID)
	w.WriteHeader(http.StatusNoContent)
}

// handleOptimizePool handles POST /api/pools/{server_id}/optimize. It reports
// a recommendation and never changes the running pool.
func (g *Gateway) handleOptimizePool(w http.ResponseWriter, r *http.Request) {
	serverID := r.PathValue("server_id")
	stats := g.manager.GetPoolStats(serverID)
	if len(stats) == 0 {
		g.sendJSONError(w, http.StatusNotFound, "no pool for server")
		return
	}
	current := stats[0].Strategy

	resp := OptimizeResponse{ServerID: serverID, Current: string(current)}
	if rec, ok := g.manager.OptimizePoolStrategy(r.Context(), serverID); ok {
		resp.HasRecommendation = true
		resp.Recommended = string(rec)
		resp.Description = rec.Description()
		resp.ChangeRecommended = rec != current
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleListStrategies handles GET /api/strategies.
func (g *Gateway) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	all := pool.Strategies()
	resp := make([]StrategyResponse, 0, len(all))
	for _, s := range all {
		resp = append(resp, StrategyResponse{Name: string(s), Description: s.Description()})
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleListBackends handles GET /api/backends.
func (g *Gateway) handleListBackends(w http.ResponseWriter, r *http.Request) {
	backends, err := g.store.ListBackendServers(r.Context())
	if err != nil {
		g.logger.Error("listing backends", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list backends")
		return
	}

	resp := make([]BackendResponse, 0, len(backends))
	for _, b := range backends {
		resp = append(resp, BackendResponse{
			ID:                 b.ID,
			Name:               b.Name,
			Kind:               b.Kind,
			Endpoint:           b.Endpoint,
			Command:            b.Command,
			Args:               b.Args,
			PoolEnabled:        b.PoolEnabled,
			PoolStrategy:       b.PoolStrategy,
			PoolMinSize:        b.PoolMinSize,
			PoolMaxSize:        b.PoolMaxSize,
			PoolTimeoutSeconds: b.PoolTimeoutSeconds,
			PoolRecycleSeconds: b.PoolRecycleSeconds,
			PoolPrePing:        b.PoolPrePing,
			PoolAutoAdjust:     b.PoolAutoAdjust,
			Stateful:           b.Stateful,
			HasPool:            g.manager.HasPool(b.ID),
		})
	}
	g.sendJSON(w, http.StatusOK, resp)
}

func (g *Gateway) logActor(r *http.Request, msg, serverID string) {
	actor := "anonymous"
	if a := auth.FromContext(r.Context()); a != nil {
		actor = a.Subject
	}
	g.logger.Info(msg, "server_id", serverID, "actor", actor)
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("encoding response", "error", err)
	}
}

// sendJSONError writes a JSON error response with the given status code.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
