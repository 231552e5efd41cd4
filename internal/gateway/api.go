// ABOUTME: Admin HTTP API over the gateway's components plus health endpoints
// ABOUTME: Routes live under /api; writes need an admin token when auth is enabled

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/clara-gateway/internal/auth"
	"github.com/2389/clara-gateway/internal/router"
	"github.com/2389/clara-gateway/internal/scheduler"
	"github.com/2389/clara-gateway/internal/store"
	"github.com/2389/clara-gateway/internal/supervisor"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
	readyTimeout     = 2 * time.Second
)

// StatusResponse is the JSON response for GET /api/status.
type StatusResponse struct {
	UptimeSeconds  int64  `json:"uptime_seconds"`
	Nodes          int    `json:"nodes"`
	Channels       int    `json:"channels"`
	ActiveRequests int    `json:"active_requests"`
	QueuedRequests int    `json:"queued_requests"`
	Adapters       int    `json:"adapters"`
	Tasks          int    `json:"tasks"`
	Tools          int    `json:"tools"`
	LLMProvider    string `json:"llm_provider"`
}

// SessionResponse is the JSON form of a session.
type SessionResponse struct {
	ID             string     `json:"id"`
	Platform       string     `json:"platform"`
	UserID         string     `json:"user_id"`
	ChannelID      string     `json:"channel_id"`
	ContextID      string     `json:"context_id"`
	Summary        string     `json:"summary,omitempty"`
	Archived       bool       `json:"archived"`
	StartedAt      time.Time  `json:"started_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	ArchivedAt     *time.Time `json:"archived_at,omitempty"`
}

// SessionDetailResponse is the JSON response for GET /api/sessions/{id}.
type SessionDetailResponse struct {
	Session  SessionResponse   `json:"session"`
	Messages []MessageResponse `json:"messages"`
}

// MessageResponse is one transcript turn.
type MessageResponse struct {
	RequestID string    `json:"request_id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// RequestsResponse is the JSON response for GET /api/requests.
type RequestsResponse struct {
	Status   router.Status        `json:"status"`
	Requests []router.RequestInfo `json:"requests"`
}

// EventResponse is one persisted hook event.
type EventResponse struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	NodeID    string          `json:"node_id,omitempty"`
	Platform  string          `json:"platform,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	ChannelID string          `json:"channel_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// registerAPIRoutes mounts the admin API. With auth enabled every route
// needs a valid token and anything but GET needs the admin role.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	routes := map[string]http.HandlerFunc{
		"/api/status":    g.handleStatus,
		"/api/nodes":     g.handleListNodes,
		"/api/adapters":  g.handleListAdapters,
		"/api/adapters/": g.handleAdapterRoutes,
		"/api/sessions":  g.handleListSessions,
		"/api/sessions/": g.handleGetSession,
		"/api/requests":  g.handleListRequests,
		"/api/requests/": g.handleCancelRequest,
		"/api/hooks":     g.handleListHooks,
		"/api/hooks/":    g.handleHookRoutes,
		"/api/events":    g.handleListEvents,
		"/api/tasks":     g.handleListTasks,
		"/api/tasks/":    g.handleTaskRoutes,
		"/api/tools":     g.handleListTools,
		"/api/reload":    g.handleReload,
	}

	if g.verifier == nil {
		for path, h := range routes {
			mux.HandleFunc(path, h)
		}
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
		return
	}

	authMiddleware := auth.HTTPAuthMiddleware(g.verifier, g.logger)
	adminMiddleware := auth.RequireAdminHTTP()
	for path, h := range routes {
		admin := adminMiddleware(h)
		mux.Handle(path, authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				h(w, r)
				return
			}
			admin.ServeHTTP(w, r)
		})))
	}
	g.logger.Info("HTTP auth middleware enabled")
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store is reachable.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d nodes)", g.registry.Count())
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	st := g.router.Status()
	writeJSON(w, http.StatusOK, StatusResponse{
		UptimeSeconds:  int64(time.Since(g.startedAt).Seconds()),
		Nodes:          g.registry.Count(),
		Channels:       st.Channels,
		ActiveRequests: st.ActiveRequests,
		QueuedRequests: st.QueuedRequests,
		Adapters:       len(g.supervisor.Names()),
		Tasks:          len(g.scheduler.List()),
		Tools:          len(g.tools.ListTools()),
		LLMProvider:    g.config.LLM.Provider,
	})
}

// handleListNodes handles GET /api/nodes.
func (g *Gateway) handleListNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, g.registry.List())
}

// handleListAdapters handles GET /api/adapters.
func (g *Gateway) handleListAdapters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, g.supervisor.StatusAll())
}

// handleAdapterRoutes handles GET /api/adapters/{name} and
// POST /api/adapters/{name}/{start|stop|restart|enable|disable}.
func (g *Gateway) handleAdapterRoutes(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/adapters/")
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		st, err := g.supervisor.Status(parts[0])
		if err != nil {
			sendJSONError(w, adapterErrorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, st)
	case len(parts) == 2 && r.Method == http.MethodPost:
		g.handleAdapterAction(w, parts[0], parts[1])
	case len(parts) == 1 || len(parts) == 2:
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		sendJSONError(w, http.StatusNotFound, "not found")
	}
}

func (g *Gateway) handleAdapterAction(w http.ResponseWriter, name, action string) {
	var err error
	switch action {
	case "start":
		err = g.supervisor.StartAdapter(name)
	case "stop":
		err = g.supervisor.StopAdapter(name)
	case "restart":
		err = g.supervisor.RestartAdapter(name)
	case "enable":
		err = g.supervisor.Enable(name)
	case "disable":
		err = g.supervisor.Disable(name)
	default:
		sendJSONError(w, http.StatusBadRequest, "unknown action: "+action)
		return
	}
	if err != nil {
		g.logger.Warn("adapter action failed", "adapter", name, "action", action, "error", err)
		sendJSONError(w, adapterErrorStatus(err), err.Error())
		return
	}
	g.logger.Info("adapter action", "adapter", name, "action", action)
	st, err := g.supervisor.Status(name)
	if err != nil {
		sendJSONError(w, adapterErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func adapterErrorStatus(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrUnknownAdapter):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrDisabled):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleListSessions handles GET /api/sessions.
// Supports ?active=1, ?platform=, ?user_id=, ?channel_id= and ?limit=.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	active, _ := strconv.ParseBool(q.Get("active"))
	sessions, err := g.sessions.List(r.Context(), store.SessionFilter{
		Platform:   q.Get("platform"),
		UserID:     q.Get("user_id"),
		ChannelID:  q.Get("channel_id"),
		ActiveOnly: active,
		Limit:      parseLimit(r),
	})
	if err != nil {
		g.logger.Error("failed to list sessions", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	resp := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, sessionResponse(s))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetSession handles GET /api/sessions/{id} with its recent transcript.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	parts := pathParts(r.URL.Path, "/api/sessions/")
	if len(parts) != 1 {
		sendJSONError(w, http.StatusNotFound, "not found")
		return
	}
	sess, err := g.sessions.Get(r.Context(), parts[0])
	if errors.Is(err, store.ErrNotFound) {
		sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get session", "session_id", parts[0], "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	msgs, err := g.sessions.History(r.Context(), sess.ID, parseLimit(r))
	if err != nil {
		g.logger.Error("failed to load session history", "session_id", sess.ID, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	resp := SessionDetailResponse{Session: sessionResponse(sess), Messages: make([]MessageResponse, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, MessageResponse{
			RequestID: m.RequestID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func sessionResponse(s *store.Session) SessionResponse {
	return SessionResponse{
		ID:             s.ID,
		Platform:       s.Platform,
		UserID:         s.UserID,
		ChannelID:      s.ChannelID,
		ContextID:      s.ContextID,
		Summary:        s.Summary,
		Archived:       s.Archived,
		StartedAt:      s.StartedAt,
		LastActivityAt: s.LastActivityAt,
		ArchivedAt:     s.ArchivedAt,
	}
}

// handleListRequests handles GET /api/requests.
func (g *Gateway) handleListRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, RequestsResponse{
		Status:   g.router.Status(),
		Requests: g.router.Requests(),
	})
}

// handleCancelRequest handles POST /api/requests/{id}/cancel.
func (g *Gateway) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/requests/")
	if len(parts) != 2 || parts[1] != "cancel" {
		sendJSONError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := g.router.Cancel(parts[0]); err != nil {
		if errors.Is(err, router.ErrNotFound) {
			sendJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	g.logger.Info("request cancelled via api", "request_id", parts[0])
	writeJSON(w, http.StatusOK, map[string]string{"cancelled": parts[0]})
}

// handleListHooks handles GET /api/hooks.
func (g *Gateway) handleListHooks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, g.bus.Subscriptions())
}

// handleHookRoutes handles GET /api/hooks/results and
// POST /api/hooks/{name}/{enable|disable}.
func (g *Gateway) handleHookRoutes(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/hooks/")
	switch {
	case len(parts) == 1 && parts[0] == "results":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, g.bus.Results(parseLimit(r)))
	case len(parts) == 2 && (parts[1] == "enable" || parts[1] == "disable"):
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !g.bus.SetEnabled(parts[0], parts[1] == "enable") {
			sendJSONError(w, http.StatusNotFound, "hook not found: "+parts[0])
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"name": parts[0], "enabled": parts[1] == "enable"})
	default:
		sendJSONError(w, http.StatusNotFound, "not found")
	}
}

// handleListEvents handles GET /api/events?type=&limit=.
func (g *Gateway) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	events, err := g.store.ListEvents(r.Context(), r.URL.Query().Get("type"), parseLimit(r))
	if err != nil {
		g.logger.Error("failed to list events", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	resp := make([]EventResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, EventResponse{
			ID:        e.ID,
			Type:      e.Type,
			NodeID:    e.NodeID,
			Platform:  e.Platform,
			UserID:    e.UserID,
			ChannelID: e.ChannelID,
			RequestID: e.RequestID,
			Data:      e.Data,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListTasks handles GET /api/tasks.
func (g *Gateway) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, g.scheduler.List())
}

// handleTaskRoutes handles POST /api/tasks/{name}/{run|enable|disable}.
func (g *Gateway) handleTaskRoutes(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/tasks/")
	if len(parts) != 2 {
		sendJSONError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	name := parts[0]
	switch parts[1] {
	case "run":
		res, err := g.scheduler.RunNow(r.Context(), name)
		if err != nil {
			sendJSONError(w, taskErrorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
	case "enable", "disable":
		if err := g.scheduler.Enable(name, parts[1] == "enable"); err != nil {
			sendJSONError(w, taskErrorStatus(err), err.Error())
			return
		}
		info, _ := g.scheduler.Get(name)
		writeJSON(w, http.StatusOK, info)
	default:
		sendJSONError(w, http.StatusBadRequest, "unknown action: "+parts[1])
	}
}

func taskErrorStatus(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrTaskRunning):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// handleListTools handles GET /api/tools.
func (g *Gateway) handleListTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, g.tools.ListTools())
}

// handleReload handles POST /api/reload.
func (g *Gateway) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if g.configPath == "" {
		sendJSONError(w, http.StatusBadRequest, "gateway was started without a config file")
		return
	}
	summary, err := g.Reload(g.configPath)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// pathParts splits the path below prefix into its non-empty segments.
func pathParts(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

func parseLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	return min(limit, maxListLimit)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
