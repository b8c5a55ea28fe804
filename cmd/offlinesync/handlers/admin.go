package handlers

import (
	"net/http"

	offsync "github.com/afenda/offlinesync/internal/sync"
	"github.com/afenda/offlinesync/internal/sync/scheduler"
)

// AdminHandler serves the local admin API.
type AdminHandler struct {
	manager offsync.OfflineManagerInterface
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(manager offsync.OfflineManagerInterface) *AdminHandler {
	return &AdminHandler{manager: manager}
}

// Register mounts every admin route on mux.
func (h *AdminHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.Health)
	mux.HandleFunc("GET /api/state", h.State)
	mux.HandleFunc("POST /api/sync", h.Sync)
	mux.HandleFunc("POST /api/connectivity", h.Connectivity)

	for _, r := range entityRoutes {
		r := r
		mux.HandleFunc("GET /api/"+r.collection, h.ListEntities(r.entityType))
		mux.HandleFunc("POST /api/"+r.collection, h.CreateEntity(r.entityType))
		mux.HandleFunc("PATCH /api/"+r.collection+"/{id}", h.UpdateEntity(r.entityType))
		mux.HandleFunc("DELETE /api/"+r.collection+"/{id}", h.DeleteEntity(r.entityType))
	}

	mux.HandleFunc("GET /api/conflicts", h.ListConflicts)
	mux.HandleFunc("POST /api/conflicts/{id}/resolve", h.ResolveConflict)
}

// =====================================================
// State Endpoints
// =====================================================

// StateResponse is the body of GET /api/state.
type StateResponse struct {
	offsync.State
	Scheduler *scheduler.SchedulerStatus `json:"scheduler,omitempty"`
}

// Health handles GET /api/health
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "offlinesync"})
}

// State handles GET /api/state
func (h *AdminHandler) State(w http.ResponseWriter, r *http.Request) {
	h.writeState(w, r, http.StatusOK)
}

// Sync handles POST /api/sync
// Runs one full cycle and returns the resulting state.
func (h *AdminHandler) Sync(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.SyncAll(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	h.writeState(w, r, http.StatusOK)
}

// Connectivity handles POST /api/connectivity
func (h *AdminHandler) Connectivity(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}
	if !decodeBody(w, r, &request) {
		return
	}
	if request.Online == nil {
		badRequest(w, "online is required")
		return
	}
	h.manager.SetOnline(*request.Online)
	h.writeState(w, r, http.StatusOK)
}

func (h *AdminHandler) writeState(w http.ResponseWriter, r *http.Request, status int) {
	st, err := h.manager.GetState(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := StateResponse{State: st}
	if s, ok := h.manager.(interface {
		Scheduler() scheduler.SchedulerStatus
	}); ok {
		sched := s.Scheduler()
		resp.Scheduler = &sched
	}
	writeJSON(w, status, resp)
}
