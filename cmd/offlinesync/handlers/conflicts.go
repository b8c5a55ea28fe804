package handlers

import (
	"net/http"

	"github.com/afenda/offlinesync/internal/models"
)

// =====================================================
// Conflict Endpoints
// =====================================================

// ResolveRequest is the body of POST /api/conflicts/{id}/resolve.
type ResolveRequest struct {
	Strategy     models.ResolutionStrategy `json:"strategy"`
	ResolvedData models.EntityPayload      `json:"resolvedData"`
}

// ListConflicts handles GET /api/conflicts
// Returns unresolved conflicts, oldest first.
func (h *AdminHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.manager.Conflicts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []*models.SyncConflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

// ResolveConflict handles POST /api/conflicts/{id}/resolve
func (h *AdminHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var request ResolveRequest
	if !decodeBody(w, r, &request) {
		return
	}
	if request.Strategy == "" {
		badRequest(w, "strategy is required")
		return
	}
	resolved, err := h.manager.ResolveConflict(r.Context(), r.PathValue("id"), request.Strategy, request.ResolvedData.Entity())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}
