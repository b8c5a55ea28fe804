package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/afenda/offlinesync/internal/models"
)

type entityRoute struct {
	collection string
	entityType models.EntityType
}

var entityRoutes = []entityRoute{
	{collection: models.EntityTask.Collection(), entityType: models.EntityTask},
	{collection: models.EntityProject.Collection(), entityType: models.EntityProject},
}

// =====================================================
// Entity Endpoints
// =====================================================

// ListEntities handles GET /api/tasks and GET /api/projects
func (h *AdminHandler) ListEntities(t models.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := h.manager.List(r.Context(), t)
		if err != nil {
			writeError(w, err)
			return
		}
		if items == nil {
			items = []models.Entity{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

// CreateEntity handles POST /api/tasks and POST /api/projects
// The body is the entity without sync metadata; ids are assigned locally.
func (h *AdminHandler) CreateEntity(t models.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			badRequest(w, "Invalid request body")
			return
		}
		e, err := models.DecodeEntity(t, body)
		if err != nil {
			badRequest(w, "Invalid request body")
			return
		}
		created, err := h.manager.CreateOffline(r.Context(), e)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

// UpdateEntity handles PATCH /api/tasks/{id} and PATCH /api/projects/{id}
// The body is a TaskPatch or ProjectPatch; absent fields are left alone.
func (h *AdminHandler) UpdateEntity(t models.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			badRequest(w, "Invalid request body")
			return
		}
		patch, err := decodePatch(t, body)
		if err != nil {
			badRequest(w, "Invalid request body")
			return
		}
		updated, err := h.manager.UpdateOffline(r.Context(), t, id, patch)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

// DeleteEntity handles DELETE /api/tasks/{id} and DELETE /api/projects/{id}
func (h *AdminHandler) DeleteEntity(t models.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.manager.DeleteOffline(r.Context(), t, r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func decodePatch(t models.EntityType, body []byte) (models.Patch, error) {
	switch t {
	case models.EntityProject:
		var p models.ProjectPatch
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		var p models.TaskPatch
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, err
		}
		return p, nil
	}
}
