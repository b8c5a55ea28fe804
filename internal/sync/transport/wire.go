package transport

import (
	"time"

	"github.com/afenda/offlinesync/internal/models"
)

// DeletedRef identifies an entity the server deleted since the last pull.
type DeletedRef struct {
	ID                string    `json:"id"`
	ClientGeneratedID string    `json:"clientGeneratedId,omitempty"`
	DeletedAt         time.Time `json:"deletedAt"`
}

// DeletedRefs groups deletions by entity type.
type DeletedRefs struct {
	Tasks    []DeletedRef `json:"tasks"`
	Projects []DeletedRef `json:"projects"`
}

// PullResponse is the body of GET /sync/pull.
type PullResponse struct {
	Tasks    []*models.Task    `json:"tasks"`
	Projects []*models.Project `json:"projects"`
	Deleted  DeletedRefs       `json:"deleted"`
	LastSync *time.Time        `json:"lastSync,omitempty"`
}

// Entities returns the pulled entities of type t.
func (p *PullResponse) Entities(t models.EntityType) []models.Entity {
	var out []models.Entity
	switch t {
	case models.EntityTask:
		for _, e := range p.Tasks {
			if e != nil {
				out = append(out, e)
			}
		}
	case models.EntityProject:
		for _, e := range p.Projects {
			if e != nil {
				out = append(out, e)
			}
		}
	}
	return out
}

// DeletedOf returns the deletions reported for type t.
func (p *PullResponse) DeletedOf(t models.EntityType) []DeletedRef {
	if t == models.EntityProject {
		return p.Deleted.Projects
	}
	return p.Deleted.Tasks
}

// PushRequest is one queued mutation on its way to the server.
type PushRequest struct {
	UserID     string
	Operation  models.Operation
	EntityType models.EntityType
	EntityID   string
	// Entity is the current local state. It is not sent for deletes.
	Entity models.Entity
}

// PushResult is the server's acknowledgement.
type PushResult struct {
	// Entity is the server-confirmed copy. It is nil for deletes.
	Entity models.Entity
}
