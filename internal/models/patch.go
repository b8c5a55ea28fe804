package models

import (
	"fmt"
	"time"
)

// Patch is a typed partial update for one entity variant.
type Patch interface {
	EntityType() EntityType
	Apply(e Entity, now time.Time) error
}

// TaskPatch updates the non-nil fields of a Task.
type TaskPatch struct {
	Title        *string       `json:"title,omitempty"`
	Description  *string       `json:"description,omitempty"`
	DueDate      *time.Time    `json:"dueDate,omitempty"`
	ClearDueDate bool          `json:"clearDueDate,omitempty"`
	Priority     *TaskPriority `json:"priority,omitempty"`
	Status       *TaskStatus   `json:"status,omitempty"`
	ProjectID    *string       `json:"projectId,omitempty"`
	Tags         *[]string     `json:"tags,omitempty"`
}

func (TaskPatch) EntityType() EntityType { return EntityTask }

// Apply mutates e, which must be a *Task.
func (p TaskPatch) Apply(e Entity, now time.Time) error {
	t, ok := e.(*Task)
	if !ok || t == nil {
		return fmt.Errorf("task patch applied to %T", e)
	}
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.ClearDueDate {
		t.DueDate = nil
	} else if p.DueDate != nil {
		d := *p.DueDate
		t.DueDate = &d
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Status != nil {
		t.SetStatus(*p.Status, now)
	}
	if p.ProjectID != nil {
		t.ProjectID = *p.ProjectID
	}
	if p.Tags != nil {
		t.Tags = append([]string(nil), (*p.Tags)...)
	}
	return nil
}

// ProjectPatch updates the non-nil fields of a Project.
type ProjectPatch struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Color       *string `json:"color,omitempty"`
	Archived    *bool   `json:"archived,omitempty"`
}

func (ProjectPatch) EntityType() EntityType { return EntityProject }

// Apply mutates e, which must be a *Project.
func (p ProjectPatch) Apply(e Entity, _ time.Time) error {
	pr, ok := e.(*Project)
	if !ok || pr == nil {
		return fmt.Errorf("project patch applied to %T", e)
	}
	if p.Name != nil {
		pr.Name = *p.Name
	}
	if p.Description != nil {
		pr.Description = *p.Description
	}
	if p.Color != nil {
		pr.Color = *p.Color
	}
	if p.Archived != nil {
		pr.Archived = *p.Archived
	}
	return nil
}
