package models

import "time"

// TaskPriority orders tasks by urgency.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// Rank returns the ordinal of p; unknown values rank 0.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// TaskStatus is the task workflow state.
type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in_progress"
	StatusDone       TaskStatus = "done"
	StatusCancelled  TaskStatus = "cancelled"
)

// Task is a unit of work owned by a user.
type Task struct {
	SyncMeta
	Title       string       `json:"title" validate:"required,max=500"`
	Description string       `json:"description,omitempty" validate:"max=10000"`
	DueDate     *time.Time   `json:"dueDate,omitempty"`
	Priority    TaskPriority `json:"priority" validate:"omitempty,oneof=low medium high urgent"`
	Status      TaskStatus   `json:"status" validate:"omitempty,oneof=todo in_progress done cancelled"`
	ProjectID   string       `json:"projectId,omitempty"`
	Tags        []string     `json:"tags,omitempty" validate:"dive,required,max=64"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

func (*Task) EntityType() EntityType { return EntityTask }
func (*Task) sealed()                {}

// TableName returns the storage collection for Task.
func (Task) TableName() string {
	return "tasks"
}

// ApplyDefaults fills the priority and status defaults.
func (t *Task) ApplyDefaults() {
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.Status == "" {
		t.Status = StatusTodo
	}
}

// SetStatus changes the status and keeps CompletedAt consistent with it.
func (t *Task) SetStatus(s TaskStatus, now time.Time) {
	t.Status = s
	if s == StatusDone {
		if t.CompletedAt == nil {
			c := now
			t.CompletedAt = &c
		}
		return
	}
	t.CompletedAt = nil
}

// CloneEntity returns a deep copy.
func (t *Task) CloneEntity() Entity {
	return t.Clone()
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.SyncMeta = t.SyncMeta.clone()
	c.DueDate = cloneTime(t.DueDate)
	c.CompletedAt = cloneTime(t.CompletedAt)
	if t.Tags != nil {
		c.Tags = append([]string(nil), t.Tags...)
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
