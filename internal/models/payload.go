package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EntityPayload is a tagged union over the entity variants.
// The zero value is an empty payload and encodes as JSON null.
type EntityPayload struct {
	Type    EntityType
	Task    *Task
	Project *Project
}

type payloadWire struct {
	Type    EntityType `json:"type"`
	Task    *Task      `json:"task,omitempty"`
	Project *Project   `json:"project,omitempty"`
}

// PayloadOf wraps a deep copy of e.
func PayloadOf(e Entity) EntityPayload {
	if IsNil(e) {
		return EntityPayload{}
	}
	switch v := e.CloneEntity().(type) {
	case *Task:
		return EntityPayload{Type: EntityTask, Task: v}
	case *Project:
		return EntityPayload{Type: EntityProject, Project: v}
	}
	return EntityPayload{}
}

// IsZero reports whether the payload is empty.
func (p EntityPayload) IsZero() bool {
	return p.Entity() == nil
}

// Entity returns the wrapped variant, or nil when empty.
func (p EntityPayload) Entity() Entity {
	switch p.Type {
	case EntityTask:
		if p.Task != nil {
			return p.Task
		}
	case EntityProject:
		if p.Project != nil {
			return p.Project
		}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p EntityPayload) MarshalJSON() ([]byte, error) {
	if p.IsZero() {
		return []byte("null"), nil
	}
	w := payloadWire{Type: p.Type}
	switch p.Type {
	case EntityTask:
		w.Task = p.Task
	case EntityProject:
		w.Project = p.Project
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *EntityPayload) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*p = EntityPayload{}
		return nil
	}
	var w payloadWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case EntityTask:
		if w.Task == nil {
			return fmt.Errorf("payload of type %q has no task body", w.Type)
		}
		*p = EntityPayload{Type: EntityTask, Task: w.Task}
	case EntityProject:
		if w.Project == nil {
			return fmt.Errorf("payload of type %q has no project body", w.Type)
		}
		*p = EntityPayload{Type: EntityProject, Project: w.Project}
	default:
		return fmt.Errorf("unknown payload type %q", w.Type)
	}
	return nil
}

// DecodeEntity decodes a bare entity body of the given type.
func DecodeEntity(t EntityType, data []byte) (Entity, error) {
	e, err := NewEntity(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return e, nil
}
