package models

// Project groups tasks.
type Project struct {
	SyncMeta
	Name        string `json:"name" validate:"required,max=255"`
	Description string `json:"description,omitempty" validate:"max=10000"`
	Color       string `json:"color,omitempty" validate:"omitempty,hexcolor"`
	Archived    bool   `json:"archived"`
}

func (*Project) EntityType() EntityType { return EntityProject }
func (*Project) sealed()                {}

// TableName returns the storage collection for Project.
func (Project) TableName() string {
	return "projects"
}

// CloneEntity returns a deep copy.
func (p *Project) CloneEntity() Entity {
	return p.Clone()
}

// Clone returns a deep copy of p.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	c := *p
	c.SyncMeta = p.SyncMeta.clone()
	return &c
}
