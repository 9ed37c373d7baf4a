package domain

import (
	"strings"
	"time"
)

// Project groups tasks under a team. TaskIDs is the denormalised list of the
// project's tasks used for cascading deletes and project-scoped lookups.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	TeamID      string    `json:"teamId"`
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	TaskIDs     []string  `json:"taskIds"`
}

type ProjectInput struct {
	Name        string
	Description string
	TeamID      string
}

func (in *ProjectInput) Normalize() error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return ErrEmptyName
	}
	if strings.TrimSpace(in.TeamID) == "" {
		return ErrMissingTeam
	}
	return nil
}

type ProjectPatch struct {
	Name        *string
	Description *string
}

func (p *ProjectPatch) Validate() error {
	if p.Name == nil && p.Description == nil {
		return ErrEmptyPatch
	}
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if name == "" {
			return ErrEmptyName
		}
		p.Name = &name
	}
	return nil
}
