package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Archive is a point-in-time snapshot of a project's board structure.
type Archive struct {
	ID                uuid.UUID       `json:"id"`
	ProjectID         string          `json:"projectId"`
	Title             string          `json:"title"`
	StructureSnapshot json.RawMessage `json:"structure_snapshot,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         *time.Time      `json:"updated_at,omitempty"`
}

// BoardPatch is the closed set of archive fields board.update may modify.
// Unknown patch fields are rejected at the handler boundary rather than
// passed through to the store.
type BoardPatch struct {
	Title             *string         `json:"title,omitempty"`
	StructureSnapshot json.RawMessage `json:"structureSnapshot,omitempty"`
}

// Empty reports whether the patch would change nothing.
func (p BoardPatch) Empty() bool {
	return p.Title == nil && len(p.StructureSnapshot) == 0
}
