// Package models defines the shared data model of the synchronization
// engine: memory records, relationship edges, presence entries, and
// conflict records.
package models

import (
	"time"

	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/crdt"
)

// MemoryRecord is the materialized view of one collaboratively edited
// record. It is owned collectively by all session participants and is only
// ever produced as a snapshot of CRDT state, never mutated field by field.
type MemoryRecord struct {
	ID             string                 `json:"id"`
	Title          string                 `json:"title"`
	Content        string                 `json:"content"`
	Tags           []string               `json:"tags"`
	Metadata       map[string]interface{} `json:"metadata"`
	VersionVector  crdt.VectorClock       `json:"version_vector"`
	LastModified   time.Time              `json:"last_modified"`
	LastModifiedBy string                 `json:"last_modified_by"`
}

// EdgeType classifies a relationship between two memory records
type EdgeType string

// Relationship edge types
const (
	EdgeTypeAssociates EdgeType = "associates"
	EdgeTypeContains   EdgeType = "contains"
	EdgeTypeDerives    EdgeType = "derives"
	EdgeTypeReferences EdgeType = "references"
	// EdgeTypeSoftReference is the non-authoritative downgrade applied by
	// the permissive cycle policy.
	EdgeTypeSoftReference EdgeType = "soft_reference"
)

// Valid reports whether the edge type is one of the known values
func (t EdgeType) Valid() bool {
	switch t {
	case EdgeTypeAssociates, EdgeTypeContains, EdgeTypeDerives, EdgeTypeReferences, EdgeTypeSoftReference:
		return true
	}
	return false
}

// RelationshipEdge is a typed, weighted edge between two memory records.
// Edges are created, updated, and removed exclusively through the
// relationship transform engine.
type RelationshipEdge struct {
	SourceID      string           `json:"source_id"`
	TargetID      string           `json:"target_id"`
	Type          EdgeType         `json:"type"`
	Strength      float64          `json:"strength"` // [0,1]
	VersionVector crdt.VectorClock `json:"version_vector"`
	UpdatedAt     time.Time        `json:"updated_at"`
	UpdatedBy     string           `json:"updated_by"`
}

// PresenceStatus is the coarse online state of a participant
type PresenceStatus string

// Presence statuses
const (
	PresenceOnline PresenceStatus = "online"
	PresenceAway   PresenceStatus = "away"
)

// CursorPosition is an optional caret location in a text field
type CursorPosition struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// SelectionRange is an optional selected span in a text field
type SelectionRange struct {
	Start CursorPosition `json:"start"`
	End   CursorPosition `json:"end"`
}

// UserInfo carries display attributes for a participant
type UserInfo struct {
	Name   string `json:"name"`
	Color  string `json:"color"`
	Avatar string `json:"avatar,omitempty"`
}

// PresenceState is the ephemeral per-client collaborative state. It is
// never persisted and never merged through CRDT rules; the latest write
// per client id simply overwrites.
type PresenceState struct {
	ClientID  string          `json:"client_id"`
	UserInfo  UserInfo        `json:"user_info"`
	Cursor    *CursorPosition `json:"cursor,omitempty"`
	Selection *SelectionRange `json:"selection,omitempty"`
	Status    PresenceStatus  `json:"status"`
	LastSeen  time.Time       `json:"last_seen"`
}

// ConflictType classifies a detected divergence
type ConflictType string

// Conflict classifications
const (
	ConflictTypeText      ConflictType = "text"
	ConflictTypeStructure ConflictType = "structure"
	ConflictTypeMetadata  ConflictType = "metadata"
)

// ResolutionStrategy selects which value wins when resolving a conflict
type ResolutionStrategy string

// Resolution strategies
const (
	ResolutionLocal  ResolutionStrategy = "local"
	ResolutionRemote ResolutionStrategy = "remote"
	ResolutionCustom ResolutionStrategy = "custom"
)

// ConflictRecord captures a divergence that could not be merged without
// information loss. It exists exactly as long as the divergence does: it
// is created on detection and marked resolved once a resolution has been
// applied and broadcast.
type ConflictRecord struct {
	ID                   string              `json:"id"`
	FieldPath            string              `json:"field_path"`
	Type                 ConflictType        `json:"type"`
	LocalValue           interface{}         `json:"local_value"`
	RemoteValue          interface{}         `json:"remote_value"`
	DetectedAt           time.Time           `json:"detected_at"`
	ParticipantClientIDs []string            `json:"participant_client_ids"`
	Resolved             bool                `json:"resolved"`
	Resolution           *ResolutionStrategy `json:"resolution,omitempty"`
}
