package collaboration

import (
	"time"

	"github.com/google/uuid"

	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/crdt"
)

// Field paths of a memory record
const (
	FieldTitle    = "title"
	FieldContent  = "content"
	FieldTags     = "tags"
	FieldMetadata = "metadata"
)

// EditType identifies a local edit operation
type EditType string

// Local edit operation types
const (
	EditInsert      EditType = "insert"
	EditDelete      EditType = "delete"
	EditReplace     EditType = "replace" // full-field rewrite, non-auto-mergeable
	EditAddTag      EditType = "add_tag"
	EditRemoveTag   EditType = "remove_tag"
	EditSetMetadata EditType = "set_metadata"
)

// EditOperation is a local, index-based edit authored by this client. The
// store converts it into commutative CRDT operations before it leaves the
// process.
type EditOperation struct {
	Type   EditType    `json:"type"`
	Index  int         `json:"index,omitempty"`
	Length int         `json:"length,omitempty"`
	Text   string      `json:"text,omitempty"`
	Key    string      `json:"key,omitempty"`
	Value  interface{} `json:"value,omitempty"`
}

// FieldOps carries the CRDT operations of one delta against one field.
// Exactly one of the op slices/pointers is set, matching the field kind.
type FieldOps struct {
	Field   string        `json:"field"`
	TextOps []crdt.TextOp `json:"text_ops,omitempty"`
	SetOp   *crdt.SetOp   `json:"set_op,omitempty"`
	MapOp   *crdt.MapOp   `json:"map_op,omitempty"`
	// Replace marks the text ops as a full-field rewrite. BaseClock is the
	// version vector the author had observed; a receiver with edits outside
	// BaseClock surfaces a conflict instead of merging silently.
	Replace   bool             `json:"replace,omitempty"`
	NewValue  string           `json:"new_value,omitempty"`
	BaseClock crdt.VectorClock `json:"base_clock,omitempty"`
}

// Delta is the replicated unit of change: every CRDT operation produced by
// one local edit, tagged with the author's clock for causal ordering and
// dedup.
type Delta struct {
	ID        uuid.UUID        `json:"id"`
	RecordID  string           `json:"record_id"`
	Origin    crdt.NodeID      `json:"origin"`
	Seq       uint64           `json:"seq"`   // per-origin, consecutive
	Clock     crdt.VectorClock `json:"clock"` // author's clock after this delta
	Ops       []FieldOps       `json:"ops"`
	CreatedAt time.Time        `json:"created_at"`
}

// MergeStatus is the outcome class of applying a remote delta
type MergeStatus string

// Merge outcomes
const (
	// MergeApplied means the delta merged cleanly (or was a duplicate).
	MergeApplied MergeStatus = "applied"
	// MergeBuffered means causal dependencies are missing; the delta is
	// held until they arrive.
	MergeBuffered MergeStatus = "buffered"
	// MergeConflicted means the delta could not be auto-merged; a conflict
	// record was created and the delta is parked on it.
	MergeConflicted MergeStatus = "conflicted"
)

// MergeOutcome reports what happened to a remote delta
type MergeOutcome struct {
	Status   MergeStatus
	Conflict *ConflictEntry
}
