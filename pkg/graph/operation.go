// Package graph implements the transform engine for relationship edges
// between memory records. Every edge mutation in a collaborative session
// passes through the engine: concurrent operations on the same logical
// edge are rewritten against each other so that all participants converge
// on the same relationship set, and edge creation is validated against the
// configured acyclicity policy before it commits.
package graph

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/crdt"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/models"
)

// Transform errors. Each carries a reason code retrievable via ReasonCode.
var (
	ErrInvalidEdgeType  = errors.New("invalid edge type")
	ErrStrengthRange    = errors.New("strength must be in [0,1]")
	ErrSelfEdge         = errors.New("edge source and target must differ")
	ErrCycle            = errors.New("edge would introduce a cycle")
	ErrEdgeNotFound     = errors.New("edge not found")
	ErrUnknownOperation = errors.New("unknown edge operation type")
)

// Reason codes surfaced to clients when an edge operation is rejected
const (
	ReasonInvalidType = "invalid_type"
	ReasonStrength    = "strength_range"
	ReasonSelfEdge    = "self_edge"
	ReasonCycle       = "cycle_detected"
	ReasonNotFound    = "not_found"
	ReasonUnknownOp   = "unknown_operation"
	ReasonInternal    = "internal"
)

// ReasonCode maps a transform error to its wire-level reason code
func ReasonCode(err error) string {
	switch errors.Cause(err) {
	case ErrInvalidEdgeType:
		return ReasonInvalidType
	case ErrStrengthRange:
		return ReasonStrength
	case ErrSelfEdge:
		return ReasonSelfEdge
	case ErrCycle:
		return ReasonCycle
	case ErrEdgeNotFound:
		return ReasonNotFound
	case ErrUnknownOperation:
		return ReasonUnknownOp
	}
	return ReasonInternal
}

// EdgeOpType distinguishes the edge mutations the engine understands
type EdgeOpType string

// Edge operation types. EdgeNoop is produced only by Transform, for a
// remote operation wholly superseded by local pending operations.
const (
	EdgeCreate         EdgeOpType = "create"
	EdgeDelete         EdgeOpType = "delete"
	EdgeUpdateStrength EdgeOpType = "update_strength"
	EdgeNoop           EdgeOpType = "noop"
)

// EdgeKey identifies a logical edge: two operations with the same key
// address the same edge regardless of which client issued them.
type EdgeKey struct {
	SourceID string          `json:"source_id"`
	TargetID string          `json:"target_id"`
	Type     models.EdgeType `json:"type"`
}

// EdgeOperation is one mutation of a relationship edge. Timestamp is a
// lamport clock shared across all edge operations in the session; ties
// between concurrent operations break by ClientID lexicographic order.
type EdgeOperation struct {
	ID        uuid.UUID        `json:"id"`
	Type      EdgeOpType       `json:"type"`
	Key       EdgeKey          `json:"key"`
	Strength  float64          `json:"strength,omitempty"`
	Timestamp uint64           `json:"timestamp"`
	ClientID  crdt.NodeID      `json:"client_id"`
	Clock     crdt.VectorClock `json:"clock,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// supersedes reports whether this operation wins a timestamp race against
// other. Later logical timestamp wins; ties break by client id.
func (op EdgeOperation) supersedes(other EdgeOperation) bool {
	if op.Timestamp != other.Timestamp {
		return op.Timestamp > other.Timestamp
	}
	return op.ClientID > other.ClientID
}

func (op EdgeOperation) validate() error {
	switch op.Type {
	case EdgeCreate, EdgeDelete, EdgeUpdateStrength, EdgeNoop:
	default:
		return errors.Wrapf(ErrUnknownOperation, "%q", op.Type)
	}
	if op.Type == EdgeNoop {
		return nil
	}
	if op.Key.SourceID == op.Key.TargetID {
		return errors.Wrapf(ErrSelfEdge, "%q", op.Key.SourceID)
	}
	if !op.Key.Type.Valid() {
		return errors.Wrapf(ErrInvalidEdgeType, "%q", op.Key.Type)
	}
	if op.Type != EdgeDelete && (op.Strength < 0 || op.Strength > 1) {
		return errors.Wrapf(ErrStrengthRange, "%v", op.Strength)
	}
	return nil
}
