package graph

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/crdt"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/models"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/observability"
)

// CyclePolicy controls what happens when a new edge would close a cycle
type CyclePolicy string

// Cycle policies. Permissive keeps the edge but downgrades it to a
// non-authoritative soft reference; Strict rejects the operation.
const (
	CyclePermissive CyclePolicy = "permissive"
	CycleStrict     CyclePolicy = "strict"
)

// StrengthMergeMode selects how concurrent strength updates combine
type StrengthMergeMode string

// Strength merge modes. LWW keeps the value with the higher logical
// timestamp; RecencyWeighted averages the competing values weighted by
// their timestamps.
const (
	StrengthLWW             StrengthMergeMode = "lww"
	StrengthRecencyWeighted StrengthMergeMode = "recency_weighted"
)

// Config tunes the transform engine. The zero value selects the
// permissive cycle policy, last-writer-wins strength merging, and
// max-strength create deduplication.
type Config struct {
	CyclePolicy   CyclePolicy
	StrengthMerge StrengthMergeMode
	// MergeStrength combines the strengths of two concurrent creates of
	// the same edge. Defaults to taking the higher value.
	MergeStrength func(a, b float64) float64
}

type edgeState struct {
	edge    models.RelationshipEdge
	deleted bool
	// existsOp is the operation that last decided whether the edge
	// exists (a create or a delete).
	existsOp EdgeOperation
	// strengthOp is the operation that last set the strength.
	strengthOp EdgeOperation
}

// Engine applies operational-transform rules to concurrent relationship
// edge operations and maintains the converged edge set for one record's
// relationship neighborhood.
type Engine struct {
	mu     sync.RWMutex
	cfg    Config
	nodeID crdt.NodeID
	edges  map[EdgeKey]*edgeState
	// lamport is the operation clock shared by all edge operations the
	// engine has seen or issued.
	lamport uint64
	logger  observability.Logger
}

// NewEngine creates a transform engine for the given client
func NewEngine(nodeID crdt.NodeID, cfg Config, logger observability.Logger) *Engine {
	if cfg.CyclePolicy == "" {
		cfg.CyclePolicy = CyclePermissive
	}
	if cfg.StrengthMerge == "" {
		cfg.StrengthMerge = StrengthLWW
	}
	if cfg.MergeStrength == nil {
		cfg.MergeStrength = func(a, b float64) float64 {
			if a > b {
				return a
			}
			return b
		}
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Engine{
		cfg:    cfg,
		nodeID: nodeID,
		edges:  make(map[EdgeKey]*edgeState),
		logger: logger.WithPrefix("relationship-engine"),
	}
}

// CreateEdge builds a local create operation with a fresh timestamp. The
// operation must still be passed to Apply, and broadcast to peers.
func (e *Engine) CreateEdge(sourceID, targetID string, edgeType models.EdgeType, strength float64) EdgeOperation {
	return e.newOp(EdgeCreate, EdgeKey{SourceID: sourceID, TargetID: targetID, Type: edgeType}, strength)
}

// DeleteEdge builds a local delete operation for the edge
func (e *Engine) DeleteEdge(sourceID, targetID string, edgeType models.EdgeType) EdgeOperation {
	return e.newOp(EdgeDelete, EdgeKey{SourceID: sourceID, TargetID: targetID, Type: edgeType}, 0)
}

// UpdateStrength builds a local strength update for the edge
func (e *Engine) UpdateStrength(sourceID, targetID string, edgeType models.EdgeType, strength float64) EdgeOperation {
	return e.newOp(EdgeUpdateStrength, EdgeKey{SourceID: sourceID, TargetID: targetID, Type: edgeType}, strength)
}

func (e *Engine) newOp(opType EdgeOpType, key EdgeKey, strength float64) EdgeOperation {
	e.mu.Lock()
	e.lamport++
	ts := e.lamport
	e.mu.Unlock()

	return EdgeOperation{
		ID:        uuid.New(),
		Type:      opType,
		Key:       key,
		Strength:  strength,
		Timestamp: ts,
		ClientID:  e.nodeID,
		CreatedAt: time.Now(),
	}
}

// Transform rewrites a remote operation against local operations that
// have been applied here but that the remote author had not seen. The
// returned operation is what Apply should receive; a remote operation
// wholly superseded by the local pending set comes back as EdgeNoop.
func (e *Engine) Transform(remote EdgeOperation, localPending []EdgeOperation) EdgeOperation {
	out := remote
	for _, local := range localPending {
		if local.Key != remote.Key {
			continue
		}
		switch {
		case out.Type == EdgeCreate && local.Type == EdgeCreate:
			// Duplicate create of the same logical edge: keep one edge,
			// merging the competing strengths.
			out.Type = EdgeUpdateStrength
			out.Strength = e.cfg.MergeStrength(out.Strength, local.Strength)

		case out.Type == EdgeCreate && local.Type == EdgeDelete,
			out.Type == EdgeDelete && local.Type == EdgeCreate,
			out.Type == EdgeUpdateStrength && local.Type == EdgeDelete,
			out.Type == EdgeDelete && local.Type == EdgeUpdateStrength:
			if !out.supersedes(local) {
				out.Type = EdgeNoop
			}

		case out.Type == EdgeDelete && local.Type == EdgeDelete:
			out.Type = EdgeNoop
		}
		if out.Type == EdgeNoop {
			return out
		}
	}
	return out
}

// Apply commits an operation to the edge set. The returned edge is the
// post-operation state of the addressed edge, nil if the edge does not
// exist afterwards. Rejected operations leave the edge set unchanged.
func (e *Engine) Apply(op EdgeOperation) (*models.RelationshipEdge, error) {
	if err := op.validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if op.Timestamp > e.lamport {
		e.lamport = op.Timestamp
	}

	switch op.Type {
	case EdgeNoop:
		return e.currentLocked(op.Key), nil
	case EdgeCreate:
		return e.applyCreateLocked(op)
	case EdgeDelete:
		return e.applyDeleteLocked(op)
	case EdgeUpdateStrength:
		return e.applyUpdateLocked(op)
	}
	return nil, errors.Wrapf(ErrUnknownOperation, "%q", op.Type)
}

func (e *Engine) applyCreateLocked(op EdgeOperation) (*models.RelationshipEdge, error) {
	state, ok := e.edges[op.Key]
	if ok && !state.deleted {
		// Concurrent create of the same logical edge: deduplicate,
		// merging strengths.
		merged := e.cfg.MergeStrength(state.edge.Strength, op.Strength)
		state.edge.Strength = merged
		if op.supersedes(state.strengthOp) {
			state.strengthOp = op
		}
		e.touchLocked(state, op)
		edge := state.edge
		return &edge, nil
	}
	if ok && state.deleted && !op.supersedes(state.existsOp) {
		// A delete this create had not seen wins the race.
		return nil, nil
	}

	edgeType := op.Key.Type
	if e.wouldCycleLocked(op.Key.SourceID, op.Key.TargetID) && edgeType != models.EdgeTypeSoftReference {
		switch e.cfg.CyclePolicy {
		case CycleStrict:
			return nil, errors.Wrapf(ErrCycle, "%s -> %s", op.Key.SourceID, op.Key.TargetID)
		default:
			e.logger.Warn("cycle detected, downgrading edge to soft reference", map[string]interface{}{
				"source": op.Key.SourceID,
				"target": op.Key.TargetID,
				"type":   string(op.Key.Type),
			})
			edgeType = models.EdgeTypeSoftReference
		}
	}

	state = &edgeState{
		edge: models.RelationshipEdge{
			SourceID:      op.Key.SourceID,
			TargetID:      op.Key.TargetID,
			Type:          edgeType,
			Strength:      op.Strength,
			VersionVector: crdt.NewVectorClock(),
		},
		existsOp:   op,
		strengthOp: op,
	}
	e.touchLocked(state, op)
	// The downgraded edge keeps the original key so that concurrent
	// operations addressed to it still transform against it.
	e.edges[op.Key] = state
	edge := state.edge
	return &edge, nil
}

func (e *Engine) applyDeleteLocked(op EdgeOperation) (*models.RelationshipEdge, error) {
	state, ok := e.edges[op.Key]
	if !ok {
		// Delete of an edge never seen: record the tombstone so a
		// late-arriving concurrent create resolves the same way here as
		// on replicas that saw the delete last.
		e.edges[op.Key] = &edgeState{deleted: true, existsOp: op, strengthOp: op}
		return nil, nil
	}
	if state.deleted {
		if op.supersedes(state.existsOp) {
			state.existsOp = op
		}
		return nil, nil
	}
	if !op.supersedes(state.existsOp) || !op.supersedes(state.strengthOp) {
		// Superseded by an operation the deleter had not seen.
		edge := state.edge
		return &edge, nil
	}
	state.deleted = true
	state.existsOp = op
	e.touchLocked(state, op)
	return nil, nil
}

func (e *Engine) applyUpdateLocked(op EdgeOperation) (*models.RelationshipEdge, error) {
	state, ok := e.edges[op.Key]
	if !ok {
		return nil, errors.Wrapf(ErrEdgeNotFound, "%s -> %s (%s)", op.Key.SourceID, op.Key.TargetID, op.Key.Type)
	}
	if state.deleted {
		if !op.supersedes(state.existsOp) {
			// Deterministic delete-vs-update rule: the later logical
			// timestamp wins, so this update is dropped.
			return nil, nil
		}
		// The update wins the race: the edge is reinstated with the
		// updated strength.
		state.deleted = false
		state.existsOp = op
		state.edge.Strength = op.Strength
		state.strengthOp = op
		e.touchLocked(state, op)
		edge := state.edge
		return &edge, nil
	}

	switch e.cfg.StrengthMerge {
	case StrengthRecencyWeighted:
		a, b := state.strengthOp, op
		total := float64(a.Timestamp + b.Timestamp)
		if total > 0 {
			state.edge.Strength = (state.edge.Strength*float64(a.Timestamp) + op.Strength*float64(b.Timestamp)) / total
		} else {
			state.edge.Strength = op.Strength
		}
		if op.supersedes(state.strengthOp) {
			state.strengthOp = op
		}
	default:
		if op.supersedes(state.strengthOp) {
			state.edge.Strength = op.Strength
			state.strengthOp = op
		}
	}
	e.touchLocked(state, op)
	edge := state.edge
	return &edge, nil
}

func (e *Engine) touchLocked(state *edgeState, op EdgeOperation) {
	if state.edge.VersionVector == nil {
		state.edge.VersionVector = crdt.NewVectorClock()
	}
	if op.Timestamp > state.edge.VersionVector[op.ClientID] {
		state.edge.VersionVector[op.ClientID] = op.Timestamp
	}
	if op.CreatedAt.After(state.edge.UpdatedAt) {
		state.edge.UpdatedAt = op.CreatedAt
		state.edge.UpdatedBy = string(op.ClientID)
	}
}

func (e *Engine) currentLocked(key EdgeKey) *models.RelationshipEdge {
	state, ok := e.edges[key]
	if !ok || state.deleted {
		return nil
	}
	edge := state.edge
	return &edge
}

// Edge returns the current state of the addressed edge
func (e *Engine) Edge(sourceID, targetID string, edgeType models.EdgeType) (models.RelationshipEdge, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	edge := e.currentLocked(EdgeKey{SourceID: sourceID, TargetID: targetID, Type: edgeType})
	if edge == nil {
		return models.RelationshipEdge{}, false
	}
	return *edge, true
}

// Edges returns all live edges, ordered by (source, target, type)
func (e *Engine) Edges() []models.RelationshipEdge {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]models.RelationshipEdge, 0, len(e.edges))
	for _, state := range e.edges {
		if state.deleted {
			continue
		}
		out = append(out, state.edge)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		if out[i].TargetID != out[j].TargetID {
			return out[i].TargetID < out[j].TargetID
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// wouldCycleLocked reports whether adding source->target closes a cycle
// through the authoritative edge set. Soft references do not count.
func (e *Engine) wouldCycleLocked(sourceID, targetID string) bool {
	adj := make(map[string][]string)
	for key, state := range e.edges {
		if state.deleted || state.edge.Type == models.EdgeTypeSoftReference {
			continue
		}
		adj[key.SourceID] = append(adj[key.SourceID], key.TargetID)
	}

	// A path target -> ... -> source means source->target closes a loop.
	visited := map[string]bool{}
	stack := []string{targetID}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node == sourceID {
			return true
		}
		if visited[node] {
			continue
		}
		visited[node] = true
		stack = append(stack, adj[node]...)
	}
	return false
}
