// Package collaboration implements the replicated store for memory
// records. Each record's fields are backed by CRDTs (RGA text for title
// and content, an observed-remove set for tags, a last-writer-wins map for
// metadata); local edits become deltas, remote deltas merge in causal
// order. The one merge case that is deliberately not automatic, a
// full-field replace racing fine-grained edits, surfaces as a conflict
// record for the user to resolve.
package collaboration

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/crdt"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/models"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/observability"
)

// Store errors
var (
	ErrUnknownField     = errors.New("unknown field path")
	ErrInvalidOperation = errors.New("operation not valid for field")
	ErrWrongRecord      = errors.New("delta addressed to a different record")
)

type fieldState struct {
	// editClock is the union of the clocks of every delta that touched
	// this field.
	editClock crdt.VectorClock
	// lastReplace is the clock of the most recent full-field replace, nil
	// if the field has never been replaced.
	lastReplace crdt.VectorClock
	// preReplace is the text state captured immediately before that
	// replace, used to preview what concurrent fine-grained edits would
	// have produced.
	preReplace *crdt.Text
	// conflict is the open conflict on this field, if any. Later deltas
	// touching the field park on it instead of merging past it.
	conflict *ConflictEntry
}

// RecordStore is the replicated document store for a single memory record.
// All session participants mutate it concurrently through CRDT operations;
// merges are pure over operation sets, so no coordination is required for
// correctness.
type RecordStore struct {
	mu       sync.RWMutex
	recordID string
	nodeID   crdt.NodeID

	title    *crdt.Text
	content  *crdt.Text
	tags     *crdt.ORSet
	metadata *crdt.LWWMap

	vv     crdt.VectorClock
	fields map[string]*fieldState

	// log holds every applied delta in application order; it is
	// append-only and serves reconnect reconciliation.
	log []*Delta
	// pending buffers deltas whose causal dependencies have not arrived.
	pending []*Delta

	conflicts map[uuid.UUID]*ConflictEntry
	// parked maps a conflicted delta id to its conflict, so redelivery
	// does not raise a second conflict.
	parked map[uuid.UUID]*ConflictEntry

	lastModified   time.Time
	lastModifiedBy string

	subscribers map[int]func(models.MemoryRecord)
	nextSubID   int

	logger observability.Logger
}

// NewRecordStore creates a replica of the record owned by the given client
func NewRecordStore(recordID string, nodeID crdt.NodeID, logger observability.Logger) *RecordStore {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &RecordStore{
		recordID: recordID,
		nodeID:   nodeID,
		title:    crdt.NewText(nodeID),
		content:  crdt.NewText(nodeID),
		tags:     crdt.NewORSet(),
		metadata: crdt.NewLWWMap(nodeID),
		vv:       crdt.NewVectorClock(),
		fields: map[string]*fieldState{
			FieldTitle:    {editClock: crdt.NewVectorClock()},
			FieldContent:  {editClock: crdt.NewVectorClock()},
			FieldTags:     {editClock: crdt.NewVectorClock()},
			FieldMetadata: {editClock: crdt.NewVectorClock()},
		},
		conflicts:   make(map[uuid.UUID]*ConflictEntry),
		parked:      make(map[uuid.UUID]*ConflictEntry),
		subscribers: make(map[int]func(models.MemoryRecord)),
		logger:      logger.WithPrefix("record-store"),
	}
}

// RecordID returns the id of the record this store replicates
func (s *RecordStore) RecordID() string { return s.recordID }

// NodeID returns the replica's client id
func (s *RecordStore) NodeID() crdt.NodeID { return s.nodeID }

// VersionVector returns a copy of the replica's current version vector
func (s *RecordStore) VersionVector() crdt.VectorClock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vv.Clone()
}

// ApplyLocal applies an index-based edit from this client and returns the
// delta to broadcast to the other session participants.
func (s *RecordStore) ApplyLocal(fieldPath string, op EditOperation) (*Delta, error) {
	s.mu.Lock()
	delta, err := s.applyLocalLocked(fieldPath, op)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.notify()
	return delta, nil
}

func (s *RecordStore) applyLocalLocked(fieldPath string, op EditOperation) (*Delta, error) {
	fs, ok := s.fields[fieldPath]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownField, "%q", fieldPath)
	}

	fo := FieldOps{Field: fieldPath}
	switch op.Type {
	case EditInsert:
		text, err := s.textField(fieldPath)
		if err != nil {
			return nil, err
		}
		ops, err := text.LocalInsert(op.Index, op.Text)
		if err != nil {
			return nil, err
		}
		fo.TextOps = ops

	case EditDelete:
		text, err := s.textField(fieldPath)
		if err != nil {
			return nil, err
		}
		ops, err := text.LocalDelete(op.Index, op.Length)
		if err != nil {
			return nil, err
		}
		fo.TextOps = ops

	case EditReplace:
		text, err := s.textField(fieldPath)
		if err != nil {
			return nil, err
		}
		base := s.vv.Clone()
		pre := text.Clone()
		var ops []crdt.TextOp
		if n := text.Len(); n > 0 {
			deleted, err := text.LocalDelete(0, n)
			if err != nil {
				return nil, err
			}
			ops = append(ops, deleted...)
		}
		if op.Text != "" {
			inserted, err := text.LocalInsert(0, op.Text)
			if err != nil {
				return nil, err
			}
			ops = append(ops, inserted...)
		}
		fo.TextOps = ops
		fo.Replace = true
		fo.NewValue = op.Text
		fo.BaseClock = base
		fs.preReplace = pre

	case EditAddTag:
		if fieldPath != FieldTags {
			return nil, errors.Wrapf(ErrInvalidOperation, "%s on %q", op.Type, fieldPath)
		}
		setOp := s.tags.Add(op.Text)
		fo.SetOp = &setOp

	case EditRemoveTag:
		if fieldPath != FieldTags {
			return nil, errors.Wrapf(ErrInvalidOperation, "%s on %q", op.Type, fieldPath)
		}
		setOp := s.tags.Remove(op.Text)
		fo.SetOp = &setOp

	case EditSetMetadata:
		if fieldPath != FieldMetadata {
			return nil, errors.Wrapf(ErrInvalidOperation, "%s on %q", op.Type, fieldPath)
		}
		mapOp := s.metadata.Set(op.Key, op.Value)
		fo.MapOp = &mapOp

	default:
		return nil, errors.Wrapf(ErrInvalidOperation, "unknown edit type %q", op.Type)
	}

	seq := s.vv.Increment(s.nodeID)
	clock := s.vv.Clone()
	delta := &Delta{
		ID:        uuid.New(),
		RecordID:  s.recordID,
		Origin:    s.nodeID,
		Seq:       seq,
		Clock:     clock,
		Ops:       []FieldOps{fo},
		CreatedAt: time.Now(),
	}

	fs.editClock.Update(clock)
	if fo.Replace {
		fs.lastReplace = clock
	}
	s.log = append(s.log, delta)
	s.lastModified = delta.CreatedAt
	s.lastModifiedBy = string(s.nodeID)
	return delta, nil
}

// ApplyRemote merges a delta received from another participant. Duplicates
// are no-ops, causally premature deltas are buffered, and a non-mergeable
// replace produces a conflict entry instead of a silent winner.
func (s *RecordStore) ApplyRemote(delta *Delta) (MergeOutcome, error) {
	s.mu.Lock()
	outcome, err := s.applyRemoteLocked(delta)
	s.mu.Unlock()
	if err != nil {
		return outcome, err
	}
	if outcome.Status == MergeApplied {
		s.notify()
	}
	return outcome, nil
}

func (s *RecordStore) applyRemoteLocked(delta *Delta) (MergeOutcome, error) {
	if delta.RecordID != s.recordID {
		return MergeOutcome{}, errors.Wrapf(ErrWrongRecord, "got %q want %q", delta.RecordID, s.recordID)
	}

	// Dedup: already applied, or already parked on a conflict.
	if s.vv[delta.Origin] >= delta.Seq {
		return MergeOutcome{Status: MergeApplied}, nil
	}
	if entry, ok := s.parked[delta.ID]; ok {
		return MergeOutcome{Status: MergeConflicted, Conflict: entry}, nil
	}

	// A replace whose base clock covers a delta parked here means its
	// author already integrated that delta while resolving: adopt the
	// resolution instead of waiting for a second manual one.
	s.tryAutoResolve(delta)

	if !s.causallyReady(delta) {
		buffered := false
		for _, p := range s.pending {
			if p.ID == delta.ID {
				buffered = true
				break
			}
		}
		if !buffered {
			s.pending = append(s.pending, delta)
		}
		// An auto-resolution may have unblocked the chain this delta
		// belongs to.
		s.drainPending()
		if s.vv[delta.Origin] >= delta.Seq {
			return MergeOutcome{Status: MergeApplied}, nil
		}
		if entry, ok := s.parked[delta.ID]; ok {
			return MergeOutcome{Status: MergeConflicted, Conflict: entry}, nil
		}
		return MergeOutcome{Status: MergeBuffered}, nil
	}

	if entry := s.detectConflict(delta); entry != nil {
		s.conflicts[entry.ID] = entry
		s.parked[delta.ID] = entry
		s.logger.Warn("merge divergence detected", map[string]interface{}{
			"record_id": s.recordID,
			"field":     entry.Record.FieldPath,
			"origin":    delta.Origin,
		})
		return MergeOutcome{Status: MergeConflicted, Conflict: entry}, nil
	}

	if err := s.integrate(delta); err != nil {
		// Missing in-field dependencies; CRDT application is idempotent,
		// so a retry after the gap fills is safe.
		s.pending = append(s.pending, delta)
		s.logger.Warn("delta requeued", map[string]interface{}{
			"delta_id": delta.ID.String(),
			"error":    err.Error(),
		})
		return MergeOutcome{Status: MergeBuffered}, nil
	}

	s.drainPending()
	return MergeOutcome{Status: MergeApplied}, nil
}

// causallyReady reports whether every operation the delta depends on has
// been applied or is parked on an open conflict: the origin's previous
// delta, and everything the author had seen from other replicas. Parked
// deltas count as seen so that a conflict on one field never blocks
// merges on another.
func (s *RecordStore) causallyReady(delta *Delta) bool {
	held := make(map[crdt.NodeID]uint64)
	for _, entry := range s.conflicts {
		if entry.Record.Resolved {
			continue
		}
		for _, parked := range entry.deltas {
			if parked.Seq > held[parked.Origin] {
				held[parked.Origin] = parked.Seq
			}
		}
	}
	seen := func(node crdt.NodeID) uint64 {
		if held[node] > s.vv[node] {
			return held[node]
		}
		return s.vv[node]
	}

	for node, value := range delta.Clock {
		if node == delta.Origin {
			if seen(node) < value-1 {
				return false
			}
			continue
		}
		if seen(node) < value {
			return false
		}
	}
	return true
}

// detectConflict applies the non-auto-mergeable policy: a full-field
// replace racing fine-grained edits on the same field, in either
// direction, is surfaced rather than merged.
func (s *RecordStore) detectConflict(delta *Delta) *ConflictEntry {
	for i := range delta.Ops {
		fo := &delta.Ops[i]
		fs, ok := s.fields[fo.Field]
		if !ok || len(fo.TextOps) == 0 {
			continue
		}

		// An open conflict on the field captures everything that touches
		// it until resolution.
		if fs.conflict != nil && !fs.conflict.Record.Resolved {
			fs.conflict.deltas = append(fs.conflict.deltas, delta)
			return fs.conflict
		}

		if fo.Replace {
			// Incoming replace vs edits its author had not observed.
			if !fo.BaseClock.Dominates(fs.editClock) {
				text, _ := s.textField(fo.Field)
				entry := s.newConflict(fo.Field, delta, text.String(), fo.NewValue)
				fs.conflict = entry
				return entry
			}
			continue
		}

		// Incoming fine-grained edits vs a replace we already applied.
		if fs.lastReplace != nil && delta.Clock.Concurrent(fs.lastReplace) {
			text, _ := s.textField(fo.Field)
			remote := previewOps(fs.preReplace, fo.TextOps)
			entry := s.newConflict(fo.Field, delta, text.String(), remote)
			fs.conflict = entry
			return entry
		}
	}
	return nil
}

// integrate applies all of a delta's operations and advances the clocks
func (s *RecordStore) integrate(delta *Delta) error {
	for i := range delta.Ops {
		fo := &delta.Ops[i]
		fs, ok := s.fields[fo.Field]
		if !ok {
			return errors.Wrapf(ErrUnknownField, "%q", fo.Field)
		}

		if len(fo.TextOps) > 0 {
			text, err := s.textField(fo.Field)
			if err != nil {
				return err
			}
			var pre *crdt.Text
			if fo.Replace {
				pre = text.Clone()
			}
			for _, op := range fo.TextOps {
				if err := text.Apply(op); err != nil {
					return errors.Wrapf(err, "applying text op to %q", fo.Field)
				}
			}
			if fo.Replace {
				fs.preReplace = pre
				fs.lastReplace = delta.Clock
			}
		}
		if fo.SetOp != nil {
			s.tags.Apply(*fo.SetOp)
		}
		if fo.MapOp != nil {
			s.metadata.Apply(*fo.MapOp)
		}
		fs.editClock.Update(delta.Clock)
	}

	s.vv.Update(delta.Clock)
	s.log = append(s.log, delta)
	if delta.CreatedAt.After(s.lastModified) {
		s.lastModified = delta.CreatedAt
		s.lastModifiedBy = string(delta.Origin)
	}
	return nil
}

// drainPending retries buffered deltas until no more become ready
func (s *RecordStore) drainPending() {
	for {
		progressed := false
		remaining := s.pending[:0]
		for _, delta := range s.pending {
			if s.vv[delta.Origin] >= delta.Seq {
				progressed = true
				continue // duplicate surfaced by drain
			}
			if !s.causallyReady(delta) {
				remaining = append(remaining, delta)
				continue
			}
			if entry := s.detectConflict(delta); entry != nil {
				s.conflicts[entry.ID] = entry
				s.parked[delta.ID] = entry
				progressed = true
				continue
			}
			if err := s.integrate(delta); err != nil {
				// Keep waiting; the in-field dependency may be parked on
				// an open conflict.
				remaining = append(remaining, delta)
				continue
			}
			progressed = true
		}
		s.pending = remaining
		if !progressed || len(s.pending) == 0 {
			return
		}
	}
}

// tryAutoResolve integrates parked deltas that an incoming replace has
// already observed, marking their conflicts resolved remotely.
func (s *RecordStore) tryAutoResolve(delta *Delta) bool {
	changed := false
	for i := range delta.Ops {
		fo := &delta.Ops[i]
		if !fo.Replace || fo.BaseClock == nil {
			continue
		}
		fs, ok := s.fields[fo.Field]
		if !ok || fs.conflict == nil || fs.conflict.Record.Resolved {
			continue
		}
		entry := fs.conflict
		dominated := true
		for _, parked := range entry.deltas {
			if !fo.BaseClock.Dominates(parked.Clock) {
				dominated = false
				break
			}
		}
		if !dominated {
			continue
		}
		for _, parked := range entry.deltas {
			if s.vv[parked.Origin] >= parked.Seq {
				continue
			}
			if err := s.integrate(parked); err != nil {
				s.logger.Error("failed to integrate parked delta during remote resolution", map[string]interface{}{
					"delta_id": parked.ID.String(),
					"error":    err.Error(),
				})
				continue
			}
			delete(s.parked, parked.ID)
		}
		resolution := models.ResolutionRemote
		entry.Record.Resolved = true
		entry.Record.Resolution = &resolution
		fs.conflict = nil
		changed = true
	}
	return changed
}

// DeltasSince returns every applied delta the given version vector has not
// seen, in application order. This backs sync step 2 of the reconnect
// handshake: the receiver gets exactly the deltas it missed.
func (s *RecordStore) DeltasSince(since crdt.VectorClock) []*Delta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Delta
	for _, delta := range s.log {
		if delta.Seq > since[delta.Origin] {
			out = append(out, delta)
		}
	}
	return out
}

// Log returns all applied deltas in application order
func (s *RecordStore) Log() []*Delta {
	return s.DeltasSince(crdt.NewVectorClock())
}

// PendingCount returns the number of causally buffered deltas
func (s *RecordStore) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// Snapshot materializes the record from the converged CRDT state
func (s *RecordStore) Snapshot() models.MemoryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return models.MemoryRecord{
		ID:             s.recordID,
		Title:          s.title.String(),
		Content:        s.content.String(),
		Tags:           s.tags.Elements(),
		Metadata:       s.metadata.Snapshot(),
		VersionVector:  s.vv.Clone(),
		LastModified:   s.lastModified,
		LastModifiedBy: s.lastModifiedBy,
	}
}

// Subscribe registers fn to be called with a fresh snapshot after every
// applied change. The returned function unsubscribes.
func (s *RecordStore) Subscribe(fn func(models.MemoryRecord)) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

func (s *RecordStore) notify() {
	s.mu.RLock()
	snapshot := models.MemoryRecord{
		ID:             s.recordID,
		Title:          s.title.String(),
		Content:        s.content.String(),
		Tags:           s.tags.Elements(),
		Metadata:       s.metadata.Snapshot(),
		VersionVector:  s.vv.Clone(),
		LastModified:   s.lastModified,
		LastModifiedBy: s.lastModifiedBy,
	}
	fns := make([]func(models.MemoryRecord), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}

func (s *RecordStore) textField(fieldPath string) (*crdt.Text, error) {
	switch fieldPath {
	case FieldTitle:
		return s.title, nil
	case FieldContent:
		return s.content, nil
	}
	return nil, errors.Wrapf(ErrInvalidOperation, "%q is not a text field", fieldPath)
}

// previewOps applies text ops to a copy of the pre-replace state to show
// what the concurrent fine-grained edits would have produced.
func previewOps(pre *crdt.Text, ops []crdt.TextOp) string {
	if pre == nil {
		return ""
	}
	clone := pre.Clone()
	for _, op := range ops {
		_ = clone.Apply(op) // best effort, preview only
	}
	return clone.String()
}
