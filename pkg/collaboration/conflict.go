package collaboration

import (
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/models"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/observability"
)

// Resolution errors
var (
	ErrConflictNotFound  = errors.New("conflict not found")
	ErrConflictResolved  = errors.New("conflict already resolved")
	ErrInvalidResolution = errors.New("invalid resolution")
)

// ConflictEntry is a detected merge divergence together with the remote
// deltas parked on it. Parked deltas stay unapplied until the conflict is
// resolved; later deltas touching the same field chain onto the same
// entry.
type ConflictEntry struct {
	ID     uuid.UUID
	Record models.ConflictRecord
	deltas []*Delta
}

func (s *RecordStore) newConflict(field string, delta *Delta, local, remote interface{}) *ConflictEntry {
	id := uuid.New()
	return &ConflictEntry{
		ID: id,
		Record: models.ConflictRecord{
			ID:                   id.String(),
			FieldPath:            field,
			Type:                 classifyField(field),
			LocalValue:           local,
			RemoteValue:          remote,
			DetectedAt:           time.Now(),
			ParticipantClientIDs: []string{string(s.nodeID), string(delta.Origin)},
		},
		deltas: []*Delta{delta},
	}
}

func classifyField(fieldPath string) models.ConflictType {
	switch fieldPath {
	case FieldTitle, FieldContent:
		return models.ConflictTypeText
	case FieldTags, FieldMetadata:
		return models.ConflictTypeMetadata
	}
	return models.ConflictTypeStructure
}

// Conflicts returns every conflict record, open and resolved
func (s *RecordStore) Conflicts() []models.ConflictRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ConflictRecord, 0, len(s.conflicts))
	for _, entry := range s.conflicts {
		out = append(out, entry.Record)
	}
	return out
}

// OpenConflicts returns only the unresolved conflict records
func (s *RecordStore) OpenConflicts() []models.ConflictRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ConflictRecord
	for _, entry := range s.conflicts {
		if !entry.Record.Resolved {
			out = append(out, entry.Record)
		}
	}
	return out
}

// ConflictResolver detects and resolves merge divergences for one record
// store. Resolution is atomic: either the chosen value is applied as a
// single new CRDT operation and the conflict is marked resolved, or
// nothing changes.
type ConflictResolver struct {
	store  *RecordStore
	logger observability.Logger
}

// NewConflictResolver creates a resolver bound to the store
func NewConflictResolver(store *RecordStore, logger observability.Logger) *ConflictResolver {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &ConflictResolver{store: store, logger: logger.WithPrefix("conflict-resolver")}
}

// Detect compares two materialized field values and registers a conflict
// if they diverge. It returns nil when the values already agree.
func (r *ConflictResolver) Detect(fieldPath string, local, remote interface{}) *models.ConflictRecord {
	// Field values include maps and slices, so plain equality would panic.
	if reflect.DeepEqual(local, remote) {
		return nil
	}

	s := r.store
	s.mu.Lock()
	entry := s.newConflict(fieldPath, &Delta{Origin: "remote"}, local, remote)
	entry.deltas = nil // no parked delta for an externally detected divergence
	s.conflicts[entry.ID] = entry
	s.mu.Unlock()

	record := entry.Record
	return &record
}

// Resolve applies the chosen value for an open conflict. The parked remote
// delta is integrated first so the resolution causally dominates both
// sides, then the chosen value is emitted as a single new delta in the
// field's native operations; the returned delta must be broadcast to all
// participants.
func (r *ConflictResolver) Resolve(conflictID string, strategy models.ResolutionStrategy, customValue interface{}) (*Delta, error) {
	id, err := uuid.Parse(conflictID)
	if err != nil {
		return nil, errors.Wrapf(ErrConflictNotFound, "bad id %q", conflictID)
	}

	s := r.store
	s.mu.Lock()
	delta, err := s.resolveLocked(id, strategy, customValue)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.notify()
	r.logger.Info("conflict resolved", map[string]interface{}{
		"conflict_id": conflictID,
		"strategy":    strategy,
	})
	return delta, nil
}

func (s *RecordStore) resolveLocked(id uuid.UUID, strategy models.ResolutionStrategy, customValue interface{}) (*Delta, error) {
	entry, ok := s.conflicts[id]
	if !ok {
		return nil, errors.Wrapf(ErrConflictNotFound, "%s", id)
	}
	if entry.Record.Resolved {
		return nil, errors.Wrapf(ErrConflictResolved, "%s", id)
	}

	// Pick and validate the value before touching any state: resolution
	// is all or nothing.
	var chosen interface{}
	switch strategy {
	case models.ResolutionLocal:
		chosen = entry.Record.LocalValue
	case models.ResolutionRemote:
		chosen = entry.Record.RemoteValue
	case models.ResolutionCustom:
		if customValue == nil {
			return nil, errors.Wrap(ErrInvalidResolution, "custom resolution requires a value")
		}
		chosen = customValue
	default:
		return nil, errors.Wrapf(ErrInvalidResolution, "unknown strategy %q", strategy)
	}
	if err := validateResolutionValue(entry.Record.FieldPath, chosen); err != nil {
		return nil, err
	}

	// Integrate the parked deltas so the resolution observes both sides.
	for _, parked := range entry.deltas {
		if s.vv[parked.Origin] >= parked.Seq {
			continue
		}
		if err := s.integrate(parked); err != nil {
			return nil, errors.Wrap(err, "integrating parked delta")
		}
	}
	for _, parked := range entry.deltas {
		delete(s.parked, parked.ID)
	}

	delta, err := s.applyResolutionLocked(entry.Record.FieldPath, chosen)
	if err != nil {
		return nil, errors.Wrap(err, "applying resolution")
	}

	entry.Record.Resolved = true
	resolution := strategy
	entry.Record.Resolution = &resolution
	if fs, ok := s.fields[entry.Record.FieldPath]; ok && fs.conflict == entry {
		fs.conflict = nil
	}

	// The origin's later deltas may have been waiting on the parked one.
	s.drainPending()
	return delta, nil
}

// validateResolutionValue checks that the chosen value has the shape the
// field stores, before any CRDT state is mutated.
func validateResolutionValue(fieldPath string, chosen interface{}) error {
	switch fieldPath {
	case FieldTitle, FieldContent:
		if _, ok := chosen.(string); !ok {
			return errors.Wrapf(ErrInvalidResolution, "%q requires a string value", fieldPath)
		}
	case FieldTags:
		if _, err := asTagList(chosen); err != nil {
			return err
		}
	case FieldMetadata:
		if _, err := asMetadataMap(chosen); err != nil {
			return err
		}
	default:
		return errors.Wrapf(ErrInvalidResolution, "unknown field %q", fieldPath)
	}
	return nil
}

// asTagList accepts []string directly and []interface{} of strings, the
// shape a JSON-decoded custom value arrives in.
func asTagList(v interface{}) ([]string, error) {
	switch tags := v.(type) {
	case []string:
		return tags, nil
	case []interface{}:
		out := make([]string, 0, len(tags))
		for _, t := range tags {
			tag, ok := t.(string)
			if !ok {
				return nil, errors.Wrapf(ErrInvalidResolution, "tag %v is not a string", t)
			}
			out = append(out, tag)
		}
		return out, nil
	}
	return nil, errors.Wrap(ErrInvalidResolution, "tags require a string list")
}

func asMetadataMap(v interface{}) (map[string]interface{}, error) {
	meta, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.Wrap(ErrInvalidResolution, "metadata requires a string-keyed map")
	}
	return meta, nil
}

// applyResolutionLocked emits one delta carrying the chosen value in the
// field's native operations. Text fields replace wholesale, tags diff the
// current set against the chosen one, metadata overwrites the chosen keys.
func (s *RecordStore) applyResolutionLocked(fieldPath string, chosen interface{}) (*Delta, error) {
	switch fieldPath {
	case FieldTitle, FieldContent:
		text, _ := chosen.(string)
		return s.applyLocalLocked(fieldPath, EditOperation{Type: EditReplace, Text: text})

	case FieldTags:
		want, err := asTagList(chosen)
		if err != nil {
			return nil, err
		}
		keep := make(map[string]struct{}, len(want))
		for _, tag := range want {
			keep[tag] = struct{}{}
		}
		var ops []FieldOps
		for _, tag := range s.tags.Elements() {
			if _, ok := keep[tag]; ok {
				continue
			}
			setOp := s.tags.Remove(tag)
			ops = append(ops, FieldOps{Field: FieldTags, SetOp: &setOp})
		}
		for _, tag := range want {
			if s.tags.Contains(tag) {
				continue
			}
			setOp := s.tags.Add(tag)
			ops = append(ops, FieldOps{Field: FieldTags, SetOp: &setOp})
		}
		return s.emitLocked(fieldPath, ops), nil

	case FieldMetadata:
		meta, err := asMetadataMap(chosen)
		if err != nil {
			return nil, err
		}
		keys := make([]string, 0, len(meta))
		for key := range meta {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		ops := make([]FieldOps, 0, len(keys))
		for _, key := range keys {
			mapOp := s.metadata.Set(key, meta[key])
			ops = append(ops, FieldOps{Field: FieldMetadata, MapOp: &mapOp})
		}
		return s.emitLocked(fieldPath, ops), nil
	}
	return nil, errors.Wrapf(ErrUnknownField, "%q", fieldPath)
}

// emitLocked stamps a set of already-applied field operations as one local
// delta and appends it to the log.
func (s *RecordStore) emitLocked(fieldPath string, ops []FieldOps) *Delta {
	seq := s.vv.Increment(s.nodeID)
	clock := s.vv.Clone()
	delta := &Delta{
		ID:        uuid.New(),
		RecordID:  s.recordID,
		Origin:    s.nodeID,
		Seq:       seq,
		Clock:     clock,
		Ops:       ops,
		CreatedAt: time.Now(),
	}
	if fs, ok := s.fields[fieldPath]; ok {
		fs.editClock.Update(clock)
	}
	s.log = append(s.log, delta)
	s.lastModified = delta.CreatedAt
	s.lastModifiedBy = string(s.nodeID)
	return delta
}
