package crdt

import (
	"fmt"
	"sync"
)

// ElementID is the globally unique, causally ordered identifier of one
// element in a replicated text sequence. The zero value addresses the
// virtual head of the sequence.
type ElementID struct {
	Node NodeID `json:"node"`
	Seq  uint64 `json:"seq"`
}

// IsZero reports whether the id addresses the virtual head
func (id ElementID) IsZero() bool {
	return id.Node == "" && id.Seq == 0
}

// Less orders ids by (seq, node). Concurrent siblings are placed in
// descending id order, which keeps integration deterministic on every
// replica.
func (id ElementID) Less(other ElementID) bool {
	if id.Seq != other.Seq {
		return id.Seq < other.Seq
	}
	return id.Node < other.Node
}

// TextOpType distinguishes text operations
type TextOpType string

const (
	TextOpInsert TextOpType = "insert"
	TextOpDelete TextOpType = "delete"
)

// TextOp is one replicated text operation. Inserts reference the id of the
// left neighbor at authoring time, never an absolute offset, so they commute
// under arbitrary delivery order. Deletes reference the target element id
// and tombstone it.
type TextOp struct {
	Type   TextOpType `json:"type"`
	ID     ElementID  `json:"id"`
	Origin ElementID  `json:"origin,omitempty"`
	Rune   rune       `json:"rune,omitempty"`
	Target ElementID  `json:"target,omitempty"`
}

type textElement struct {
	id      ElementID
	origin  ElementID
	r       rune
	deleted bool
}

// Text is an RGA (Replicated Growable Array) sequence CRDT over runes.
// Deleted elements are tombstoned until Compact so that concurrent
// operations referencing them still integrate.
type Text struct {
	mu       sync.RWMutex
	nodeID   NodeID
	elements []textElement
	index    map[ElementID]int
	applied  map[ElementID]bool // insert dedup
	removed  map[ElementID]bool // delete dedup
	maxSeq   uint64
}

// NewText creates an empty replicated text owned by the given replica
func NewText(nodeID NodeID) *Text {
	return &Text{
		nodeID:  nodeID,
		index:   make(map[ElementID]int),
		applied: make(map[ElementID]bool),
		removed: make(map[ElementID]bool),
	}
}

// LocalInsert inserts s at the visible rune index and returns the
// operations to broadcast, one per rune.
func (t *Text) LocalInsert(index int, s string) ([]TextOp, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	visible := t.visibleIDs()
	if index < 0 || index > len(visible) {
		return nil, fmt.Errorf("insert index %d out of bounds (len %d)", index, len(visible))
	}

	origin := ElementID{}
	if index > 0 {
		origin = visible[index-1]
	}

	ops := make([]TextOp, 0, len(s))
	for _, r := range s {
		t.maxSeq++
		op := TextOp{
			Type:   TextOpInsert,
			ID:     ElementID{Node: t.nodeID, Seq: t.maxSeq},
			Origin: origin,
			Rune:   r,
		}
		if err := t.applyInsert(op); err != nil {
			return nil, err
		}
		ops = append(ops, op)
		origin = op.ID
	}
	return ops, nil
}

// LocalDelete tombstones length visible runes starting at index and
// returns the operations to broadcast.
func (t *Text) LocalDelete(index, length int) ([]TextOp, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	visible := t.visibleIDs()
	if index < 0 || index >= len(visible) {
		return nil, fmt.Errorf("delete index %d out of bounds (len %d)", index, len(visible))
	}
	end := index + length
	if end > len(visible) {
		end = len(visible)
	}

	var ops []TextOp
	for i := index; i < end; i++ {
		op := TextOp{Type: TextOpDelete, Target: visible[i]}
		t.applyDelete(op)
		ops = append(ops, op)
	}
	return ops, nil
}

// Apply integrates a remote operation. Duplicate delivery is a no-op.
func (t *Text) Apply(op TextOp) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch op.Type {
	case TextOpInsert:
		return t.applyInsert(op)
	case TextOpDelete:
		t.applyDelete(op)
		return nil
	default:
		return fmt.Errorf("unknown text operation type: %s", op.Type)
	}
}

func (t *Text) applyInsert(op TextOp) error {
	if t.applied[op.ID] {
		return nil // idempotent
	}
	if !op.Origin.IsZero() {
		if _, ok := t.index[op.Origin]; !ok {
			return fmt.Errorf("insert origin %v unknown", op.Origin)
		}
	}

	pos := 0
	if !op.Origin.IsZero() {
		pos = t.index[op.Origin] + 1
	}

	// RGA integration: among elements anchored at the same origin, newer
	// ids come first. Skip whole sibling subtrees with greater ids.
	for pos < len(t.elements) {
		e := t.elements[pos]
		if e.origin == op.Origin {
			if op.ID.Less(e.id) {
				pos = t.skipSubtree(pos)
				continue
			}
			break
		}
		break
	}

	t.elements = append(t.elements, textElement{})
	copy(t.elements[pos+1:], t.elements[pos:])
	t.elements[pos] = textElement{
		id:      op.ID,
		origin:  op.Origin,
		r:       op.Rune,
		deleted: t.removed[op.ID],
	}
	t.reindexFrom(pos)
	t.applied[op.ID] = true
	if op.ID.Seq > t.maxSeq {
		t.maxSeq = op.ID.Seq
	}
	return nil
}

func (t *Text) applyDelete(op TextOp) {
	t.removed[op.Target] = true
	if pos, ok := t.index[op.Target]; ok {
		t.elements[pos].deleted = true
	}
	// If the insert has not arrived yet the tombstone in removed takes
	// effect when it does.
}

// skipSubtree returns the index just past the element at pos and all of
// its descendants (elements whose origin chain leads to it).
func (t *Text) skipSubtree(pos int) int {
	rootID := t.elements[pos].id
	j := pos + 1
	for j < len(t.elements) {
		if !t.descendsFrom(t.elements[j].origin, rootID) && t.elements[j].origin != rootID {
			break
		}
		j++
	}
	return j
}

func (t *Text) descendsFrom(origin, ancestor ElementID) bool {
	for !origin.IsZero() {
		if origin == ancestor {
			return true
		}
		pos, ok := t.index[origin]
		if !ok {
			return false
		}
		origin = t.elements[pos].origin
	}
	return false
}

func (t *Text) reindexFrom(pos int) {
	for i := pos; i < len(t.elements); i++ {
		t.index[t.elements[i].id] = i
	}
}

func (t *Text) visibleIDs() []ElementID {
	var out []ElementID
	for _, e := range t.elements {
		if !e.deleted {
			out = append(out, e.id)
		}
	}
	return out
}

// String returns the current visible content
func (t *Text) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	runes := make([]rune, 0, len(t.elements))
	for _, e := range t.elements {
		if !e.deleted {
			runes = append(runes, e.r)
		}
	}
	return string(runes)
}

// Len returns the number of visible runes
func (t *Text) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, e := range t.elements {
		if !e.deleted {
			n++
		}
	}
	return n
}

// Ops returns every insert operation this replica has integrated, in
// document order, with matching deletes for tombstoned elements. Applying
// the result to a fresh replica reproduces the exact state.
func (t *Text) Ops() []TextOp {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ops := make([]TextOp, 0, len(t.elements))
	for _, e := range t.elements {
		ops = append(ops, TextOp{Type: TextOpInsert, ID: e.id, Origin: e.origin, Rune: e.r})
	}
	for _, e := range t.elements {
		if e.deleted {
			ops = append(ops, TextOp{Type: TextOpDelete, Target: e.id})
		}
	}
	return ops
}

// Clone creates an independent deep copy of the text
func (t *Text) Clone() *Text {
	t.mu.RLock()
	defer t.mu.RUnlock()

	clone := NewText(t.nodeID)
	clone.elements = make([]textElement, len(t.elements))
	copy(clone.elements, t.elements)
	for id, pos := range t.index {
		clone.index[id] = pos
	}
	for id := range t.applied {
		clone.applied[id] = true
	}
	for id := range t.removed {
		clone.removed[id] = true
	}
	clone.maxSeq = t.maxSeq
	return clone
}

// Compact removes tombstoned elements. Surviving elements anchored on a
// removed tombstone are rewired to the tombstone's own origin so ordering
// is preserved. Callers must only compact once all session participants
// have acknowledged the deletes.
func (t *Text) Compact() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	rewire := make(map[ElementID]ElementID)
	kept := t.elements[:0]
	removed := 0
	for _, e := range t.elements {
		if !e.deleted {
			kept = append(kept, e)
			continue
		}
		origin := e.origin
		if mapped, ok := rewire[origin]; ok {
			origin = mapped
		}
		rewire[e.id] = origin
		removed++
	}

	t.elements = kept
	t.index = make(map[ElementID]int, len(kept))
	for i := range t.elements {
		if mapped, ok := rewire[t.elements[i].origin]; ok {
			t.elements[i].origin = mapped
		}
		t.index[t.elements[i].id] = i
	}
	return removed
}
