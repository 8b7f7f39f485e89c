package crdt

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// SetOpType distinguishes set operations
type SetOpType string

const (
	SetOpAdd    SetOpType = "add"
	SetOpRemove SetOpType = "remove"
)

// SetOp is one replicated set operation. An add carries a unique tag; a
// remove carries only the tags its author had observed, so a concurrent
// add of the same element survives (add-wins).
type SetOp struct {
	Type    SetOpType   `json:"type"`
	Element string      `json:"element"`
	Tag     uuid.UUID   `json:"tag,omitempty"`
	Tags    []uuid.UUID `json:"tags,omitempty"`
}

// ORSet is an add-wins Observed-Remove Set CRDT over strings
type ORSet struct {
	mu       sync.RWMutex
	elements map[string]map[uuid.UUID]bool // element -> live tags
	removed  map[uuid.UUID]bool            // tags masked by a remove
}

// NewORSet creates a new OR-Set
func NewORSet() *ORSet {
	return &ORSet{
		elements: make(map[string]map[uuid.UUID]bool),
		removed:  make(map[uuid.UUID]bool),
	}
}

// Add adds an element and returns the operation to broadcast
func (s *ORSet) Add(element string) SetOp {
	s.mu.Lock()
	defer s.mu.Unlock()

	op := SetOp{Type: SetOpAdd, Element: element, Tag: uuid.New()}
	s.applyAdd(op)
	return op
}

// Remove removes an element, covering only the tags observed locally, and
// returns the operation to broadcast. Removing an absent element yields an
// operation with no tags, which is a no-op everywhere.
func (s *ORSet) Remove(element string) SetOp {
	s.mu.Lock()
	defer s.mu.Unlock()

	op := SetOp{Type: SetOpRemove, Element: element}
	for tag := range s.elements[element] {
		op.Tags = append(op.Tags, tag)
	}
	s.applyRemove(op)
	return op
}

// Apply integrates a remote operation. Duplicate delivery is a no-op.
func (s *ORSet) Apply(op SetOp) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch op.Type {
	case SetOpAdd:
		s.applyAdd(op)
	case SetOpRemove:
		s.applyRemove(op)
	}
}

func (s *ORSet) applyAdd(op SetOp) {
	if s.removed[op.Tag] {
		return // remove already observed this tag
	}
	if s.elements[op.Element] == nil {
		s.elements[op.Element] = make(map[uuid.UUID]bool)
	}
	s.elements[op.Element][op.Tag] = true
}

func (s *ORSet) applyRemove(op SetOp) {
	for _, tag := range op.Tags {
		s.removed[tag] = true
		if tags := s.elements[op.Element]; tags != nil {
			delete(tags, tag)
		}
	}
}

// Contains checks if an element is in the set
func (s *ORSet) Contains(element string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.elements[element]) > 0
}

// Elements returns all elements in the set, sorted
func (s *ORSet) Elements() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []string
	for element, tags := range s.elements {
		if len(tags) > 0 {
			result = append(result, element)
		}
	}
	sort.Strings(result)
	return result
}

// Size returns the number of elements in the set
func (s *ORSet) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, tags := range s.elements {
		if len(tags) > 0 {
			count++
		}
	}
	return count
}

// Ops returns the operations that reproduce the current state on a fresh
// replica.
func (s *ORSet) Ops() []SetOp {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ops []SetOp
	for element, tags := range s.elements {
		for tag := range tags {
			ops = append(ops, SetOp{Type: SetOpAdd, Element: element, Tag: tag})
		}
	}
	return ops
}
