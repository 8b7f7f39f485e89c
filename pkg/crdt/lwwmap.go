package crdt

import (
	"sync"
)

// MapOp is one replicated map write. Ties between concurrent writes with
// the same logical timestamp break by node id, lexicographically.
type MapOp struct {
	Key       string      `json:"key"`
	Value     interface{} `json:"value"`
	Timestamp uint64      `json:"timestamp"`
	Node      NodeID      `json:"node"`
}

type mapEntry struct {
	value     interface{}
	timestamp uint64
	node      NodeID
}

// LWWMap is a last-writer-wins map CRDT keyed by field name
type LWWMap struct {
	mu      sync.RWMutex
	nodeID  NodeID
	entries map[string]mapEntry
	clock   uint64 // lamport timestamp
}

// NewLWWMap creates a new LWW map owned by the given replica
func NewLWWMap(nodeID NodeID) *LWWMap {
	return &LWWMap{
		nodeID:  nodeID,
		entries: make(map[string]mapEntry),
	}
}

// Set writes a value locally and returns the operation to broadcast
func (m *LWWMap) Set(key string, value interface{}) MapOp {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clock++
	op := MapOp{Key: key, Value: value, Timestamp: m.clock, Node: m.nodeID}
	m.apply(op)
	return op
}

// Apply integrates a remote write. Older writes lose; duplicate delivery
// is a no-op.
func (m *LWWMap) Apply(op MapOp) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if op.Timestamp > m.clock {
		m.clock = op.Timestamp
	}
	m.apply(op)
}

func (m *LWWMap) apply(op MapOp) {
	current, exists := m.entries[op.Key]
	if exists {
		if op.Timestamp < current.timestamp {
			return
		}
		if op.Timestamp == current.timestamp && op.Node <= current.node {
			return
		}
	}
	m.entries[op.Key] = mapEntry{value: op.Value, timestamp: op.Timestamp, node: op.Node}
}

// Get returns the current value for key
func (m *LWWMap) Get(key string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Snapshot returns the materialized map
func (m *LWWMap) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]interface{}, len(m.entries))
	for k, e := range m.entries {
		out[k] = e.value
	}
	return out
}

// Ops returns the writes that reproduce the current state on a fresh
// replica.
func (m *LWWMap) Ops() []MapOp {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ops []MapOp
	for k, e := range m.entries {
		ops = append(ops, MapOp{Key: k, Value: e.value, Timestamp: e.timestamp, Node: e.node})
	}
	return ops
}
