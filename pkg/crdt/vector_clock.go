// Package crdt implements the conflict-free replicated data types backing
// collaborative memory records: an RGA sequence for text fields, an
// observed-remove set for tags, and a last-writer-wins map for metadata.
// Operations from any replica commute, dedup by unique operation id, and
// converge regardless of delivery order.
package crdt

// NodeID identifies a replica (one client in a collaborative session)
type NodeID string

// VectorClock tracks the highest operation sequence seen from each replica
type VectorClock map[NodeID]uint64

// NewVectorClock creates an empty vector clock
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Increment advances the clock entry for the given node
func (vc VectorClock) Increment(nodeID NodeID) uint64 {
	vc[nodeID]++
	return vc[nodeID]
}

// Update takes the element-wise maximum with another clock.
// Entries are monotonically non-decreasing per origin.
func (vc VectorClock) Update(other VectorClock) {
	for nodeID, value := range other {
		if value > vc[nodeID] {
			vc[nodeID] = value
		}
	}
}

// HappensBefore reports whether vc causally precedes other
func (vc VectorClock) HappensBefore(other VectorClock) bool {
	atLeastOneLess := false
	for nodeID, value := range vc {
		if value > other[nodeID] {
			return false
		}
		if value < other[nodeID] {
			atLeastOneLess = true
		}
	}
	if !atLeastOneLess {
		for nodeID := range other {
			if other[nodeID] > vc[nodeID] {
				atLeastOneLess = true
				break
			}
		}
	}
	return atLeastOneLess
}

// Concurrent reports whether neither clock precedes the other
func (vc VectorClock) Concurrent(other VectorClock) bool {
	return !vc.HappensBefore(other) && !other.HappensBefore(vc) && !vc.Equal(other)
}

// Equal reports whether both clocks carry identical entries
func (vc VectorClock) Equal(other VectorClock) bool {
	for nodeID, value := range vc {
		if other[nodeID] != value {
			return false
		}
	}
	for nodeID, value := range other {
		if vc[nodeID] != value {
			return false
		}
	}
	return true
}

// Dominates reports whether vc has seen everything other has
func (vc VectorClock) Dominates(other VectorClock) bool {
	for nodeID, value := range other {
		if vc[nodeID] < value {
			return false
		}
	}
	return true
}

// Clone creates a deep copy of the clock
func (vc VectorClock) Clone() VectorClock {
	clone := make(VectorClock, len(vc))
	for nodeID, value := range vc {
		clone[nodeID] = value
	}
	return clone
}
