package transport

import "sync"

// ConnectionState is one node of the transport lifecycle state machine
type ConnectionState string

// Connection lifecycle states
const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateHandshaking  ConnectionState = "handshaking"
	StateSynced       ConnectionState = "synced"
	StateDegraded     ConnectionState = "degraded"
)

// StateTransition is one observed edge of the state machine
type StateTransition struct {
	From ConnectionState
	To   ConnectionState
}

// stateMachine tracks the connection lifecycle and publishes every
// transition to observers.
type stateMachine struct {
	mu        sync.RWMutex
	current   ConnectionState
	observers []chan StateTransition
}

func newStateMachine() *stateMachine {
	return &stateMachine{current: StateDisconnected}
}

func (m *stateMachine) Current() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Set moves the machine to the given state and notifies observers.
// Setting the current state again is a no-op.
func (m *stateMachine) Set(to ConnectionState) {
	m.mu.Lock()
	from := m.current
	if from == to {
		m.mu.Unlock()
		return
	}
	m.current = to
	observers := make([]chan StateTransition, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	transition := StateTransition{From: from, To: to}
	for _, ch := range observers {
		select {
		case ch <- transition:
		default:
			// A stalled observer never blocks the transport.
		}
	}
}

// Observe returns a channel that receives every subsequent transition
func (m *stateMachine) Observe() <-chan StateTransition {
	ch := make(chan StateTransition, 16)
	m.mu.Lock()
	m.observers = append(m.observers, ch)
	m.mu.Unlock()
	return ch
}
