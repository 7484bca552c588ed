package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/relayfield/outreach/internal/bus"
)

// State represents the lifecycle of the reconciled dataset.
type State string

const (
	Empty   State = "EMPTY"
	Loading State = "LOADING"
	Ready   State = "READY"
	Error   State = "ERROR"
)

// validTransitions defines allowed state transitions. Refresh from READY goes
// back through LOADING; the engine keeps its stale snapshot across that hop.
// ERROR is reachable only from LOADING (and only, at the engine level, when
// no prior snapshot exists).
var validTransitions = map[State][]State{
	Empty:   {Loading},
	Loading: {Ready, Error},
	Ready:   {Loading},
	Error:   {Loading},
}

// Machine tracks and enforces dataset state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Empty.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Empty,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid; the state is left unchanged in that case.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind: bus.KindQueueStatusChanged,
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
