package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State is the realtime session state shown to the user.
type State string

const (
	Disconnected State = "DISCONNECTED"
	AuthRequired State = "AUTH_REQUIRED"
	Connecting   State = "CONNECTING"
	Joined       State = "JOINED"
	Reconnecting State = "RECONNECTING"
	// Offline is entered once the reconnect budget is spent. Only an explicit
	// connect leaves it.
	Offline State = "OFFLINE"
)

var validTransitions = map[State][]State{
	Disconnected: {Connecting, AuthRequired},
	AuthRequired: {Connecting, Disconnected},
	Connecting:   {Joined, Reconnecting, Disconnected, AuthRequired},
	Joined:       {Reconnecting, Disconnected, AuthRequired},
	Reconnecting: {Connecting, Offline, Disconnected, AuthRequired},
	Offline:      {Connecting, Disconnected, AuthRequired},
}

// Machine tracks the session state and rejects transitions the table does
// not allow.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine returns a machine in Disconnected.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition moves to the given state. Moving to the current state is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == to {
		return nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	m.bus.Publish(bus.Event{
		Kind:      bus.KindStatusChanged,
		Timestamp: m.since,
		Payload:   StatusChange{From: from, To: to},
	})
	return nil
}

// StatusChange is the payload of session.status_changed.
type StatusChange struct {
	From State
	To   State
}
