package plugin

import "fmt"

// State is a descriptor's lifecycle state.
type State int

const (
	// StateDiscovered is the initial state of every registered manifest.
	StateDiscovered State = iota
	// StateLoaded means an implementation exists but connect/init has not succeeded yet.
	StateLoaded
	// StateConnected means the handle is live and idle.
	StateConnected
	// StateActive means at least one call or stream is in flight.
	StateActive
	// StateClosed is terminal. Re-register to use the plugin again.
	StateClosed
	// StateFailed is terminal. The plugin reported it cannot continue.
	StateFailed
)

var stateNames = map[State]string{
	StateDiscovered: "discovered",
	StateLoaded:     "loaded",
	StateConnected:  "connected",
	StateActive:     "active",
	StateClosed:     "closed",
	StateFailed:     "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseState maps a state name back to its value.
func ParseState(name string) (State, bool) {
	for state, n := range stateNames {
		if n == name {
			return state, true
		}
	}
	return 0, false
}

// Live reports whether a descriptor in this state owns a handle.
func (s State) Live() bool {
	return s == StateConnected || s == StateActive
}

// Terminal reports whether the state is a lifecycle end.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

var transitions = map[State][]State{
	StateDiscovered: {StateLoaded},
	// Loaded falls back to Discovered when connect or init fails.
	StateLoaded:    {StateConnected, StateDiscovered, StateFailed},
	StateConnected: {StateActive, StateClosed, StateFailed},
	StateActive:    {StateConnected, StateClosed, StateFailed},
}

// CanTransition reports whether the lifecycle allows moving from s to next.
// Re-registration resets a non-live descriptor to Discovered outside this table.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	state, ok := ParseState(string(text))
	if !ok {
		return fmt.Errorf("unknown plugin state %q", string(text))
	}
	*s = state
	return nil
}
