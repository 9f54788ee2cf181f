package models

import (
	"encoding/json"
	"fmt"
)

// State is the synchronization state of an annotation. It is assigned by
// reconciliation only and never sent to the remote service.
type State int

const (
	StateSynchronized State = iota
	StateLocalOnly
	StateRemoteOnly
	StateUpdatedLocal
	StateUpdatedRemote
	// StateConflict is reserved for bidirectional edit detection and is
	// not produced by the current reconciler.
	StateConflict
)

var stateNames = [...]string{
	StateSynchronized:  "SYNCHRONIZED",
	StateLocalOnly:     "LOCAL_ONLY",
	StateRemoteOnly:    "REMOTE_ONLY",
	StateUpdatedLocal:  "UPDATED_LOCAL",
	StateUpdatedRemote: "UPDATED_REMOTE",
	StateConflict:      "CONFLICT",
}

// States lists every state in declaration order.
func States() []State {
	return []State{
		StateSynchronized,
		StateLocalOnly,
		StateRemoteOnly,
		StateUpdatedLocal,
		StateUpdatedRemote,
		StateConflict,
	}
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState converts a state name back into a State.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("models: unknown state %q", name)
}

// MarshalJSON encodes the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a state name.
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	v, err := ParseState(name)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// NeedsPush reports whether an annotation in this state must be pushed upstream.
func (s State) NeedsPush() bool {
	switch s {
	case StateUpdatedLocal:
		return true
	case StateSynchronized, StateLocalOnly, StateRemoteOnly, StateUpdatedRemote, StateConflict:
		return false
	}
	return false
}
