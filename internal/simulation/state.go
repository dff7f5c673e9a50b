package simulation

import (
	"fmt"
	"strings"
)

// State is the simulation clock state.
type State int32

const (
	Stopped State = iota
	Running
	Paused
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Running:
		return "RUNNING"
	case Paused:
		return "PAUSED"
	case Stopping:
		return "STOPPING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseState(s string) (State, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "STOPPED":
		return Stopped, nil
	case "RUNNING":
		return Running, nil
	case "PAUSED":
		return Paused, nil
	case "STOPPING":
		return Stopping, nil
	}
	return Stopped, fmt.Errorf("simulation: unknown state %q", s)
}
