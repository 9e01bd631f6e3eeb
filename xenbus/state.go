package xenbus

import "fmt"

// State is a device's xenbus state, published under <dir>/state.
type State int

const (
	StateUnknown State = iota
	StateInitialising
	StateInitWait
	StateInitialised
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "Unknown"
	case StateInitialising:
		return "Initialising"
	case StateInitWait:
		return "InitWait"
	case StateInitialised:
		return "Initialised"
	case StateConnected:
		return "Connected"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ReadState returns the state published in dir. A missing key reads as
// StateUnknown.
func (s *Store) ReadState(dir string) State {
	n, err := s.ReadInt(Join(dir, "state"))
	if err != nil {
		return StateUnknown
	}
	return State(n)
}

func (s *Store) WriteState(dir string, st State) error {
	return s.WriteInt(Join(dir, "state"), int64(st))
}
