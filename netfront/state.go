package netfront

import "sync/atomic"

// State is the device lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateInitialising
	StateActive
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateInitialising:
		return "initialising"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	}
	return "unknown"
}

type atomicState struct{ v atomic.Int32 }

func (a *atomicState) Load() State   { return State(a.v.Load()) }
func (a *atomicState) Store(s State) { a.v.Store(int32(s)) }

func (a *atomicState) CompareAndSwap(old, new State) bool {
	return a.v.CompareAndSwap(int32(old), int32(new))
}
