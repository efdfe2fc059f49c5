package task

import "sync/atomic"

// State is the task loop's lifecycle state, spec §4.E.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

type stateBox struct {
	v atomic.Int32
}

func (b *stateBox) Load() State {
	return State(b.v.Load())
}

func (b *stateBox) Store(s State) {
	b.v.Store(int32(s))
}
