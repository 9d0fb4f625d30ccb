package acceptor

import "sync/atomic"

// OpState is the lifecycle state of a Session.
type OpState uint32

const (
	ClosedState OpState = iota
	ClosingState
	OpeningState
	RunningState
)

// String returns the state name.
func (s OpState) String() string {
	switch s {
	case ClosedState:
		return "Closed"
	case ClosingState:
		return "Closing"
	case OpeningState:
		return "Opening"
	case RunningState:
		return "Running"
	default:
		return "Unknown"
	}
}

type atomicOpState struct {
	state atomic.Uint32
}

func (st *atomicOpState) String() string {
	return st.Get().String()
}

// Get returns the current state.
func (st *atomicOpState) Get() OpState {
	return OpState(st.state.Load())
}

// Set sets the state unconditionally.
func (st *atomicOpState) Set(state OpState) {
	st.state.Store(uint32(state))
}

func (st *atomicOpState) IsClosed() bool {
	return st.Get() == ClosedState
}

func (st *atomicOpState) IsRunning() bool {
	return st.Get() == RunningState
}

func (st *atomicOpState) ToOpening() bool {
	return st.state.CompareAndSwap(uint32(ClosedState), uint32(OpeningState))
}

func (st *atomicOpState) ToRunning() bool {
	return st.state.CompareAndSwap(uint32(OpeningState), uint32(RunningState))
}

// ToClosing only leaves RunningState; an Opening session is torn down by
// the goroutine that is opening it.
func (st *atomicOpState) ToClosing() bool {
	return st.state.CompareAndSwap(uint32(RunningState), uint32(ClosingState))
}

func (st *atomicOpState) ToClosed() bool {
	if st.IsClosed() {
		return true
	}

	return st.state.CompareAndSwap(uint32(ClosingState), uint32(ClosedState))
}
