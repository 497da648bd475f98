package sync

import "sync/atomic"

// AbortState 中止请求的三个阶段
type AbortState int32

const (
	AbortNotRequested AbortState = iota
	AbortRequested
	AbortHonored
)

func (s AbortState) String() string {
	switch s {
	case AbortRequested:
		return "requested"
	case AbortHonored:
		return "honored"
	default:
		return "not_requested"
	}
}

// AbortController is the cooperative cancellation flag shared by the walkers,
// the propagator and the orchestrator. It may be flipped from any goroutine.
type AbortController struct {
	state atomic.Int32
}

// Request asks the running pass to stop. Repeated calls are no-ops.
func (a *AbortController) Request() {
	a.state.CompareAndSwap(int32(AbortNotRequested), int32(AbortRequested))
}

// Requested reports whether stopping was asked for (honored or not).
func (a *AbortController) Requested() bool {
	return a.State() != AbortNotRequested
}

// Honor marks a pending request as acted upon. It reports whether a request
// was pending.
func (a *AbortController) Honor() bool {
	return a.state.CompareAndSwap(int32(AbortRequested), int32(AbortHonored))
}

// State 当前状态
func (a *AbortController) State() AbortState {
	return AbortState(a.state.Load())
}

// Reset clears the flag at the start of a pass.
func (a *AbortController) Reset() {
	a.state.Store(int32(AbortNotRequested))
}
