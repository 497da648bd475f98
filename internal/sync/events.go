package sync

// State 同步流程的阶段
type State int

const (
	StateIdle State = iota
	StateWalking
	StateDiffing
	StatePropagating
	StateFinishing
	StateDone
	StateAborted
	StateFailed
)

var stateNames = [...]string{"idle", "walking", "diffing", "propagating", "finishing", "done", "aborted", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether the state ends a pass.
func (s State) Terminal() bool {
	return s == StateDone || s == StateAborted || s == StateFailed
}

// Event is delivered to the caller in pass order on the channel returned by
// StartSync. The last event of every pass is Finished.
type Event interface {
	isEvent()
}

// Started opens a pass.
type Started struct {
	PassID string
}

// StateChanged reports every state transition.
type StateChanged struct {
	From, To State
}

// ProgressUpdated carries an aggregated progress snapshot.
type ProgressUpdated struct {
	Info ProgressInfo
}

// ItemCompleted is emitted once per started item, in list order.
type ItemCompleted struct {
	Item    SyncItem
	Outcome Outcome
	Err     error
}

// Planned hands the caller the diff result once Diffing is over, before
// anything is propagated. Items is a copy in propagation order.
type Planned struct {
	Items   []SyncItem
	Ignored int
	Renames int
}

// MassDeletionPrompted is emitted when the confirmation callback was invoked.
type MassDeletionPrompted struct {
	Direction Direction
	Removals  int
	Confirmed bool
}

// Finished closes a pass; the event channel is closed right after it.
type Finished struct {
	Result *Result
}

func (Started) isEvent()              {}
func (StateChanged) isEvent()         {}
func (ProgressUpdated) isEvent()      {}
func (Planned) isEvent()              {}
func (ItemCompleted) isEvent()        {}
func (MassDeletionPrompted) isEvent() {}
func (Finished) isEvent()             {}
