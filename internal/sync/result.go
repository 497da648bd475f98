package sync

import (
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Result 一次同步的最终结果
type Result struct {
	PassID string
	Status State // Done, Aborted or Failed

	// Stage is the state the pass was in when it stopped.
	Stage State

	// Reason is set for Aborted and Failed passes.
	Reason error

	// ItemErrors holds one *Error per item that failed during propagation.
	ItemErrors []error

	Planned    int // items handed to propagation
	Started    int // items that reported completion
	Succeeded  int
	Ignored    int
	Adopted    int
	Purged     int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration of the pass.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// NotStarted counts planned items that were never handed out.
func (r *Result) NotStarted() int {
	return r.Planned - r.Started
}

// Summary is a one-line, human readable verdict.
func (r *Result) Summary() string {
	switch r.Status {
	case StateDone:
		switch n := len(r.ItemErrors); n {
		case 0:
			return "fully converged"
		case 1:
			return "converged with 1 item error"
		default:
			return fmt.Sprintf("converged with %d item errors", n)
		}
	case StateAborted:
		return "aborted"
	case StateFailed:
		if r.Stage == StatePropagating || r.Stage == StateFinishing {
			return "failed during propagation"
		}
		return "failed before propagation began"
	default:
		return r.Status.String()
	}
}

// Err combines the pass-level reason with every item error. It is nil for a
// fully converged pass.
func (r *Result) Err() error {
	return multierr.Append(r.Reason, multierr.Combine(r.ItemErrors...))
}
