package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned by StartSync while another pass holds the lock.
	ErrBusy = errors.New("sync pass already running")

	// ErrPortsUnset is returned when a walker, journal or propagator is missing.
	ErrPortsUnset = errors.New("sync ports not configured")

	// ErrMassDeletionDeclined ends a pass whose removals were not confirmed.
	ErrMassDeletionDeclined = errors.New("mass deletion not confirmed")

	// ErrPropagationFatal may be wrapped by a filesystem or propagator to
	// signal that no further item can succeed in this pass.
	ErrPropagationFatal = errors.New("propagation cannot continue")
)

// ErrorKind classifies failures surfaced by a pass.
type ErrorKind int

const (
	WalkFailure ErrorKind = iota + 1
	JournalFailure
	PropagationItemFailure
	PropagationFatal
	AbortedByCaller
)

func (k ErrorKind) String() string {
	switch k {
	case WalkFailure:
		return "walk failure"
	case JournalFailure:
		return "journal failure"
	case PropagationItemFailure:
		return "item failure"
	case PropagationFatal:
		return "propagation failure"
	case AbortedByCaller:
		return "aborted"
	default:
		return "unknown"
	}
}

// Error carries the failure kind and, where it applies, the side or item path.
type Error struct {
	Kind ErrorKind
	Path string // item path, or "local"/"remote" for walk failures
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Path != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Path)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so callers can write
// errors.Is(err, &Error{Kind: JournalFailure}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Path == "" || t.Path == e.Path)
}

func newError(kind ErrorKind, path string, err error) *Error {
	return &Error{Kind: kind, Path: path, Err: err}
}
