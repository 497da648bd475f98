package sync

import (
	"context"

	"bisync/internal/database"
	"bisync/internal/fs"
)

// TreeWalker enumerates one side of the sync pair. fs.FileSystem satisfies it.
type TreeWalker interface {
	Root() string
	Walk(ctx context.Context, poll fs.AbortPoll, visit func(*fs.FileMeta) error) error
}

// Journal is the persistent record of the last-synced state of each path.
// Apply must commit the whole batch or none of it. database.Store satisfies it.
type Journal interface {
	Get(relPath string) (*database.FileState, error)
	Apply(batch []database.Update) error
	ListAll() (map[string]*database.FileState, error)
}

// Limits 带宽与并发限制, 0 表示不限制
type Limits struct {
	Download    int64 // bytes per second
	Upload      int64 // bytes per second
	Concurrency int
}

// Propagator executes a planned item list. Run must close the returned
// channel once every started item has reported ItemDone, or after sending
// PropagationFailed. Items are dispatched in slice order; once abort is
// requested no further item may be started. Indexes in events refer to the
// items slice passed to Run.
type Propagator interface {
	Run(ctx context.Context, items []SyncItem, limits Limits, abort *AbortController) <-chan PropagationEvent
}

// PropagationEvent is one of ItemProgress, ItemDone or PropagationFailed.
type PropagationEvent interface {
	propagationEvent()
}

// ItemProgress reports the cumulative bytes moved for one item.
type ItemProgress struct {
	Index int
	Bytes int64
	Total int64
}

// Outcome 单个同步项的结果
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeError
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeError:
		return "error"
	case OutcomeAborted:
		return "aborted"
	default:
		return "success"
	}
}

// ItemDone reports that an item finished. On success Local and Remote hold
// the state of the path on each side after propagation (nil when the path
// no longer exists there).
type ItemDone struct {
	Index   int
	Outcome Outcome
	Err     error
	Local   *fs.FileMeta
	Remote  *fs.FileMeta
}

// PropagationFailed reports a failure that stops the whole propagation stage.
type PropagationFailed struct {
	Err error
}

func (ItemProgress) propagationEvent()      {}
func (ItemDone) propagationEvent()          {}
func (PropagationFailed) propagationEvent() {}
