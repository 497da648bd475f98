package sync

import "bisync/internal/database"

type pendingDir struct {
	path      string
	updates   []database.Update
	remaining int
	tainted   bool
}

// PendingJournalUpdates holds directory records whose subtree is still being
// propagated. A record is released once every descendant item has finished,
// and committed only if none of them failed. Entries form a stack: a child
// directory always sits above its parent.
type PendingJournalUpdates struct {
	stack []*pendingDir
}

// Push registers a directory whose descendants number remaining items.
func (q *PendingJournalUpdates) Push(dir string, remaining int, updates ...database.Update) {
	q.stack = append(q.stack, &pendingDir{path: dir, updates: updates, remaining: remaining})
}

// Len returns the number of directories still waiting.
func (q *PendingJournalUpdates) Len() int {
	return len(q.stack)
}

// ItemFinished accounts for a finished descendant of the waiting
// directories and returns the updates that became ready to commit.
func (q *PendingJournalUpdates) ItemFinished(p string, ok bool) []database.Update {
	for _, d := range q.stack {
		if isBelow(p, d.path) {
			d.remaining--
			if !ok {
				d.tainted = true
			}
		}
	}
	return q.popReady()
}

func (q *PendingJournalUpdates) popReady() []database.Update {
	var out []database.Update
	for len(q.stack) > 0 {
		top := q.stack[len(q.stack)-1]
		if top.remaining > 0 {
			break
		}
		q.stack = q.stack[:len(q.stack)-1]
		if !top.tainted {
			out = append(out, top.updates...)
		}
	}
	return out
}

// Drain empties the stack at the end of a pass. Directories whose subtree
// completed cleanly are returned; the rest are dropped so the next pass
// sees them again.
func (q *PendingJournalUpdates) Drain() []database.Update {
	var out []database.Update
	for i := len(q.stack) - 1; i >= 0; i-- {
		d := q.stack[i]
		if d.remaining <= 0 && !d.tainted {
			out = append(out, d.updates...)
		}
	}
	q.stack = nil
	return out
}
