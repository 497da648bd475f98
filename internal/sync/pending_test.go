package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"bisync/internal/database"
)

func paths(updates []database.Update) []string {
	var out []string
	for _, u := range updates {
		out = append(out, u.Path)
	}
	return out
}

func TestPending_ReleasesAfterSubtree(t *testing.T) {
	var q PendingJournalUpdates
	q.Push("a", 3, database.Put(dirRec("a")))
	assert.Empty(t, q.popReady())

	assert.Empty(t, q.ItemFinished("a/x", true))

	q.Push("a/b", 1, database.Put(dirRec("a/b")))
	assert.Empty(t, q.ItemFinished("a/b", true))

	// 最后一个子项完成后, 子目录和父目录依次出栈
	assert.Equal(t, []string{"a/b", "a"}, paths(q.ItemFinished("a/b/y", true)))
	assert.Equal(t, 0, q.Len())
}

func TestPending_FailureTaintsAncestors(t *testing.T) {
	var q PendingJournalUpdates
	q.Push("a", 2, database.Put(dirRec("a")))
	q.Push("a/b", 1, database.Put(dirRec("a/b")))

	assert.Empty(t, q.ItemFinished("a/b/y", false))
	assert.Equal(t, 1, q.Len())
	assert.Empty(t, q.ItemFinished("a/c", true))
	assert.Equal(t, 0, q.Len())
}

func TestPending_UnrelatedItemsDoNotCount(t *testing.T) {
	var q PendingJournalUpdates
	q.Push("a", 1, database.Put(dirRec("a")))
	assert.Empty(t, q.ItemFinished("ab", true))
	assert.Empty(t, q.ItemFinished("a", true))
	assert.Equal(t, []string{"a"}, paths(q.ItemFinished("a/z", true)))
}

func TestPending_DrainDropsIncomplete(t *testing.T) {
	var q PendingJournalUpdates
	q.Push("a", 2, database.Put(dirRec("a")))
	q.Push("c", 0, database.Put(dirRec("c")))

	assert.Equal(t, []string{"c"}, paths(q.Drain()))
	assert.Equal(t, 0, q.Len())
}
