package propagator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bisync/internal/fs"
	"bisync/internal/fs/local"
	syncer "bisync/internal/sync"
)

func TestConflictName(t *testing.T) {
	tests := []struct {
		path, identity, want string
	}{
		{"a.txt", "0123456789abcdef", "a_conflict-01234567.txt"},
		{"docs/report.tar.gz", "abc", "docs/report.tar_conflict-abc.gz"},
		{"docs/.bashrc", "deadbeefcafe", "docs/.bashrc_conflict-deadbeef"},
		{"Makefile", "", "Makefile_conflict-remote"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, ConflictName(tt.path, tt.identity))
		})
	}
}

func TestNewLimiter(t *testing.T) {
	assert.Nil(t, newLimiter(0))
	assert.Nil(t, newLimiter(-1))
	assert.Equal(t, minBurst, newLimiter(100).Burst())
	assert.Equal(t, 64<<10, newLimiter(64<<10).Burst())
	assert.Equal(t, maxBurst, newLimiter(100<<20).Burst())
}

func TestThrottle_PassesDataThrough(t *testing.T) {
	src := strings.NewReader("payload")
	assert.Equal(t, io.Reader(src), throttle(context.Background(), src, nil))

	data := bytes.Repeat([]byte("x"), 3*maxBurst)
	r := throttle(context.Background(), bytes.NewReader(data), newLimiter(1<<30))
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestThrottle_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := throttle(ctx, strings.NewReader(strings.Repeat("x", 10000)), newLimiter(1))
	_, err := io.ReadAll(r)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProgressReader_ReportsEveryStepAndAtEOF(t *testing.T) {
	var reports []int64
	pr := &progressReader{
		r:      iotest.OneByteReader(strings.NewReader("0123456789")),
		step:   4,
		report: func(n int64) { reports = append(reports, n) },
	}
	got, err := io.ReadAll(pr)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(got))
	assert.Equal(t, []int64{4, 8, 10}, reports)
}

// newTree returns an adapter over a fresh temp dir seeded with files, and a
// billy view of the same dir for assertions.
func newTree(t *testing.T, files map[string]string) (*local.Adapter, billy.Filesystem) {
	t.Helper()
	dir := t.TempDir()
	bfs := osfs.New(dir)
	for p, content := range files {
		require.NoError(t, util.WriteFile(bfs, "/"+p, []byte(content), 0o644))
	}
	return local.NewAdapter(dir), bfs
}

func read(t *testing.T, bfs billy.Filesystem, p string) string {
	t.Helper()
	data, err := util.ReadFile(bfs, "/"+p)
	require.NoError(t, err)
	return string(data)
}

func exists(bfs billy.Filesystem, p string) bool {
	_, err := bfs.Lstat("/" + p)
	return err == nil
}

func stat(t *testing.T, a fs.FileSystem, p string) *fs.FileMeta {
	t.Helper()
	m, err := a.Stat(context.Background(), p)
	require.NoError(t, err)
	return m
}

func item(dir syncer.Direction, ins syncer.Instruction, src *fs.FileMeta) syncer.SyncItem {
	it := syncer.SyncItem{
		Path:        src.RelPath,
		Direction:   dir,
		Instruction: ins,
		Kind:        src.Kind,
		Identity:    src.Identity,
		Size:        src.Size,
		ModTime:     src.ModTime,
	}
	if dir == syncer.DirectionUp {
		it.Local = src
	} else {
		it.Remote = src
	}
	return it
}

func runAll(p *Propagator, items []syncer.SyncItem, limits syncer.Limits, abort *syncer.AbortController) []syncer.PropagationEvent {
	if abort == nil {
		abort = &syncer.AbortController{}
	}
	var out []syncer.PropagationEvent
	for ev := range p.Run(context.Background(), items, limits, abort) {
		out = append(out, ev)
	}
	return out
}

func doneByIndex(events []syncer.PropagationEvent) map[int]syncer.ItemDone {
	out := map[int]syncer.ItemDone{}
	for _, ev := range events {
		if d, ok := ev.(syncer.ItemDone); ok {
			out[d.Index] = d
		}
	}
	return out
}

func TestRun_UploadsFolderThenFilesAndKeepsGoingAfterFailure(t *testing.T) {
	loc, _ := newTree(t, map[string]string{"d/a.txt": "hello"})
	rem, remFS := newTree(t, nil)
	p := New(Options{Local: loc, Remote: rem})

	dirItem := item(syncer.DirectionUp, syncer.InstructionNew, stat(t, loc, "d"))
	fileItem := item(syncer.DirectionUp, syncer.InstructionNew, stat(t, loc, "d/a.txt"))
	missing := syncer.SyncItem{Path: "gone.txt", Kind: fs.KindFile, Direction: syncer.DirectionUp, Instruction: syncer.InstructionNew}

	done := doneByIndex(runAll(p, []syncer.SyncItem{dirItem, fileItem, missing}, syncer.Limits{Concurrency: 2}, nil))
	require.Len(t, done, 3)

	assert.Equal(t, syncer.OutcomeSuccess, done[0].Outcome)
	assert.Equal(t, syncer.OutcomeSuccess, done[1].Outcome)
	assert.Equal(t, syncer.OutcomeError, done[2].Outcome)

	assert.Equal(t, "hello", read(t, remFS, "d/a.txt"))
	require.NotNil(t, done[1].Remote)
	require.NotNil(t, done[1].Local)
	assert.Equal(t, fileItem.Identity, done[1].Local.Identity)
	assert.Equal(t, stat(t, rem, "d/a.txt").Identity, done[1].Remote.Identity)
}

func TestRun_ReportsProgress(t *testing.T) {
	loc, _ := newTree(t, map[string]string{"big": strings.Repeat("x", 10)})
	rem, _ := newTree(t, nil)
	p := New(Options{Local: loc, Remote: rem, ProgressStep: 4})

	events := runAll(p, []syncer.SyncItem{item(syncer.DirectionUp, syncer.InstructionNew, stat(t, loc, "big"))}, syncer.Limits{}, nil)
	var last int64
	for _, ev := range events {
		if pr, ok := ev.(syncer.ItemProgress); ok {
			assert.Equal(t, int64(10), pr.Total)
			assert.Greater(t, pr.Bytes, last)
			last = pr.Bytes
		}
	}
	assert.Equal(t, int64(10), last)
}

func TestRun_FileChangedAfterWalk(t *testing.T) {
	loc, _ := newTree(t, map[string]string{"a": "new content"})
	rem, _ := newTree(t, nil)
	p := New(Options{Local: loc, Remote: rem})

	it := item(syncer.DirectionUp, syncer.InstructionNew, stat(t, loc, "a"))
	it.Identity = "seen-before-edit"

	done := doneByIndex(runAll(p, []syncer.SyncItem{it}, syncer.Limits{}, nil))
	assert.Equal(t, syncer.OutcomeError, done[0].Outcome)
	assert.ErrorIs(t, done[0].Err, ErrFileChanged)
}

func TestRun_DownloadRefusesToClobberLocalEdit(t *testing.T) {
	loc, locFS := newTree(t, map[string]string{"a": "local edit"})
	rem, _ := newTree(t, map[string]string{"a": "remote"})
	p := New(Options{Local: loc, Remote: rem})

	it := item(syncer.DirectionDown, syncer.InstructionUpdated, stat(t, rem, "a"))
	it.Local = &fs.FileMeta{RelPath: "a", Kind: fs.KindFile, Identity: "what-the-walk-saw"}

	done := doneByIndex(runAll(p, []syncer.SyncItem{it}, syncer.Limits{}, nil))
	assert.ErrorIs(t, done[0].Err, ErrFileChanged)
	assert.Equal(t, "local edit", read(t, locFS, "a"))
}

func TestRun_RemoveAndRename(t *testing.T) {
	loc, _ := newTree(t, nil)
	rem, remFS := newTree(t, map[string]string{"old.txt": "x", "docs/a": "a"})
	p := New(Options{Local: loc, Remote: rem})

	removed := syncer.SyncItem{Path: "old.txt", Kind: fs.KindFile, Direction: syncer.DirectionUp, Instruction: syncer.InstructionRemoved}
	renamed := syncer.SyncItem{Path: "docs", RenameTarget: "documents", Kind: fs.KindDirectory, Direction: syncer.DirectionUp, Instruction: syncer.InstructionRenamed}

	done := doneByIndex(runAll(p, []syncer.SyncItem{renamed, removed}, syncer.Limits{}, nil))
	assert.Equal(t, syncer.OutcomeSuccess, done[0].Outcome)
	assert.Equal(t, syncer.OutcomeSuccess, done[1].Outcome)
	assert.False(t, exists(remFS, "old.txt"))
	assert.False(t, exists(remFS, "docs"))
	assert.Equal(t, "a", read(t, remFS, "documents/a"))
}

func TestRun_RemovedFolderWithEntriesIsKept(t *testing.T) {
	loc, locFS := newTree(t, map[string]string{"proj/new.txt": "created after the walk"})
	rem, _ := newTree(t, nil)
	p := New(Options{Local: loc, Remote: rem})

	it := syncer.SyncItem{Path: "proj", Kind: fs.KindDirectory, Direction: syncer.DirectionDown, Instruction: syncer.InstructionRemoved}
	done := doneByIndex(runAll(p, []syncer.SyncItem{it}, syncer.Limits{}, nil))
	require.Len(t, done, 1)
	assert.Equal(t, syncer.OutcomeSuccess, done[0].Outcome)
	assert.Equal(t, "created after the walk", read(t, locFS, "proj/new.txt"))
}

func TestRun_ConflictKeepsBothVersions(t *testing.T) {
	loc, locFS := newTree(t, map[string]string{"n.txt": "mine"})
	rem, remFS := newTree(t, map[string]string{"n.txt": "theirs"})
	p := New(Options{Local: loc, Remote: rem})

	it := item(syncer.DirectionDown, syncer.InstructionConflict, stat(t, rem, "n.txt"))
	it.Local = stat(t, loc, "n.txt")

	done := doneByIndex(runAll(p, []syncer.SyncItem{it}, syncer.Limits{}, nil))
	require.Equal(t, syncer.OutcomeSuccess, done[0].Outcome)

	copyName := ConflictName("n.txt", it.Remote.Identity)
	assert.Equal(t, "mine", read(t, locFS, "n.txt"))
	assert.Equal(t, "theirs", read(t, locFS, copyName))
	assert.Equal(t, "theirs", read(t, remFS, "n.txt"))

	// 同一远端版本再次冲突时不重复下载
	done = doneByIndex(runAll(p, []syncer.SyncItem{it}, syncer.Limits{}, nil))
	assert.Equal(t, syncer.OutcomeSuccess, done[0].Outcome)
}

func TestParseConflictStrategy(t *testing.T) {
	for _, want := range []ConflictStrategy{ConflictKeepBoth, ConflictRenameLocal, ConflictRenameRemote} {
		got, err := ParseConflictStrategy(want.String())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	got, err := ParseConflictStrategy("")
	require.NoError(t, err)
	assert.Equal(t, ConflictKeepBoth, got)

	_, err = ParseConflictStrategy("keep_latest")
	assert.Error(t, err)
}

func TestRun_ConflictRenameLocal(t *testing.T) {
	loc, locFS := newTree(t, map[string]string{"n.txt": "mine"})
	rem, remFS := newTree(t, map[string]string{"n.txt": "theirs"})
	p := New(Options{Local: loc, Remote: rem, Conflict: ConflictRenameLocal})

	it := item(syncer.DirectionDown, syncer.InstructionConflict, stat(t, rem, "n.txt"))
	it.Local = stat(t, loc, "n.txt")

	done := doneByIndex(runAll(p, []syncer.SyncItem{it}, syncer.Limits{}, nil))
	require.Equal(t, syncer.OutcomeSuccess, done[0].Outcome, done[0].Err)
	assert.Equal(t, "theirs", read(t, locFS, "n.txt"))
	assert.Equal(t, "mine", read(t, locFS, "n.txt.local"))
	assert.Equal(t, "theirs", read(t, remFS, "n.txt"))
	require.NotNil(t, done[0].Local)
	require.NotNil(t, done[0].Remote)
	assert.Equal(t, stat(t, loc, "n.txt").Identity, done[0].Local.Identity)
}

func TestRun_ConflictRenameRemote(t *testing.T) {
	loc, locFS := newTree(t, map[string]string{"n.txt": "mine"})
	rem, remFS := newTree(t, map[string]string{"n.txt": "theirs"})
	p := New(Options{Local: loc, Remote: rem, Conflict: ConflictRenameRemote})

	it := item(syncer.DirectionDown, syncer.InstructionConflict, stat(t, rem, "n.txt"))
	it.Local = stat(t, loc, "n.txt")

	done := doneByIndex(runAll(p, []syncer.SyncItem{it}, syncer.Limits{}, nil))
	require.Equal(t, syncer.OutcomeSuccess, done[0].Outcome, done[0].Err)
	assert.Equal(t, "mine", read(t, remFS, "n.txt"))
	assert.Equal(t, "theirs", read(t, remFS, "n.txt.remote"))
	assert.Equal(t, "mine", read(t, locFS, "n.txt"))
	require.NotNil(t, done[0].Remote)
	assert.Equal(t, stat(t, rem, "n.txt").Identity, done[0].Remote.Identity)
}

func TestRun_ConflictRenameRefusesTakenName(t *testing.T) {
	loc, locFS := newTree(t, map[string]string{"n.txt": "mine", "n.txt.local": "older copy"})
	rem, _ := newTree(t, map[string]string{"n.txt": "theirs"})
	p := New(Options{Local: loc, Remote: rem, Conflict: ConflictRenameLocal})

	it := item(syncer.DirectionDown, syncer.InstructionConflict, stat(t, rem, "n.txt"))
	it.Local = stat(t, loc, "n.txt")

	done := doneByIndex(runAll(p, []syncer.SyncItem{it}, syncer.Limits{}, nil))
	assert.ErrorIs(t, done[0].Err, ErrCopyExists)
	assert.Equal(t, "mine", read(t, locFS, "n.txt"))
	assert.Equal(t, "older copy", read(t, locFS, "n.txt.local"))
}

func TestRun_ConflictBetweenFileAndFolder(t *testing.T) {
	loc, _ := newTree(t, map[string]string{"x/inner": "1"})
	rem, _ := newTree(t, map[string]string{"x": "file"})
	p := New(Options{Local: loc, Remote: rem})

	it := item(syncer.DirectionDown, syncer.InstructionConflict, stat(t, rem, "x"))
	it.Local = stat(t, loc, "x")

	done := doneByIndex(runAll(p, []syncer.SyncItem{it}, syncer.Limits{}, nil))
	assert.ErrorIs(t, done[0].Err, ErrTypeConflict)
}

func TestRun_NothingStartsAfterAbort(t *testing.T) {
	loc, _ := newTree(t, map[string]string{"a": "1"})
	rem, remFS := newTree(t, nil)
	p := New(Options{Local: loc, Remote: rem})

	abort := &syncer.AbortController{}
	abort.Request()
	events := runAll(p, []syncer.SyncItem{item(syncer.DirectionUp, syncer.InstructionNew, stat(t, loc, "a"))}, syncer.Limits{}, abort)
	assert.Empty(t, events)
	assert.False(t, exists(remFS, "a"))
}

// quotaFS fails every write with a fatal error.
type quotaFS struct {
	*local.Adapter
	writes int
}

func (q *quotaFS) WriteStream(context.Context, string, io.Reader, int64, time.Time) (*fs.FileMeta, error) {
	q.writes++
	return nil, fmt.Errorf("quota exceeded: %w", syncer.ErrPropagationFatal)
}

func TestRun_FatalErrorStopsDispatch(t *testing.T) {
	loc, _ := newTree(t, map[string]string{"a": "1", "b": "2"})
	base, _ := newTree(t, nil)
	rem := &quotaFS{Adapter: base}
	p := New(Options{Local: loc, Remote: rem})

	items := []syncer.SyncItem{
		item(syncer.DirectionUp, syncer.InstructionNew, stat(t, loc, "a")),
		item(syncer.DirectionUp, syncer.InstructionNew, stat(t, loc, "b")),
	}
	events := runAll(p, items, syncer.Limits{Concurrency: 1}, nil)

	var failed []syncer.PropagationFailed
	for _, ev := range events {
		if f, ok := ev.(syncer.PropagationFailed); ok {
			failed = append(failed, f)
		}
	}
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0].Err, syncer.ErrPropagationFatal)
	assert.Len(t, doneByIndex(events), 1)
	assert.Equal(t, 1, rem.writes)
}
