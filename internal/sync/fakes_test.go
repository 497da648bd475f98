package sync

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"bisync/internal/database"
	"bisync/internal/fs"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func file(p, id string, size int64) *fs.FileMeta {
	return &fs.FileMeta{RelPath: p, Kind: fs.KindFile, Identity: id, Size: size, ModTime: t0}
}

func dir(p string) *fs.FileMeta {
	return &fs.FileMeta{RelPath: p, Kind: fs.KindDirectory, ModTime: t0}
}

func snap(entries ...*fs.FileMeta) *Snapshot {
	s := NewSnapshot()
	for _, e := range entries {
		s.Add(e)
	}
	return s
}

func rec(p, localHash, remoteHash string, size int64) *database.FileState {
	return &database.FileState{RelPath: p, Kind: fs.KindFile, LocalHash: localHash, RemoteHash: remoteHash, FileSize: size, ModTime: t0.UnixNano()}
}

func dirRec(p string) *database.FileState {
	return &database.FileState{RelPath: p, Kind: fs.KindDirectory}
}

func journalOf(recs ...*database.FileState) map[string]*database.FileState {
	m := map[string]*database.FileState{}
	for _, r := range recs {
		m[r.RelPath] = r
	}
	return m
}

// memJournal is an in-memory Journal.
type memJournal struct {
	mu       gosync.Mutex
	recs     map[string]*database.FileState
	applyErr error
	listErr  error
	batches  [][]database.Update
}

func newMemJournal(recs ...*database.FileState) *memJournal {
	return &memJournal{recs: journalOf(recs...)}
}

func (j *memJournal) Get(p string) (*database.FileState, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if r, ok := j.recs[p]; ok {
		c := *r
		return &c, nil
	}
	return nil, nil
}

func (j *memJournal) Apply(batch []database.Update) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.applyErr != nil {
		return j.applyErr
	}
	for _, u := range batch {
		if u.State == nil {
			delete(j.recs, u.Path)
			continue
		}
		c := *u.State
		c.RelPath = u.Path
		j.recs[u.Path] = &c
	}
	j.batches = append(j.batches, batch)
	return nil
}

func (j *memJournal) ListAll() (map[string]*database.FileState, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.listErr != nil {
		return nil, j.listErr
	}
	out := make(map[string]*database.FileState, len(j.recs))
	for k, v := range j.recs {
		c := *v
		out[k] = &c
	}
	return out, nil
}

func (j *memJournal) keys() map[string]bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := map[string]bool{}
	for k := range j.recs {
		out[k] = true
	}
	return out
}

// fakeWalker replays a fixed entry list. With gate set it waits for the
// gate to close, polling for abort meanwhile.
type fakeWalker struct {
	root    string
	entries []*fs.FileMeta
	err     error
	gate    chan struct{}
}

func (w *fakeWalker) Root() string { return w.root }

func (w *fakeWalker) Walk(ctx context.Context, poll fs.AbortPoll, visit func(*fs.FileMeta) error) error {
	if w.gate != nil {
	wait:
		for {
			if poll() {
				return fs.ErrWalkAborted
			}
			select {
			case <-w.gate:
				break wait
			case <-time.After(time.Millisecond):
			}
		}
	}
	if w.err != nil {
		return w.err
	}
	for _, e := range w.entries {
		if poll() {
			return fs.ErrWalkAborted
		}
		if err := visit(e); err != nil {
			return err
		}
	}
	return nil
}

// fakePropagator completes items without touching any filesystem. The
// remote identity of an uploaded file is "r-" plus the local identity.
type fakePropagator struct {
	mu        gosync.Mutex
	failures  map[string]error
	fatal     error // sent after the first item
	reverse   bool  // report completions in reverse order
	afterDone func(i int)
	limits    []Limits
	started   []string
}

func (f *fakePropagator) Run(ctx context.Context, items []SyncItem, limits Limits, abort *AbortController) <-chan PropagationEvent {
	f.mu.Lock()
	f.limits = append(f.limits, limits)
	f.mu.Unlock()

	out := make(chan PropagationEvent)
	go func() {
		defer close(out)
		var done []PropagationEvent
		for i := range items {
			if abort.Requested() {
				break
			}
			it := items[i]
			f.mu.Lock()
			f.started = append(f.started, it.Path)
			f.mu.Unlock()

			var ev ItemDone
			if err := f.failures[it.Path]; err != nil {
				ev = ItemDone{Index: i, Outcome: OutcomeError, Err: err}
			} else {
				ev = ItemDone{Index: i, Outcome: OutcomeSuccess}
				if it.Kind == fs.KindFile && it.Instruction != InstructionRemoved {
					ev.Local = file(it.Path, it.Identity, it.Size)
					ev.Remote = file(it.Path, "r-"+it.Identity, it.Size)
				}
			}
			out <- ItemProgress{Index: i, Bytes: it.Size / 2, Total: it.Size}
			if f.reverse {
				done = append([]PropagationEvent{ev}, done...)
				continue
			}
			out <- ev
			if f.afterDone != nil {
				f.afterDone(i)
			}
			if f.fatal != nil {
				out <- PropagationFailed{Err: f.fatal}
				return
			}
		}
		for _, ev := range done {
			out <- ev
		}
	}()
	return out
}

func (f *fakePropagator) startedPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

var errBoom = errors.New("boom")
