package sync

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"bisync/internal/database"
	"bisync/internal/fs"
)

// walkBatch is how many entries a walk buffers between abort checks.
const walkBatch = 64

// Options 初始化选项
type Options struct {
	Local      TreeWalker
	Remote     TreeWalker
	Journal    Journal
	Propagator Propagator

	Ignore     IgnorePolicy
	Distance   DistanceFunc
	RemoteSize func(int64) int64

	// ConfirmMassDeletion is asked before a pass that would remove every
	// synced file. A nil callback declines.
	ConfirmMassDeletion func(dir Direction, removals int) bool

	Limits Limits
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Orchestrator drives sync passes: walk both sides, diff against the
// journal, propagate, then commit. At most one pass runs at a time.
type Orchestrator struct {
	opts Options
	log  *slog.Logger

	running sync.Mutex
	abort   AbortController

	mu     sync.Mutex
	state  State
	limits Limits
}

// NewOrchestrator 创建编排器
func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{opts: opts, log: log, limits: opts.Limits}
}

// State returns the current pass state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// SetLimits replaces the transfer limits; the next pass picks them up.
func (o *Orchestrator) SetLimits(l Limits) {
	o.mu.Lock()
	o.limits = l
	o.mu.Unlock()
}

// Limits returns the limits the next pass will use.
func (o *Orchestrator) Limits() Limits {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.limits
}

// Abort asks the running pass to stop. In-flight transfers finish; nothing
// new is started. It is safe to call from any goroutine, at any time.
// A request made while no pass runs is cleared when the next pass starts.
func (o *Orchestrator) Abort() {
	o.abort.Request()
}

// pass is the per-run state owned by the pass goroutine.
type pass struct {
	id      string
	events  *eventQueue
	result  *Result
	log     *slog.Logger
	pending PendingJournalUpdates
	fatal   error

	// detach unhooks the caller's ctx from the abort flag.
	detach func() bool
}

// StartSync begins a pass and returns its event stream. The stream ends
// with Finished and is then closed; callers must drain it. ErrBusy is
// returned while another pass holds the lock.
func (o *Orchestrator) StartSync(ctx context.Context) (<-chan Event, error) {
	if o.opts.Local == nil || o.opts.Remote == nil || o.opts.Journal == nil || o.opts.Propagator == nil {
		return nil, ErrPortsUnset
	}
	if !o.running.TryLock() {
		return nil, ErrBusy
	}
	o.abort.Reset()

	id := uuid.NewString()
	p := &pass{
		id:     id,
		events: newEventQueue(),
		result: &Result{PassID: id, StartedAt: o.opts.Clock.Now()},
		log:    o.log.With("pass", id[:8]),
	}
	p.events.push(Started{PassID: id})

	go o.run(ctx, p)
	return p.events.out, nil
}

// Sync runs one pass to completion and returns its result.
func (o *Orchestrator) Sync(ctx context.Context) (*Result, error) {
	events, err := o.StartSync(ctx)
	if err != nil {
		return nil, err
	}
	var res *Result
	for ev := range events {
		if f, ok := ev.(Finished); ok {
			res = f.Result
		}
	}
	return res, nil
}

func (o *Orchestrator) setState(p *pass, to State) {
	o.mu.Lock()
	from := o.state
	o.state = to
	o.mu.Unlock()
	p.events.push(StateChanged{From: from, To: to})
}

func (o *Orchestrator) run(ctx context.Context, p *pass) {
	// 调用方取消 ctx 等同于请求中止, 正在传输的文件仍会完成
	p.detach = context.AfterFunc(ctx, o.abort.Request)
	ctx = context.WithoutCancel(ctx)

	p.log.Info("开始同步", "local", o.opts.Local.Root(), "remote", o.opts.Remote.Root())

	// 1. 扫描两端
	o.setState(p, StateWalking)
	local, remote, err := o.walk(ctx)
	if o.abort.Requested() {
		o.finish(p, StateAborted, newError(AbortedByCaller, "", nil))
		return
	}
	if err != nil {
		o.finish(p, StateFailed, err)
		return
	}

	// 2. 三方比对
	o.setState(p, StateDiffing)
	journal, err := o.opts.Journal.ListAll()
	if err != nil {
		o.finish(p, StateFailed, newError(JournalFailure, "", err))
		return
	}
	builder := &DiffBuilder{
		Ignore:     o.opts.Ignore,
		Renames:    NewRenameResolver(o.opts.Distance),
		RemoteSize: o.opts.RemoteSize,
	}
	plan := builder.Build(local, remote, journal)
	p.result.Ignored = len(plan.Ignored)
	if o.abort.Requested() {
		o.finish(p, StateAborted, newError(AbortedByCaller, "", nil))
		return
	}
	p.log.Info("同步检查完成",
		"local", local.Len(), "remote", remote.Len(), "journal", len(journal),
		"items", len(plan.Items), "renames", plan.Renames.Len())
	p.events.push(Planned{
		Items:   append([]SyncItem(nil), plan.Items...),
		Ignored: len(plan.Ignored),
		Renames: plan.Renames.Len(),
	})

	if plan.Removals > 0 && !plan.HasFiles {
		confirmed := o.opts.ConfirmMassDeletion != nil &&
			o.opts.ConfirmMassDeletion(plan.RemovalDirection, plan.Removals)
		p.events.push(MassDeletionPrompted{Direction: plan.RemovalDirection, Removals: plan.Removals, Confirmed: confirmed})
		if !confirmed {
			p.log.Warn("所有文件都将被删除, 未获确认, 放弃本轮同步", "removals", plan.Removals, "direction", plan.RemovalDirection)
			o.finish(p, StateAborted, ErrMassDeletionDeclined)
			return
		}
	}

	// 3. 执行
	items := NewItemList(plan.Items)
	items.Reset()
	p.result.Planned = items.Len()
	o.setState(p, StatePropagating)
	if items.Len() > 0 {
		o.propagate(ctx, p, items)
	}

	// 4. 收尾
	o.setState(p, StateFinishing)
	final := p.pending.Drain()
	if p.fatal == nil {
		final = append(final, plan.Adopt...)
		for _, stale := range plan.Stale {
			final = append(final, database.Forget(stale))
		}
		p.result.Adopted = len(plan.Adopt)
		p.result.Purged = len(plan.Stale)
	}
	if len(final) > 0 {
		if err := o.opts.Journal.Apply(final); err != nil && p.fatal == nil {
			p.fatal = newError(JournalFailure, "", err)
		}
	}

	switch {
	case p.fatal != nil:
		o.finish(p, StateFailed, p.fatal)
	case o.abort.Requested():
		o.finish(p, StateAborted, newError(AbortedByCaller, "", nil))
	default:
		o.finish(p, StateDone, nil)
	}
}

// walk runs both tree walks concurrently into snapshots.
func (o *Orchestrator) walk(ctx context.Context) (*Snapshot, *Snapshot, error) {
	local, remote := NewSnapshot(), NewSnapshot()
	g, gctx := errgroup.WithContext(ctx)

	scan := func(side string, w TreeWalker, snap *Snapshot) func() error {
		return func() error {
			n := 0
			err := w.Walk(gctx, o.abort.Requested, func(m *fs.FileMeta) error {
				snap.Add(m)
				n++
				if n%walkBatch == 0 && o.abort.Requested() {
					return fs.ErrWalkAborted
				}
				return nil
			})
			if err != nil && !errors.Is(err, fs.ErrWalkAborted) {
				return newError(WalkFailure, side, err)
			}
			return err
		}
	}
	g.Go(scan("local", o.opts.Local, local))
	g.Go(scan("remote", o.opts.Remote, remote))
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return local, remote, nil
}

// propagate hands the list to the propagator and commits completions in
// list order.
func (o *Orchestrator) propagate(ctx context.Context, p *pass, items *ItemList) {
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	progress := NewProgressAggregator(o.opts.Clock)
	progress.Begin(items.Items())
	descendants := countDescendants(items.Items())

	buffered := map[int]ItemDone{}
	release := func() {
		for {
			d, ok := buffered[items.Iterator()]
			if !ok {
				return
			}
			delete(buffered, items.Iterator())
			o.complete(p, items, items.Iterator(), d, descendants, progress)
			items.Advance(1)
			if p.fatal != nil {
				cancel()
			}
		}
	}

	for ev := range o.opts.Propagator.Run(pctx, items.Items(), o.Limits(), &o.abort) {
		switch e := ev.(type) {
		case ItemProgress:
			p.events.push(ProgressUpdated{Info: progress.Update(e.Index, e.Bytes, e.Total)})
		case ItemDone:
			if e.Index < items.Iterator() || e.Index >= items.Len() {
				p.log.Warn("忽略越界的完成事件", "index", e.Index)
				continue
			}
			buffered[e.Index] = e
			release()
		case PropagationFailed:
			if p.fatal == nil {
				p.fatal = newError(PropagationFatal, "", e.Err)
				p.log.Error("传输阶段失败", "err", e.Err)
			}
			cancel()
		}
	}

	// 通道关闭后仍有乱序的完成事件, 按顺序处理
	if len(buffered) > 0 {
		idx := make([]int, 0, len(buffered))
		for i := range buffered {
			idx = append(idx, i)
		}
		sort.Ints(idx)
		for _, i := range idx {
			o.complete(p, items, i, buffered[i], descendants, progress)
		}
		items.Advance(idx[len(idx)-1] + 1 - items.Iterator())
	}
}

func (o *Orchestrator) complete(p *pass, items *ItemList, i int, d ItemDone, descendants []int, progress *ProgressAggregator) {
	item := items.At(i)
	res := p.result
	var batch []database.Update

	switch d.Outcome {
	case OutcomeSuccess:
		res.Started++
		res.Succeeded++
		updates := recordFor(item, d)
		if defersRecord(item) {
			p.pending.Push(item.SubtreeRoot(), descendants[i], updates...)
			batch = p.pending.popReady()
		} else {
			batch = updates
		}
		batch = append(batch, p.pending.ItemFinished(item.SubtreeRoot(), true)...)
		p.log.Info("同步完成", "item", item.String())
	case OutcomeError:
		res.Started++
		msg := "unknown error"
		if d.Err != nil {
			msg = d.Err.Error()
		}
		item.Instruction, item.Err = InstructionError, msg
		res.ItemErrors = append(res.ItemErrors, newError(PropagationItemFailure, item.Path, d.Err))
		batch = p.pending.ItemFinished(item.SubtreeRoot(), false)
		p.log.Error("同步失败", "path", item.Path, "err", msg)
	case OutcomeAborted:
		batch = p.pending.ItemFinished(item.SubtreeRoot(), false)
	}

	if len(batch) > 0 && p.fatal == nil {
		if err := o.opts.Journal.Apply(batch); err != nil {
			p.fatal = newError(JournalFailure, item.Path, err)
			p.log.Error("写入日志失败", "path", item.Path, "err", err)
		}
	}

	p.events.push(ProgressUpdated{Info: progress.Complete(i)})
	p.events.push(ItemCompleted{Item: *item, Outcome: d.Outcome, Err: d.Err})
}

func (o *Orchestrator) finish(p *pass, status State, reason error) {
	res := p.result
	res.Stage = o.State()
	res.Status = status
	res.Reason = reason
	res.FinishedAt = o.opts.Clock.Now()
	// 先解除 ctx 关联再释放锁, 迟到的取消不能中止下一轮
	if p.detach != nil {
		p.detach()
	}
	o.abort.Honor()

	o.setState(p, status)
	attrs := []any{
		"status", status, "summary", res.Summary(),
		"succeeded", res.Succeeded, "failed", len(res.ItemErrors),
		"elapsed", res.Duration(),
	}
	if reason != nil {
		p.log.Warn("同步结束", append(attrs, "reason", reason)...)
	} else {
		p.log.Info("同步结束", attrs...)
	}

	o.running.Unlock()
	p.events.push(Finished{Result: res})
	p.events.close()
}

// defersRecord reports whether the item's journal record must wait for its
// whole subtree.
func defersRecord(it *SyncItem) bool {
	return it.Kind == fs.KindDirectory && it.Instruction != InstructionRemoved
}

// countDescendants returns, for every directory item, how many later items
// live below it once propagated.
func countDescendants(items []SyncItem) []int {
	counts := make([]int, len(items))
	dirs := map[string]int{}
	for i := range items {
		it := &items[i]
		root := it.SubtreeRoot()
		for anc := path.Dir(root); anc != "." && anc != "/"; anc = path.Dir(anc) {
			if j, ok := dirs[anc]; ok {
				counts[j]++
			}
		}
		if defersRecord(it) {
			dirs[root] = i
		}
	}
	return counts
}

// recordFor builds the journal updates for a successfully propagated item.
func recordFor(it *SyncItem, d ItemDone) []database.Update {
	local, remote := d.Local, d.Remote
	if local == nil {
		local = it.Local
	}
	if remote == nil {
		remote = it.Remote
	}

	switch it.Instruction {
	case InstructionRemoved:
		return []database.Update{database.Forget(it.Path)}
	case InstructionConflict:
		// 只保存了冲突副本时不入日志, 下一轮仍会看到冲突.
		// 改名解决后两端回报了新状态, 按普通文件记录
		if d.Local == nil || d.Remote == nil {
			return nil
		}
	case InstructionIgnored, InstructionNone, InstructionError:
		return nil
	case InstructionRenamed:
		if !it.MovedWithParent {
			return []database.Update{
				database.Forget(it.Path),
				database.Put(&database.FileState{RelPath: it.RenameTarget, Kind: fs.KindDirectory}),
			}
		}
		return []database.Update{
			database.Forget(it.OriginalPath),
			database.Put(movedRecord(it, d)),
		}
	}

	if it.Kind == fs.KindDirectory {
		return []database.Update{database.Put(&database.FileState{RelPath: it.Path, Kind: fs.KindDirectory})}
	}
	if local == nil || remote == nil {
		return nil
	}
	return []database.Update{database.Put(&database.FileState{
		RelPath:    it.Path,
		Kind:       it.Kind,
		FileSize:   local.Size,
		ModTime:    local.ModTime.UnixNano(),
		LocalHash:  local.Identity,
		RemoteHash: remote.Identity,
	})}
}

// movedRecord re-keys the journal record of an item carried by a folder
// rename. The side that was moved keeps its old identity unless it was
// unchanged before the move, so a concurrent edit there is still detected
// by the next pass.
func movedRecord(it *SyncItem, d ItemDone) *database.FileState {
	base := it.Base
	rec := &database.FileState{RelPath: it.Path, Kind: it.Kind}
	if base != nil {
		*rec = *base
		rec.RelPath = it.Path
	}
	if it.Kind == fs.KindDirectory {
		return rec
	}

	if it.Direction == DirectionUp {
		if src := pick(d.Local, it.Local); src != nil {
			rec.FileSize, rec.ModTime, rec.LocalHash = src.Size, src.ModTime.UnixNano(), src.Identity
		}
		if d.Remote != nil && it.Remote != nil && base != nil && it.Remote.Identity == base.RemoteHash {
			rec.RemoteHash = d.Remote.Identity
		}
		return rec
	}

	if d.Remote != nil {
		rec.RemoteHash = d.Remote.Identity
	} else if it.Remote != nil {
		rec.RemoteHash = it.Remote.Identity
	}
	if d.Local != nil && it.Local != nil && base != nil && it.Local.Identity == base.LocalHash {
		rec.FileSize, rec.ModTime, rec.LocalHash = d.Local.Size, d.Local.ModTime.UnixNano(), d.Local.Identity
	}
	return rec
}

func pick(a, b *fs.FileMeta) *fs.FileMeta {
	if a != nil {
		return a
	}
	return b
}
