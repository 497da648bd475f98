// Package propagator carries out a planned item list between the local tree
// and the remote store.
package propagator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"bisync/internal/crypto"
	"bisync/internal/fs"
	syncer "bisync/internal/sync"
)

var (
	// ErrFileChanged is returned when a file changed between the walk and its
	// transfer. The item is retried by the next pass.
	ErrFileChanged = errors.New("file changed during sync")

	// ErrTypeConflict is returned for conflicts between a file and a folder.
	ErrTypeConflict = errors.New("file and folder conflict")

	// ErrCopyExists is returned when the name a conflict strategy moves a
	// version aside to is already taken.
	ErrCopyExists = errors.New("conflict copy name already taken")
)

// ConflictStrategy 冲突处理方式. 每种方式都保留两端的版本, 不覆盖任何一端
type ConflictStrategy int

const (
	// ConflictKeepBoth (默认): 远端版本下载为本地冲突副本, 两端原文件不动, 日志不更新
	ConflictKeepBoth ConflictStrategy = iota
	// ConflictRenameLocal: 本地文件改名为 <name>.local, 再下载远端版本
	ConflictRenameLocal
	// ConflictRenameRemote: 远端文件改名为 <name>.remote, 再上传本地版本
	ConflictRenameRemote
)

func (s ConflictStrategy) String() string {
	switch s {
	case ConflictRenameLocal:
		return "rename_local"
	case ConflictRenameRemote:
		return "rename_remote"
	default:
		return "keep_both"
	}
}

// ParseConflictStrategy 将配置文件中的字符串转换为枚举值, 空串为默认值
func ParseConflictStrategy(s string) (ConflictStrategy, error) {
	switch s {
	case "", "keep_both":
		return ConflictKeepBoth, nil
	case "rename_local":
		return ConflictRenameLocal, nil
	case "rename_remote":
		return ConflictRenameRemote, nil
	default:
		return ConflictKeepBoth, fmt.Errorf("unknown conflict strategy %q", s)
	}
}

const (
	defaultWorkers      = 3
	defaultProgressStep = 64 << 10
)

// Options 初始化选项
type Options struct {
	Local  fs.FileSystem
	Remote fs.FileSystem
	Cipher *crypto.Cipher
	Logger *slog.Logger

	Conflict ConflictStrategy

	// ProgressStep is the minimum number of bytes between progress events.
	ProgressStep int64
}

// Propagator implements syncer.Propagator with a bounded worker pool.
// Folder operations are barriers: running transfers drain first and the
// folder operation runs alone.
type Propagator struct {
	opts Options
	log  *slog.Logger
}

// New 创建执行器
func New(opts Options) *Propagator {
	if opts.ProgressStep <= 0 {
		opts.ProgressStep = defaultProgressStep
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Propagator{opts: opts, log: log}
}

type limiters struct {
	up, down *rate.Limiter
}

// Run starts propagation in the background.
func (p *Propagator) Run(ctx context.Context, items []syncer.SyncItem, limits syncer.Limits, abort *syncer.AbortController) <-chan syncer.PropagationEvent {
	out := make(chan syncer.PropagationEvent, 16)
	go p.run(ctx, items, limits, abort, out)
	return out
}

func (p *Propagator) run(ctx context.Context, items []syncer.SyncItem, limits syncer.Limits, abort *syncer.AbortController, out chan<- syncer.PropagationEvent) {
	defer close(out)

	workers := limits.Concurrency
	if workers <= 0 {
		workers = defaultWorkers
	}
	lim := &limiters{up: newLimiter(limits.Upload), down: newLimiter(limits.Download)}

	var (
		wg    sync.WaitGroup
		fatal atomic.Bool
		sem   = make(chan struct{}, workers)
	)
	stopped := func() bool {
		return abort.Requested() || fatal.Load() || ctx.Err() != nil
	}

dispatch:
	for i := range items {
		if stopped() {
			break
		}
		it := &items[i]

		if it.Kind == fs.KindDirectory {
			wg.Wait()
			if stopped() {
				break
			}
			p.execute(ctx, i, it, lim, out, &fatal)
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break dispatch
		}
		if stopped() {
			<-sem
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			p.execute(ctx, i, it, lim, out, &fatal)
		}()
	}
	wg.Wait()
}

func (p *Propagator) execute(ctx context.Context, i int, it *syncer.SyncItem, lim *limiters, out chan<- syncer.PropagationEvent, fatal *atomic.Bool) {
	emit := func(n int64) {
		out <- syncer.ItemProgress{Index: i, Bytes: n, Total: it.Size}
	}
	local, remote, err := p.apply(ctx, it, lim, emit)
	if err != nil {
		p.log.Error("[Worker] 任务失败", "path", it.Path, "op", it.Instruction, "direction", it.Direction, "err", err)
		out <- syncer.ItemDone{Index: i, Outcome: syncer.OutcomeError, Err: err}
		if errors.Is(err, syncer.ErrPropagationFatal) && fatal.CompareAndSwap(false, true) {
			out <- syncer.PropagationFailed{Err: err}
		}
		return
	}
	out <- syncer.ItemDone{Index: i, Outcome: syncer.OutcomeSuccess, Local: local, Remote: remote}
}

// apply performs one item and returns the resulting state on both sides.
func (p *Propagator) apply(ctx context.Context, it *syncer.SyncItem, lim *limiters, emit func(int64)) (*fs.FileMeta, *fs.FileMeta, error) {
	src, dst := p.opts.Local, p.opts.Remote
	if it.Direction == syncer.DirectionDown {
		src, dst = dst, src
	}

	switch it.Instruction {
	case syncer.InstructionRemoved:
		slog.Debug("删除", "path", it.Path, "side", dst.Root())
		err := dst.Delete(ctx, it.Path)
		if it.Kind == fs.KindDirectory && errors.Is(err, fs.ErrDirNotEmpty) {
			// 目录下还有被忽略或扫描后新建的条目: 保留目录, 下一轮按新目录处理
			p.log.Warn("目录非空, 保留", "path", it.Path, "side", dst.Root())
			return nil, nil, nil
		}
		return nil, nil, err

	case syncer.InstructionNew, syncer.InstructionUpdated:
		if it.Kind == fs.KindDirectory {
			return nil, nil, dst.Mkdir(ctx, it.Path)
		}
		if it.Direction == syncer.DirectionUp {
			return p.upload(ctx, it, lim, emit)
		}
		return p.download(ctx, it, it.Path, lim, emit)

	case syncer.InstructionRenamed:
		if it.MovedWithParent {
			return p.verifyMoved(ctx, it)
		}
		slog.Debug("重命名", "from", it.Path, "to", it.RenameTarget, "side", dst.Root())
		return nil, nil, dst.Rename(ctx, it.Path, it.RenameTarget)

	case syncer.InstructionConflict:
		return p.conflict(ctx, it, lim, emit)
	}
	return nil, nil, nil
}

// unchangedSince fails with ErrFileChanged when the entry at rel no longer
// matches what the walk saw.
func unchangedSince(ctx context.Context, side fs.FileSystem, rel string, seen *fs.FileMeta) error {
	if seen == nil {
		return nil
	}
	cur, err := side.Stat(ctx, rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", rel, ErrFileChanged)
		}
		return err
	}
	if cur.Identity != seen.Identity {
		return fmt.Errorf("%s: %w", rel, ErrFileChanged)
	}
	return nil
}

// upload 上传流程: 读取本地 -> 加密 -> 写入远端
func (p *Propagator) upload(ctx context.Context, it *syncer.SyncItem, lim *limiters, emit func(int64)) (*fs.FileMeta, *fs.FileMeta, error) {
	slog.Info("开始上传", "path", it.Path)

	// 远端在扫描后被修改, 不覆盖
	if err := unchangedSince(ctx, p.opts.Remote, it.Path, it.Remote); err != nil {
		return nil, nil, err
	}

	reader, err := p.opts.Local.OpenStream(ctx, it.Path)
	if err != nil {
		return nil, nil, err
	}
	defer reader.Close()

	var stream io.Reader = &progressReader{r: reader, step: p.opts.ProgressStep, report: emit}
	stream = throttle(ctx, stream, lim.up)
	stream, err = p.opts.Cipher.EncryptReader(stream)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto init failed: %w", err)
	}

	remote, err := p.opts.Remote.WriteStream(ctx, it.Path, stream, p.opts.Cipher.RemoteSize(it.Size), it.ModTime)
	if err != nil {
		return nil, nil, err
	}

	// 需要重新 Stat 获取本地最新状态作为基准
	local, err := p.opts.Local.Stat(ctx, it.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("stat local failed after upload: %w", err)
	}
	if it.Identity != "" && local.Identity != it.Identity {
		return nil, nil, fmt.Errorf("%s: %w", it.Path, ErrFileChanged)
	}
	return local, remote, nil
}

// download 下载流程: 读取远端 -> 解密 -> 写入本地 dest
func (p *Propagator) download(ctx context.Context, it *syncer.SyncItem, dest string, lim *limiters, emit func(int64)) (*fs.FileMeta, *fs.FileMeta, error) {
	slog.Info("开始下载任务", "path", it.Path, "dest", dest)

	if dest == it.Path {
		if err := unchangedSince(ctx, p.opts.Local, it.Path, it.Local); err != nil {
			return nil, nil, err
		}
	}

	reader, err := p.opts.Remote.OpenStream(ctx, it.Path)
	if err != nil {
		return nil, nil, err
	}
	defer reader.Close()

	var stream io.Reader = &progressReader{r: reader, step: p.opts.ProgressStep, report: emit}
	stream = throttle(ctx, stream, lim.down)
	stream, err = p.opts.Cipher.DecryptReader(stream)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto init failed: %w", err)
	}

	modTime := it.ModTime
	if it.Remote != nil {
		modTime = it.Remote.ModTime
	}
	local, err := p.opts.Local.WriteStream(ctx, dest, stream, -1, modTime)
	if err != nil {
		return nil, nil, err
	}

	remote, err := p.opts.Remote.Stat(ctx, it.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("stat remote after download failed: %w", err)
	}
	if it.Remote != nil && it.Remote.Identity != "" && remote.Identity != it.Remote.Identity {
		return nil, nil, fmt.Errorf("%s: %w", it.Path, ErrFileChanged)
	}
	return local, remote, nil
}

// verifyMoved checks that a descendant of a renamed folder arrived with it.
func (p *Propagator) verifyMoved(ctx context.Context, it *syncer.SyncItem) (*fs.FileMeta, *fs.FileMeta, error) {
	local, err := p.opts.Local.Stat(ctx, it.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("local %s after folder rename: %w", it.Path, err)
	}
	remote, err := p.opts.Remote.Stat(ctx, it.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("remote %s after folder rename: %w", it.Path, err)
	}
	return local, remote, nil
}

// conflict resolves a file conflict according to the configured strategy.
func (p *Propagator) conflict(ctx context.Context, it *syncer.SyncItem, lim *limiters, emit func(int64)) (*fs.FileMeta, *fs.FileMeta, error) {
	if it.Local == nil || it.Remote == nil || it.Local.Kind != fs.KindFile || it.Remote.Kind != fs.KindFile {
		return nil, nil, fmt.Errorf("%s: %w", it.Path, ErrTypeConflict)
	}
	switch p.opts.Conflict {
	case ConflictRenameLocal:
		return p.renameLocal(ctx, it, lim, emit)
	case ConflictRenameRemote:
		return p.renameRemote(ctx, it, lim, emit)
	}
	return p.keepBoth(ctx, it, lim, emit)
}

// keepBoth downloads the remote copy next to the local file under a conflict
// name; neither original is touched and the conflict stays open.
func (p *Propagator) keepBoth(ctx context.Context, it *syncer.SyncItem, lim *limiters, emit func(int64)) (*fs.FileMeta, *fs.FileMeta, error) {
	name := ConflictName(it.Path, it.Remote.Identity)
	if _, err := p.opts.Local.Stat(ctx, name); err == nil {
		slog.Debug("冲突副本已存在", "path", it.Path, "copy", name)
		return nil, nil, nil
	}
	slog.Info("冲突处理: 保存远端副本", "path", it.Path, "copy", name)
	_, _, err := p.download(ctx, it, name, lim, emit)
	return nil, nil, err
}

// renameLocal 本地重命名为 .local, 然后下载云端版本到原路径
func (p *Propagator) renameLocal(ctx context.Context, it *syncer.SyncItem, lim *limiters, emit func(int64)) (*fs.FileMeta, *fs.FileMeta, error) {
	aside := it.Path + ".local"
	if err := p.moveAside(ctx, p.opts.Local, it.Path, aside, it.Local); err != nil {
		return nil, nil, err
	}
	// 原路径已空出, 按普通下载处理
	down := *it
	down.Local = nil
	return p.download(ctx, &down, it.Path, lim, emit)
}

// renameRemote 云端重命名为 .remote, 然后上传本地版本到原路径
func (p *Propagator) renameRemote(ctx context.Context, it *syncer.SyncItem, lim *limiters, emit func(int64)) (*fs.FileMeta, *fs.FileMeta, error) {
	aside := it.Path + ".remote"
	if err := p.moveAside(ctx, p.opts.Remote, it.Path, aside, it.Remote); err != nil {
		return nil, nil, err
	}
	up := *it
	up.Remote = nil
	up.Identity, up.Size, up.ModTime = it.Local.Identity, it.Local.Size, it.Local.ModTime
	return p.upload(ctx, &up, lim, emit)
}

// moveAside renames rel to aside on one side, provided rel is still the
// version the walk saw and aside is free.
func (p *Propagator) moveAside(ctx context.Context, side fs.FileSystem, rel, aside string, seen *fs.FileMeta) error {
	if err := unchangedSince(ctx, side, rel, seen); err != nil {
		return err
	}
	if _, err := side.Stat(ctx, aside); err == nil {
		return fmt.Errorf("%s: %w", aside, ErrCopyExists)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	slog.Info("冲突处理: 重命名", "old", rel, "new", aside, "side", side.Root())
	return side.Rename(ctx, rel, aside)
}

// ConflictName returns "<dir>/<stem>_conflict-<id8><ext>" for p. The same
// remote version always maps to the same name.
func ConflictName(p, identity string) string {
	dir, base := path.Split(p)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem, ext = base, ""
	}
	tag := identity
	if len(tag) > 8 {
		tag = tag[:8]
	}
	if tag == "" {
		tag = "remote"
	}
	return dir + stem + "_conflict-" + tag + ext
}
