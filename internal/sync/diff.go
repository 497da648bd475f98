package sync

import (
	"log/slog"
	"sort"
	"time"

	"bisync/internal/database"
	"bisync/internal/fs"
)

// IgnorePolicy decides which paths never take part in a pass.
type IgnorePolicy interface {
	Match(relPath string, isDir bool) bool
}

// DiffBuilder merges the two walks and the journal into an ordered item list.
type DiffBuilder struct {
	Ignore  IgnorePolicy
	Renames *RenameResolver

	// RemoteSize converts a local plaintext size into the size expected on
	// the remote (client side encryption adds a header). nil means equal.
	RemoteSize func(int64) int64
}

// Plan is the output of one diff.
type Plan struct {
	Items   []SyncItem // actionable, in propagation order
	Ignored []SyncItem // matched by the ignore policy
	Renames *RenameMap

	// Adopt holds records for paths found identical on both sides without a
	// journal entry. Stale lists records whose path is gone on both sides.
	Adopt []database.Update
	Stale []string

	Unchanged int
	HasFiles  bool

	Removals         int
	RemovalDirection Direction
}

func (b *DiffBuilder) remoteSize(plain int64) int64 {
	if b.RemoteSize == nil {
		return plain
	}
	return b.RemoteSize(plain)
}

// Build 三方比对: 本地, 远端, 日志
func (b *DiffBuilder) Build(local, remote *Snapshot, journal map[string]*database.FileState) *Plan {
	resolver := b.Renames
	if resolver == nil {
		resolver = NewRenameResolver(nil)
	}
	plan := &Plan{Renames: resolver.Resolve(local, remote, journal)}

	// 路径并集, 保持扫描顺序 (父目录在前)
	seen := make(map[string]bool, local.Len()+remote.Len())
	var paths []string
	for _, snap := range []*Snapshot{local, remote} {
		for _, p := range snap.Paths() {
			if !seen[p] {
				seen[p] = true
				paths = append(paths, p)
			}
		}
	}
	var journalOnly []string
	for p := range journal {
		if !seen[p] {
			journalOnly = append(journalOnly, p)
		}
	}
	sort.Strings(journalOnly)
	paths = append(paths, journalOnly...)

	var all []SyncItem
	for _, p := range paths {
		l, r, base := local.Get(p), remote.Get(p), journal[p]

		if b.Ignore != nil && b.Ignore.Match(p, isDirAny(l, r, base)) {
			if l != nil || r != nil {
				plan.Ignored = append(plan.Ignored, SyncItem{Path: p, Kind: kindOf(l, r, base), Instruction: InstructionIgnored, Local: l, Remote: r, Base: base})
			}
			continue
		}
		// 旧目录下的条目由目录重命名一并处理
		if _, ok := plan.Renames.SourceOf(p); ok {
			slog.Debug("随目录重命名", "path", p, "to", plan.Renames.Adjust(p))
			continue
		}
		if rn, ok := plan.Renames.TargetOf(p); ok {
			if item, ok := b.renamedItem(p, rn, plan.Renames, local, remote, journal); ok {
				all = append(all, item)
				plan.noteFile(&item)
				continue
			}
		}

		item := b.classify(plan, p, l, r, base)
		plan.noteFile(&item)
		if item.Instruction == InstructionNone {
			continue
		}
		all = append(all, item)
	}

	keepRemovedDirs(all)
	plan.Items = orderItems(all)
	for i := range plan.Items {
		if plan.Items[i].Instruction == InstructionRemoved {
			plan.Removals++
		}
	}
	plan.RemovalDirection = removalDirection(plan.Items)

	slog.Debug("比对完成",
		"items", len(plan.Items),
		"ignored", len(plan.Ignored),
		"unchanged", plan.Unchanged,
		"renames", plan.Renames.Len(),
		"adopt", len(plan.Adopt),
		"stale", len(plan.Stale),
	)
	return plan
}

// noteFile 只统计至少一端仍存在的文件, 两端都已消失的旧记录不算
func (p *Plan) noteFile(it *SyncItem) {
	if it.Local == nil && it.Remote == nil {
		return
	}
	if it.Kind == fs.KindFile && it.Instruction != InstructionRemoved {
		p.HasFiles = true
	}
}

func isDirAny(l, r *fs.FileMeta, base *database.FileState) bool {
	if l != nil {
		return l.IsDir()
	}
	if r != nil {
		return r.IsDir()
	}
	return base != nil && base.IsDir()
}

func kindOf(l, r *fs.FileMeta, base *database.FileState) fs.Kind {
	switch {
	case l != nil:
		return l.Kind
	case r != nil:
		return r.Kind
	case base != nil:
		return base.Kind
	}
	return fs.KindFile
}

// renamedItem builds the item for a path below a rename target: the folder
// itself becomes the rename, known descendants move with it.
func (b *DiffBuilder) renamedItem(p string, rn Rename, renames *RenameMap, local, remote *Snapshot, journal map[string]*database.FileState) (SyncItem, bool) {
	if p == rn.To {
		item := SyncItem{
			Path:         rn.From,
			RenameTarget: rn.To,
			Kind:         fs.KindDirectory,
			Direction:    rn.Direction,
			Instruction:  InstructionRenamed,
			Base:         journal[rn.From],
		}
		if rn.Direction == DirectionUp {
			item.Local, item.Remote = local.Get(rn.To), remote.Get(rn.From)
		} else {
			item.Local, item.Remote = local.Get(rn.From), remote.Get(rn.To)
		}
		return item, true
	}

	orig := renames.Original(p)
	base := journal[orig]
	if base == nil {
		// 新目录下新增的条目, 按普通路径处理
		return SyncItem{}, false
	}
	item := SyncItem{
		Path:            p,
		OriginalPath:    orig,
		RenameTarget:    p,
		Direction:       rn.Direction,
		Instruction:     InstructionRenamed,
		MovedWithParent: true,
		Base:            base,
	}
	var src *fs.FileMeta
	if rn.Direction == DirectionUp {
		item.Local, item.Remote = local.Get(p), remote.Get(orig)
		src = item.Local
	} else {
		item.Local, item.Remote = local.Get(orig), remote.Get(p)
		src = item.Remote
	}
	if src == nil {
		return SyncItem{}, false
	}
	fillFrom(&item, src)
	return item, true
}

func fillFrom(item *SyncItem, m *fs.FileMeta) {
	if m == nil {
		return
	}
	item.Kind = m.Kind
	item.Identity = m.Identity
	item.Size = m.Size
	item.ModTime = m.ModTime
}

// classify 决策函数
func (b *DiffBuilder) classify(plan *Plan, p string, l, r *fs.FileMeta, base *database.FileState) SyncItem {
	item := SyncItem{Path: p, Local: l, Remote: r, Base: base, Kind: kindOf(l, r, base)}
	up := func(ins Instruction) SyncItem {
		item.Direction, item.Instruction = DirectionUp, ins
		fillFrom(&item, l)
		return item
	}
	down := func(ins Instruction) SyncItem {
		item.Direction, item.Instruction = DirectionDown, ins
		fillFrom(&item, r)
		return item
	}
	removed := func(dir Direction, gone *database.FileState) SyncItem {
		item.Direction, item.Instruction = dir, InstructionRemoved
		item.Kind = gone.Kind
		item.Size = gone.FileSize
		item.ModTime = gone.ModTimeAsTime()
		return item
	}
	unchanged := func() SyncItem {
		plan.Unchanged++
		item.Instruction = InstructionNone
		return item
	}

	// 符号链接不参与同步
	if (l != nil && l.Kind == fs.KindSoftLink) || (r != nil && r.Kind == fs.KindSoftLink) {
		plan.Ignored = append(plan.Ignored, SyncItem{Path: p, Kind: fs.KindSoftLink, Instruction: InstructionIgnored, Local: l, Remote: r, Base: base})
		item.Instruction = InstructionNone
		return item
	}

	// 1. 日志中没有记录 -> 首次同步或日志丢失
	if base == nil {
		switch {
		case l != nil && r == nil:
			return up(InstructionNew)
		case l == nil && r != nil:
			return down(InstructionNew)
		case l.IsDir() && r.IsDir():
			plan.Adopt = append(plan.Adopt, database.Put(adoptRecord(p, l, r)))
			return unchanged()
		case l.Kind == fs.KindFile && r.Kind == fs.KindFile && r.Size == b.remoteSize(l.Size):
			// 模糊匹配成功, 重新关联, 不传输
			slog.Info("日志缺失, 按大小重新关联", "path", p)
			plan.Adopt = append(plan.Adopt, database.Put(adoptRecord(p, l, r)))
			return unchanged()
		default:
			slog.Warn("两端都有但无法关联, 视为冲突", "path", p, "localSize", l.Size, "remoteSize", r.Size)
			return down(InstructionConflict)
		}
	}

	// 2. 两端都已消失
	if l == nil && r == nil {
		plan.Stale = append(plan.Stale, p)
		item.Instruction = InstructionNone
		return item
	}

	// 3. 本地已消失
	if l == nil {
		if r.IsDir() || b.isRemoteSameAsBase(r, base) {
			return removed(DirectionUp, base)
		}
		return down(InstructionNew)
	}

	// 4. 远端已消失
	if r == nil {
		if l.IsDir() || isLocalSameAsBase(l, base) {
			return removed(DirectionDown, base)
		}
		return up(InstructionNew)
	}

	// 5. 双向存在
	if l.Kind != r.Kind {
		return down(InstructionConflict)
	}
	if l.IsDir() {
		return unchanged()
	}
	localChanged := !isLocalSameAsBase(l, base)
	remoteChanged := !b.isRemoteSameAsBase(r, base)
	switch {
	case !localChanged && !remoteChanged:
		return unchanged()
	case localChanged && !remoteChanged:
		return up(InstructionUpdated)
	case !localChanged && remoteChanged:
		return down(InstructionUpdated)
	default:
		return down(InstructionConflict)
	}
}

func adoptRecord(p string, l, r *fs.FileMeta) *database.FileState {
	return &database.FileState{
		RelPath:    p,
		Kind:       l.Kind,
		FileSize:   l.Size,
		ModTime:    l.ModTime.UnixNano(),
		LocalHash:  l.Identity,
		RemoteHash: r.Identity,
	}
}

func isLocalSameAsBase(l *fs.FileMeta, b *database.FileState) bool {
	if l.Kind != b.Kind {
		return false
	}
	// 有 Hash 记录时优先比对 Hash
	if l.Identity != "" && b.LocalHash != "" {
		return l.Identity == b.LocalHash
	}
	if l.Size != b.FileSize {
		return false
	}
	diff := l.ModTime.Sub(time.Unix(0, b.ModTime))
	if diff < 0 {
		diff = -diff
	}
	return diff < 2*time.Second
}

func (b *DiffBuilder) isRemoteSameAsBase(r *fs.FileMeta, base *database.FileState) bool {
	if r.Kind != base.Kind {
		return false
	}
	if r.Identity != "" && base.RemoteHash != "" {
		return r.Identity == base.RemoteHash
	}
	// base.FileSize 存的是本地明文大小
	return r.Size == b.remoteSize(base.FileSize)
}

// keepRemovedDirs turns the removal of a folder back into a re-creation on
// the side it vanished from when the other side gained or changed something
// inside it, so that deleting the folder cannot take those entries along.
func keepRemovedDirs(items []SyncItem) {
	for i := range items {
		it := &items[i]
		if it.Instruction != InstructionRemoved || it.Kind != fs.KindDirectory {
			continue
		}
		for j := range items {
			other := &items[j]
			if other.Instruction == InstructionRemoved || !isBelow(other.Path, it.Path) {
				continue
			}
			slog.Debug("目录内仍有变更, 改为重建目录", "path", it.Path, "because", other.Path)
			it.Instruction = InstructionNew
			if it.Direction == DirectionUp {
				it.Direction = DirectionDown
			} else {
				it.Direction = DirectionUp
			}
			break
		}
	}
}

// orderItems puts folder renames first, then removals deepest first, then
// everything else in discovery order (parents before children).
func orderItems(all []SyncItem) []SyncItem {
	var renamed, removed, rest []SyncItem
	for _, it := range all {
		switch it.Instruction {
		case InstructionRenamed:
			renamed = append(renamed, it)
		case InstructionRemoved:
			removed = append(removed, it)
		default:
			rest = append(rest, it)
		}
	}
	sort.SliceStable(removed, func(i, j int) bool { return removed[i].Path > removed[j].Path })

	out := make([]SyncItem, 0, len(all))
	out = append(out, renamed...)
	out = append(out, removed...)
	return append(out, rest...)
}

func removalDirection(items []SyncItem) Direction {
	var up, down int
	for _, it := range items {
		if it.Instruction != InstructionRemoved {
			continue
		}
		if it.Direction == DirectionUp {
			up++
		} else {
			down++
		}
	}
	switch {
	case up == 0 && down == 0:
		return DirectionNone
	case up >= down:
		return DirectionUp
	default:
		return DirectionDown
	}
}
