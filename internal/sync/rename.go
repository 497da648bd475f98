package sync

import (
	"log/slog"
	"path"
	"slices"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"bisync/internal/database"
)

// Rename is one detected folder move.
type Rename struct {
	From      string
	To        string
	Direction Direction // Up: moved locally, replayed on the remote
}

// RenameMap maps original folder paths to their new paths for one pass.
type RenameMap struct {
	byFrom map[string]Rename
	byTo   map[string]Rename
}

func newRenameMap() *RenameMap {
	return &RenameMap{byFrom: map[string]Rename{}, byTo: map[string]Rename{}}
}

func (m *RenameMap) add(r Rename) {
	m.byFrom[r.From] = r
	m.byTo[r.To] = r
}

func (m *RenameMap) remove(r Rename) {
	delete(m.byFrom, r.From)
	delete(m.byTo, r.To)
}

// Len returns the number of renames.
func (m *RenameMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.byFrom)
}

// Target returns the new path of folder from.
func (m *RenameMap) Target(from string) (string, bool) {
	if m == nil {
		return "", false
	}
	r, ok := m.byFrom[from]
	return r.To, ok
}

// All returns every rename ordered by source path.
func (m *RenameMap) All() []Rename {
	if m == nil {
		return nil
	}
	out := make([]Rename, 0, len(m.byFrom))
	for _, r := range m.byFrom {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].From < out[j].From })
	return out
}

// lookup finds the rename keyed by the longest ancestor of p (p included).
func lookup(index map[string]Rename, p string) (Rename, bool) {
	for cur := p; cur != "." && cur != "/" && cur != ""; cur = path.Dir(cur) {
		if r, ok := index[cur]; ok {
			return r, true
		}
	}
	return Rename{}, false
}

// SourceOf returns the rename whose original folder contains p.
func (m *RenameMap) SourceOf(p string) (Rename, bool) {
	if m.Len() == 0 {
		return Rename{}, false
	}
	return lookup(m.byFrom, p)
}

// TargetOf returns the rename whose new folder contains p.
func (m *RenameMap) TargetOf(p string) (Rename, bool) {
	if m.Len() == 0 {
		return Rename{}, false
	}
	return lookup(m.byTo, p)
}

// Adjust rewrites p through the rename with the longest matching source
// prefix. Paths outside every renamed folder are returned unchanged.
func (m *RenameMap) Adjust(p string) string {
	r, ok := m.SourceOf(p)
	if !ok {
		return p
	}
	return r.To + strings.TrimPrefix(p, r.From)
}

// Original maps a path below a rename target back to its journal path.
func (m *RenameMap) Original(p string) string {
	r, ok := m.TargetOf(p)
	if !ok {
		return p
	}
	return r.From + strings.TrimPrefix(p, r.To)
}

// DistanceFunc scores how far apart two paths are; lower is closer.
type DistanceFunc func(a, b string) int

// LevenshteinDistance is the default rename tie-break.
func LevenshteinDistance(a, b string) int {
	dmp := diffmatchpatch.New()
	return dmp.DiffLevenshtein(dmp.DiffMain(a, b, false))
}

// RenameResolver pairs folders that vanished relative to the journal with
// folders that appeared on the same side, when their subtrees hold the same
// file contents.
type RenameResolver struct {
	Distance DistanceFunc
}

// NewRenameResolver 创建解析器, distance 为 nil 时使用编辑距离
func NewRenameResolver(distance DistanceFunc) *RenameResolver {
	if distance == nil {
		distance = LevenshteinDistance
	}
	return &RenameResolver{Distance: distance}
}

type renameCandidate struct {
	from, to string
	distance int
	depth    int
}

// Resolve detects folder renames on both sides.
func (r *RenameResolver) Resolve(local, remote *Snapshot, journal map[string]*database.FileState) *RenameMap {
	m := newRenameMap()
	if len(journal) == 0 {
		return m
	}

	keys := make([]string, 0, len(journal))
	for k := range journal {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	r.resolveSide(m, DirectionUp, local, remote, journal, keys, func(b *database.FileState) string { return b.LocalHash })
	r.resolveSide(m, DirectionDown, remote, local, journal, keys, func(b *database.FileState) string { return b.RemoteHash })
	m.dropCrossing()
	return m
}

func (r *RenameResolver) resolveSide(
	m *RenameMap,
	dir Direction,
	side, other *Snapshot,
	journal map[string]*database.FileState,
	keys []string,
	identity func(*database.FileState) string,
) {
	// 1. 该侧消失但另一侧仍在的目录
	removed := map[string][]string{}
	for _, k := range keys {
		b := journal[k]
		if !b.IsDir() || side.Get(k) != nil || !other.IsDir(k) {
			continue
		}
		var ids []string
		prefix := k + "/"
		for i := sort.SearchStrings(keys, prefix); i < len(keys) && strings.HasPrefix(keys[i], prefix); i++ {
			if rec := journal[keys[i]]; !rec.IsDir() {
				ids = append(ids, identity(rec))
			}
		}
		if len(ids) == 0 {
			continue
		}
		sort.Strings(ids)
		removed[k] = ids
	}
	if len(removed) == 0 {
		return
	}

	// 2. 该侧新出现的目录
	added := map[string][]string{}
	for _, p := range side.Paths() {
		if !side.IsDir(p) || journal[p] != nil || other.Get(p) != nil {
			continue
		}
		if ids := side.FileIdentitiesUnder(p); len(ids) > 0 {
			added[p] = ids
		}
	}

	var cands []renameCandidate
	for from, fromIDs := range removed {
		for to, toIDs := range added {
			if slices.Equal(fromIDs, toIDs) {
				cands = append(cands, renameCandidate{
					from:     from,
					to:       to,
					distance: r.Distance(from, to),
					depth:    strings.Count(from, "/"),
				})
			}
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.depth != b.depth {
			return a.depth < b.depth
		}
		if a.distance != b.distance {
			return a.distance < b.distance
		}
		if a.from != b.from {
			return a.from < b.from
		}
		return a.to < b.to
	})

	usedFrom := map[string]bool{}
	usedTo := map[string]bool{}
	available := func(c renameCandidate) bool {
		if usedFrom[c.from] || usedTo[c.to] {
			return false
		}
		// 父目录已被重命名, 子目录随之移动
		if _, ok := m.SourceOf(c.from); ok {
			return false
		}
		if _, ok := m.TargetOf(c.to); ok {
			return false
		}
		return true
	}

	for i, c := range cands {
		if !available(c) {
			continue
		}
		ambiguous := false
		for j, o := range cands {
			if i == j || o.depth != c.depth || o.distance != c.distance || !available(o) {
				continue
			}
			if o.from == c.from || o.to == c.to {
				ambiguous = true
				break
			}
		}
		if ambiguous {
			slog.Debug("重命名匹配不唯一, 按删除+新增处理", "from", c.from, "to", c.to, "direction", dir)
			usedFrom[c.from] = true
			usedTo[c.to] = true
			continue
		}
		usedFrom[c.from] = true
		usedTo[c.to] = true
		m.add(Rename{From: c.from, To: c.to, Direction: dir})
		slog.Debug("检测到目录重命名", "from", c.from, "to", c.to, "direction", dir)
	}
}

// dropCrossing removes renames whose source and target paths overlap with
// another rename; those would form a cycle or depend on each other.
func (m *RenameMap) dropCrossing() {
	all := m.All()
	var drop []Rename
	for i, a := range all {
		for j, b := range all {
			if i == j {
				continue
			}
			if isUnder(a.From, b.To) || isUnder(b.To, a.From) {
				drop = append(drop, a, b)
			}
		}
	}
	for _, r := range drop {
		slog.Debug("重命名相互依赖, 放弃", "from", r.From, "to", r.To)
		m.remove(r)
	}
}
