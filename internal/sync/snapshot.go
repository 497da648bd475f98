package sync

import (
	"sort"
	"strings"

	"bisync/internal/fs"
)

// Snapshot buffers the entries one walk produced, keeping discovery order.
type Snapshot struct {
	order   []string
	entries map[string]*fs.FileMeta
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{entries: make(map[string]*fs.FileMeta)}
}

// Add records an entry; a repeated path replaces the earlier entry.
func (s *Snapshot) Add(m *fs.FileMeta) {
	if _, ok := s.entries[m.RelPath]; !ok {
		s.order = append(s.order, m.RelPath)
	}
	s.entries[m.RelPath] = m
}

// Get returns the entry at p or nil.
func (s *Snapshot) Get(p string) *fs.FileMeta {
	if s == nil {
		return nil
	}
	return s.entries[p]
}

// Paths in discovery order.
func (s *Snapshot) Paths() []string {
	if s == nil {
		return nil
	}
	return s.order
}

// Len returns the number of entries.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// IsDir reports whether p is a directory in this snapshot.
func (s *Snapshot) IsDir(p string) bool {
	m := s.Get(p)
	return m != nil && m.IsDir()
}

// FileIdentitiesUnder returns the sorted content identities of every file
// strictly below dir.
func (s *Snapshot) FileIdentitiesUnder(dir string) []string {
	var ids []string
	prefix := dir + "/"
	for _, p := range s.order {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		if m := s.entries[p]; m.Kind == fs.KindFile {
			ids = append(ids, m.Identity)
		}
	}
	sort.Strings(ids)
	return ids
}
