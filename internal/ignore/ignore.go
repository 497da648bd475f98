// Package ignore decides which paths never take part in synchronization.
package ignore

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	ig "github.com/sabhiram/go-gitignore"
)

// FileName is the per-root ignore file, read with gitignore syntax.
const FileName = ".syncignore"

// DefaultPatterns are always applied: partial downloads, conflict copies and
// the ignore file itself.
var DefaultPatterns = []string{
	".~*.part",
	"*_conflict-*",
	FileName,
	".DS_Store",
	"Thumbs.db",
}

// Policy matches slash-separated relative paths.
type Policy struct {
	matcher *ig.GitIgnore
}

// New compiles the default patterns plus extra lines.
func New(lines ...string) *Policy {
	all := make([]string, 0, len(DefaultPatterns)+len(lines))
	all = append(all, DefaultPatterns...)
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		all = append(all, l)
	}
	return &Policy{matcher: ig.CompileIgnoreLines(all...)}
}

// Load reads <root>/.syncignore if present and merges it with extra lines.
func Load(root string, extra []string) (*Policy, error) {
	data, err := os.ReadFile(filepath.Join(root, FileName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("读取 %s 失败: %w", FileName, err)
	}
	lines := append([]string{}, extra...)
	if len(data) > 0 {
		lines = append(lines, strings.Split(string(data), "\n")...)
	}
	return New(lines...), nil
}

// Match reports whether relPath, or any directory above it, is ignored.
func (p *Policy) Match(relPath string, isDir bool) bool {
	if p == nil || p.matcher == nil {
		return false
	}
	if p.matches(relPath, isDir) {
		return true
	}
	for dir := path.Dir(relPath); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if p.matches(dir, true) {
			return true
		}
	}
	return false
}

func (p *Policy) matches(relPath string, isDir bool) bool {
	if p.matcher.MatchesPath(relPath) {
		return true
	}
	return isDir && p.matcher.MatchesPath(relPath+"/")
}
