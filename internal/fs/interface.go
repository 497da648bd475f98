package fs

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotExist is returned (wrapped) by Stat when the path is absent.
var ErrNotExist = errors.New("file does not exist")

// ErrDirNotEmpty is returned (wrapped) by Delete for a folder that still has
// entries. Folders are never removed recursively.
var ErrDirNotEmpty = errors.New("directory not empty")

// Kind 条目类型
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
	KindSoftLink
)

func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "dir"
	case KindSoftLink:
		return "symlink"
	default:
		return "file"
	}
}

// FileMeta 文件元数据
type FileMeta struct {
	RelPath  string    // 相对路径 (统一使用 "/" 作为分隔符)
	Size     int64     // 文件大小
	ModTime  time.Time // 修改时间
	Kind     Kind
	Identity string // content fingerprint; empty for directories
}

// IsDir reports whether the entry is a directory.
func (m *FileMeta) IsDir() bool {
	return m.Kind == KindDirectory
}

// AbortPoll is invoked by walkers at least once per entry; a true result
// stops the walk early.
type AbortPoll func() bool

// ErrWalkAborted is returned by Walk when AbortPoll asked it to stop.
var ErrWalkAborted = errors.New("walk aborted")

// FileSystem 是对 Local 和 Remote 的统一抽象
type FileSystem interface {
	// Root 返回该文件系统的根路径 (用于日志或调试)
	Root() string

	// Walk visits every entry below the root, parents before children.
	Walk(ctx context.Context, poll AbortPoll, visit func(*FileMeta) error) error

	// OpenStream 打开文件流 (用于读取数据)
	OpenStream(ctx context.Context, relPath string) (io.ReadCloser, error)

	// WriteStream 写入文件流, creating parent directories, and returns the
	// metadata of what was stored. size is the stream length, -1 if unknown.
	WriteStream(ctx context.Context, relPath string, stream io.Reader, size int64, modTime time.Time) (*FileMeta, error)

	// Mkdir creates a directory and any missing parents.
	Mkdir(ctx context.Context, relPath string) error

	// Delete removes a file, or a folder that is already empty.
	Delete(ctx context.Context, relPath string) error

	// Stat 获取单个文件信息
	Stat(ctx context.Context, relPath string) (*FileMeta, error)

	Rename(ctx context.Context, oldRelPath, newRelPath string) error
}
