package local

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"bisync/internal/fs"
)

// Adapter 本地文件系统适配器
type Adapter struct {
	root string // 日志用的根目录描述
	bfs  billy.Filesystem
}

// NewAdapter 创建一个基于磁盘目录的本地适配器
func NewAdapter(rootDir string) *Adapter {
	return &Adapter{root: rootDir, bfs: osfs.New(rootDir)}
}

// NewAdapterFS wraps an arbitrary billy filesystem, e.g. memfs in tests.
func NewAdapterFS(name string, bfs billy.Filesystem) *Adapter {
	return &Adapter{root: name, bfs: bfs}
}

// Root 返回根目录
func (a *Adapter) Root() string {
	return a.root
}

// toSysPath 将相对路径转换为 billy 内部的绝对路径
// 输入: "docs/file.txt" -> 输出: "/docs/file.txt"
func toSysPath(relPath string) string {
	return "/" + strings.TrimPrefix(path.Clean("/"+relPath), "/")
}

// hashFile 计算文件的 xxhash 指纹
func (a *Adapter) hashFile(sysPath string) (string, error) {
	f, err := a.bfs.Open(sysPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

func (a *Adapter) meta(relPath, sysPath string, info os.FileInfo) (*fs.FileMeta, error) {
	m := &fs.FileMeta{
		RelPath: relPath,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	switch {
	case info.IsDir():
		m.Kind = fs.KindDirectory
		m.Size = 0
	case info.Mode()&os.ModeSymlink != 0:
		m.Kind = fs.KindSoftLink
		if sl, ok := a.bfs.(billy.Symlink); ok {
			target, err := sl.Readlink(sysPath)
			if err != nil {
				return nil, fmt.Errorf("readlink %s: %w", relPath, err)
			}
			m.Identity = fmt.Sprintf("%016x", xxhash.Sum64String(target))
		}
	default:
		m.Kind = fs.KindFile
		sum, err := a.hashFile(sysPath)
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", relPath, err)
		}
		m.Identity = sum
	}
	return m, nil
}

func (a *Adapter) lstat(sysPath string) (os.FileInfo, error) {
	if sl, ok := a.bfs.(billy.Symlink); ok {
		return sl.Lstat(sysPath)
	}
	return a.bfs.Stat(sysPath)
}

// Walk 递归扫描本地目录, 父目录先于子项
func (a *Adapter) Walk(ctx context.Context, poll fs.AbortPoll, visit func(*fs.FileMeta) error) error {
	return a.walkDir(ctx, poll, "", visit)
}

func (a *Adapter) walkDir(ctx context.Context, poll fs.AbortPoll, relDir string, visit func(*fs.FileMeta) error) error {
	infos, err := a.bfs.ReadDir(toSysPath(relDir))
	if err != nil {
		return fmt.Errorf("扫描目录出错 %q: %w", relDir, err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })

	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return err
		}
		if poll != nil && poll() {
			return fs.ErrWalkAborted
		}

		relPath := path.Join(relDir, info.Name())
		m, err := a.meta(relPath, toSysPath(relPath), info)
		if err != nil {
			return err
		}
		if err := visit(m); err != nil {
			return err
		}
		if m.IsDir() {
			if err := a.walkDir(ctx, poll, relPath, visit); err != nil {
				return err
			}
		}
	}
	return nil
}

// OpenStream 打开本地文件读取流
func (a *Adapter) OpenStream(_ context.Context, relPath string) (io.ReadCloser, error) {
	return a.bfs.Open(toSysPath(relPath))
}

// WriteStream 将流写入本地文件
// modTime: 用于恢复文件的修改时间，保持和云端一致
func (a *Adapter) WriteStream(_ context.Context, relPath string, stream io.Reader, _ int64, modTime time.Time) (*fs.FileMeta, error) {
	sysPath := toSysPath(relPath)

	// 1. 确保父目录存在
	if err := a.bfs.MkdirAll(path.Dir(sysPath), 0o755); err != nil {
		return nil, fmt.Errorf("创建目录失败: %w", err)
	}

	// 2. 先写临时文件, 成功后再替换目标, 避免中断时留下半个文件
	tmp := path.Join(path.Dir(sysPath), ".~"+path.Base(sysPath)+".part")
	f, err := a.bfs.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("创建文件失败: %w", err)
	}
	if _, err := io.Copy(f, stream); err != nil {
		f.Close()
		_ = a.bfs.Remove(tmp)
		return nil, fmt.Errorf("写入数据失败: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = a.bfs.Remove(tmp)
		return nil, err
	}
	if info, err := a.lstat(sysPath); err == nil && !info.IsDir() {
		_ = a.bfs.Remove(sysPath)
	}
	if err := a.bfs.Rename(tmp, sysPath); err != nil {
		_ = a.bfs.Remove(tmp)
		return nil, fmt.Errorf("替换目标文件失败: %w", err)
	}

	// 3. 恢复修改时间 (重要：双向同步依赖这个时间)
	if !modTime.IsZero() {
		if ch, ok := a.bfs.(billy.Change); ok {
			if err := ch.Chtimes(sysPath, time.Now(), modTime); err != nil {
				slog.Warn("无法修改文件时间", "path", relPath, "err", err)
			}
		}
	}

	return a.Stat(context.Background(), relPath)
}

// Mkdir 创建目录
func (a *Adapter) Mkdir(_ context.Context, relPath string) error {
	return a.bfs.MkdirAll(toSysPath(relPath), 0o755)
}

// Delete 删除本地文件; 目录只有为空时才删除, 忽略的或扫描后新建的条目不受影响
func (a *Adapter) Delete(_ context.Context, relPath string) error {
	sysPath := toSysPath(relPath)
	info, err := a.lstat(sysPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		entries, err := a.bfs.ReadDir(sysPath)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			return fmt.Errorf("%s: %w", relPath, fs.ErrDirNotEmpty)
		}
	}
	return a.bfs.Remove(sysPath)
}

// Stat 获取单个文件状态
func (a *Adapter) Stat(_ context.Context, relPath string) (*fs.FileMeta, error) {
	sysPath := toSysPath(relPath)
	info, err := a.lstat(sysPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", relPath, fs.ErrNotExist)
		}
		return nil, err
	}
	return a.meta(relPath, sysPath, info)
}

// Rename 重命名文件或目录
func (a *Adapter) Rename(_ context.Context, oldRelPath, newRelPath string) error {
	newSysPath := toSysPath(newRelPath)

	// 确保目标目录存在
	if err := a.bfs.MkdirAll(path.Dir(newSysPath), 0o755); err != nil {
		return err
	}
	return a.bfs.Rename(toSysPath(oldRelPath), newSysPath)
}
