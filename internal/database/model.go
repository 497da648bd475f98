package database

import (
	"time"

	"bisync/internal/fs"
)

// FileState 代表一个路径在上次同步完成时的快照状态
// 存入数据库时会序列化为 JSON
type FileState struct {
	// 相对路径 (作为数据库的 Key，这里也存一份冗余方便反序列化)
	// 格式示例: "docs/report.pdf" (统一使用 / 作为分隔符)
	RelPath string `json:"rel_path" gorm:"primaryKey"`

	Kind fs.Kind `json:"kind"`

	// 文件大小 (字节), 存储本地明文大小
	FileSize int64 `json:"file_size"`

	// 修改时间 (Unix Nano)
	ModTime int64 `json:"mod_time"`

	// 本地内容指纹 (xxhash)
	LocalHash string `json:"local_hash"`

	// 云端内容指纹 (ETag)
	RemoteHash string `json:"remote_hash"`

	// 最后一次同步的时间 (用于调试或过期策略)
	LastSyncTime int64 `json:"last_sync_time"`
}

// IsDir reports whether the record describes a directory.
func (f *FileState) IsDir() bool {
	return f.Kind == fs.KindDirectory
}

// ModTimeAsTime 辅助方法：转为 Go Time 对象
func (f *FileState) ModTimeAsTime() time.Time {
	return time.Unix(0, f.ModTime)
}

// Update is one entry of an atomic journal batch. A nil State deletes Path.
type Update struct {
	Path  string
	State *FileState
}

// Put returns an update that stores s under its own path.
func Put(s *FileState) Update {
	return Update{Path: s.RelPath, State: s}
}

// Forget returns an update that deletes the record for path.
func Forget(path string) Update {
	return Update{Path: path}
}
