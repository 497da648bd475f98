package database

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// BucketName 是数据库中的“表名”
	BucketName = "FileSnapshots"
)

// DB 封装 BoltDB 实例
type DB struct {
	conn *bbolt.DB
}

// NewBoltDB 初始化并打开数据库
func NewBoltDB(dbPath string) (*DB, error) {
	// Timeout 选项防止两个进程同时打开同一个数据库导致死锁
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开 BoltDB 失败: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(BucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("创建 Bucket 失败: %w", err)
	}

	return &DB{conn: db}, nil
}

// Close 关闭数据库连接
func (d *DB) Close() error {
	return d.conn.Close()
}

// Get 获取单个路径的快照状态, 没有记录时返回 nil, nil
func (d *DB) Get(relPath string) (*FileState, error) {
	var state *FileState
	err := d.conn.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(BucketName)).Get([]byte(relPath))
		if v == nil {
			return nil
		}
		state = &FileState{}
		return json.Unmarshal(v, state)
	})
	if err != nil {
		return nil, fmt.Errorf("读取记录失败 key=%s: %w", relPath, err)
	}
	return state, nil
}

// Apply writes the whole batch in one bbolt transaction; either every update
// lands or none does.
func (d *DB) Apply(batch []Update) error {
	if len(batch) == 0 {
		return nil
	}
	now := time.Now().UnixNano()
	return d.conn.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketName))
		for _, u := range batch {
			if u.State == nil {
				if err := b.Delete([]byte(u.Path)); err != nil {
					return fmt.Errorf("删除记录失败 key=%s: %w", u.Path, err)
				}
				continue
			}
			state := *u.State
			state.RelPath = u.Path
			state.LastSyncTime = now
			data, err := json.Marshal(&state)
			if err != nil {
				return fmt.Errorf("序列化失败: %w", err)
			}
			if err := b.Put([]byte(u.Path), data); err != nil {
				return fmt.Errorf("写入记录失败 key=%s: %w", u.Path, err)
			}
		}
		return nil
	})
}

// ListAll 获取所有缓存的文件状态
// 在同步开始时调用，用于构建 Base 状态树
func (d *DB) ListAll() (map[string]*FileState, error) {
	result := make(map[string]*FileState)

	err := d.conn.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(BucketName)).ForEach(func(k, v []byte) error {
			var state FileState
			if err := json.Unmarshal(v, &state); err != nil {
				return fmt.Errorf("解析数据失败 key=%s: %w", string(k), err)
			}
			result[string(k)] = &state
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
