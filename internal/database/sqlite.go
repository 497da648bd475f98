package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLDB stores the journal in a sqlite file through gorm. It satisfies the
// same contract as DB.
type SQLDB struct {
	conn *gorm.DB
}

// NewSQLiteDB opens (or creates) the sqlite journal at dbPath.
func NewSQLiteDB(dbPath string) (*SQLDB, error) {
	conn, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("打开 sqlite 失败: %w", err)
	}
	if err := conn.AutoMigrate(&FileState{}); err != nil {
		return nil, fmt.Errorf("迁移表结构失败: %w", err)
	}
	return &SQLDB{conn: conn}, nil
}

// Close 关闭数据库连接
func (d *SQLDB) Close() error {
	sqlDB, err := d.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Get 获取单个路径的快照状态, 没有记录时返回 nil, nil
func (d *SQLDB) Get(relPath string) (*FileState, error) {
	var state FileState
	err := d.conn.Where("rel_path = ?", relPath).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取记录失败 key=%s: %w", relPath, err)
	}
	return &state, nil
}

// Apply writes the batch inside a single transaction.
func (d *SQLDB) Apply(batch []Update) error {
	if len(batch) == 0 {
		return nil
	}
	now := time.Now().UnixNano()
	return d.conn.Transaction(func(tx *gorm.DB) error {
		for _, u := range batch {
			if u.State == nil {
				if err := tx.Where("rel_path = ?", u.Path).Delete(&FileState{}).Error; err != nil {
					return fmt.Errorf("删除记录失败 key=%s: %w", u.Path, err)
				}
				continue
			}
			state := *u.State
			state.RelPath = u.Path
			state.LastSyncTime = now
			if err := tx.Save(&state).Error; err != nil {
				return fmt.Errorf("写入记录失败 key=%s: %w", u.Path, err)
			}
		}
		return nil
	})
}

// ListAll 获取所有缓存的文件状态
func (d *SQLDB) ListAll() (map[string]*FileState, error) {
	var states []FileState
	if err := d.conn.Find(&states).Error; err != nil {
		return nil, fmt.Errorf("读取全部记录失败: %w", err)
	}
	result := make(map[string]*FileState, len(states))
	for i := range states {
		result[states[i].RelPath] = &states[i]
	}
	return result, nil
}
