package database

import (
	"fmt"
	"io"
)

// Store is the journal surface shared by the bbolt and sqlite backends.
type Store interface {
	io.Closer
	Get(relPath string) (*FileState, error)
	Apply(batch []Update) error
	ListAll() (map[string]*FileState, error)
}

// Open picks a backend by driver name ("bolt" or "sqlite").
func Open(driver, dbPath string) (Store, error) {
	switch driver {
	case "", "bolt":
		return NewBoltDB(dbPath)
	case "sqlite":
		return NewSQLiteDB(dbPath)
	default:
		return nil, fmt.Errorf("未知的数据库驱动: %s", driver)
	}
}
