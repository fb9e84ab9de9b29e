package storage

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// NewSQLite opens a SQLite-backed alert backend. dsn may be a file path or
// an in-memory URI such as "file:alerts?mode=memory&cache=shared".
func NewSQLite(dsn string) (*Backend, error) {
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps an
	// in-memory database alive for the life of the pool.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return New(db)
}

// Open picks a backend by driver name. "memory" and "" return nil, meaning
// alerts live only in process memory.
func Open(driver, dsn string) (*Backend, error) {
	switch driver {
	case "", "memory":
		return nil, nil
	case "postgres":
		return NewPostgres(dsn)
	case "sqlite":
		return NewSQLite(dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
