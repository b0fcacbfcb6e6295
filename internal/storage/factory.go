// Package storage 存储工厂
//
// 根据配置的驱动类型和 DSN 创建持久化存储实例。
// 默认驱动是 SQLite：单个数据库文件即是编排器的全部持久状态。
package storage

import (
	"fmt"

	"studio-orchestrator/internal/storage/dbutil"
	postgresdriver "studio-orchestrator/internal/storage/driver/postgres"
	sqlitedriver "studio-orchestrator/internal/storage/driver/sqlite"
	"studio-orchestrator/internal/storage/repository"
)

// RepositoryStore 是 repository.Store 的类型别名
type RepositoryStore = repository.Store

// NewSQLiteStore 创建 SQLite 存储（含自动建表）
func NewSQLiteStore(dsn string) (*RepositoryStore, error) {
	db, err := sqlitedriver.Open(dsn)
	if err != nil {
		return nil, err
	}
	dialect := sqlitedriver.NewDialect()
	if err := dialect.AutoMigrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite auto-migrate failed: %w", err)
	}
	return repository.NewStore(db, dialect), nil
}

// NewPostgresStore 创建 PostgreSQL 存储（Schema 由外部迁移文件管理）
func NewPostgresStore(databaseURL string) (*RepositoryStore, error) {
	db, err := postgresdriver.Open(databaseURL)
	if err != nil {
		return nil, err
	}
	return repository.NewStore(db, postgresdriver.NewDialect()), nil
}

// NewPersistentStoreFromDSN 根据驱动类型和 DSN 创建持久化存储
// 支持的驱动类型：sqlite, postgres
func NewPersistentStoreFromDSN(driver dbutil.DriverType, dsn string) (PersistentStore, error) {
	switch driver {
	case dbutil.DriverSQLite:
		return NewSQLiteStore(dsn)
	case dbutil.DriverPostgres:
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}
