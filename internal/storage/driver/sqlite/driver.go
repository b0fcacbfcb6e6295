// Package sqlite SQLite 数据库驱动
//
// 提供 SQLite 连接管理、方言实现和自动 Schema 迁移。
// 编排器默认使用单个 SQLite 文件作为持久层，
// 也适用于测试（:memory:）和轻量级部署场景。
package sqlite

import (
	"database/sql"
	"fmt"

	"studio-orchestrator/internal/storage/dbutil"

	_ "modernc.org/sqlite"
)

// Dialect SQLite 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverSQLite
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.StripPgCasts(dbutil.RebindToQuestion(query))
}

func (d *Dialect) CurrentTimestamp() string {
	return "datetime('now')"
}

func (d *Dialect) BooleanLiteral(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (d *Dialect) UpsertConflict(conflictColumns string, updateExprs []string) string {
	result := fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET ", conflictColumns)
	for i, expr := range updateExprs {
		if i > 0 {
			result += ", "
		}
		result += expr
	}
	return result
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Open 创建 SQLite 数据库连接
// dsn 示例: "file:orchestrator.db?cache=shared&mode=rwc" 或 ":memory:"
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// SQLite 优化设置
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	return db, nil
}

// NewDialect 创建 SQLite 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

// schema SQLite 完整建表语句（等价于 PostgreSQL 迁移文件）
const schema = `
-- jobs
CREATE TABLE IF NOT EXISTS jobs (
    id VARCHAR(64) PRIMARY KEY,
    slug VARCHAR(200) NOT NULL,
    intent TEXT NOT NULL,
    status VARCHAR(32) NOT NULL DEFAULT 'queued',
    stage VARCHAR(32) NOT NULL DEFAULT 'outline',
    config TEXT,
    operator VARCHAR(200),
    error TEXT,
    created_at DATETIME DEFAULT (datetime('now')),
    updated_at DATETIME DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

-- gates
CREATE TABLE IF NOT EXISTS gates (
    job_id VARCHAR(64) NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    stage VARCHAR(32) NOT NULL,
    required INTEGER NOT NULL DEFAULT 1,
    approved INTEGER,
    decided_by VARCHAR(200),
    notes TEXT,
    patch TEXT,
    auto_approved INTEGER NOT NULL DEFAULT 0,
    timeout_sec INTEGER NOT NULL DEFAULT 0,
    paused_at DATETIME,
    decided_at DATETIME,
    created_at DATETIME DEFAULT (datetime('now')),
    PRIMARY KEY (job_id, stage)
);

-- artifacts
CREATE TABLE IF NOT EXISTS artifacts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id VARCHAR(64) NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    stage VARCHAR(32) NOT NULL,
    kind VARCHAR(32) NOT NULL,
    path TEXT NOT NULL,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    checksum VARCHAR(64),
    meta TEXT,
    created_at DATETIME DEFAULT (datetime('now')),
    UNIQUE (job_id, stage, path)
);

-- events
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id VARCHAR(64) NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    type VARCHAR(64) NOT NULL,
    stage VARCHAR(32),
    status VARCHAR(32),
    message TEXT,
    payload TEXT,
    timestamp DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_job_ts ON events(job_id, timestamp, id);
`
