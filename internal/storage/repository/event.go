// Package repository Event 相关的存储操作
package repository

import (
	"context"
	"time"

	"studio-orchestrator/internal/model"
	"studio-orchestrator/internal/storage/dbutil"
)

// ============================================================================
// Event 操作
// ============================================================================

// AddEvent 追加一条事件
//
// 事件只追加不修改。写入成功后回填自增 ID，
// (timestamp, id) 构成作业内事件的全序。
func (s *Store) AddEvent(ctx context.Context, event *model.Event) error {
	query := `
		INSERT INTO events (job_id, type, stage, status, message, payload, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	args := []interface{}{
		event.JobID, event.Type, event.Stage, event.Status, event.Message, event.Payload, event.Timestamp,
	}

	// pgx 不支持 LastInsertId，PostgreSQL 走 RETURNING
	if s.dialect.DriverType() == dbutil.DriverPostgres {
		return s.db.QueryRowContext(ctx, s.rebind(query+` RETURNING id`), args...).Scan(&event.ID)
	}

	result, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return err
	}
	if id, err := result.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

// ListEvents 按 (timestamp, id) 升序列出作业事件
//
// since 非 nil 时只返回严格晚于该时刻的事件（轮询游标语义：
// 调用方传上次看到的最大时间戳，不会重复收到同一事件）。
func (s *Store) ListEvents(ctx context.Context, jobID string, limit int, since *time.Time) ([]*model.Event, error) {
	if limit <= 0 {
		limit = 200
	}

	var query string
	var args []interface{}
	if since != nil {
		query = s.rebind(`SELECT id, job_id, type, stage, status, message, payload, timestamp
				 FROM events WHERE job_id = $1 AND timestamp > $2 ORDER BY timestamp ASC, id ASC LIMIT $3`)
		args = []interface{}{jobID, since.UTC(), limit}
	} else {
		query = s.rebind(`SELECT id, job_id, type, stage, status, message, payload, timestamp
				 FROM events WHERE job_id = $1 ORDER BY timestamp ASC, id ASC LIMIT $2`)
		args = []interface{}{jobID, limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		e := &model.Event{}
		var stage, status, message *string
		var payload *[]byte
		if err := rows.Scan(&e.ID, &e.JobID, &e.Type, &stage, &status, &message, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		if stage != nil {
			e.Stage = model.Stage(*stage)
		}
		if status != nil {
			e.Status = model.JobStatus(*status)
		}
		if message != nil {
			e.Message = *message
		}
		if payload != nil {
			e.Payload = *payload
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountEventsByJob 统计作业的事件数量
func (s *Store) CountEventsByJob(ctx context.Context, jobID string) (int, error) {
	query := s.rebind(`SELECT COUNT(1) FROM events WHERE job_id = $1`)
	var cnt int
	if err := s.db.QueryRowContext(ctx, query, jobID).Scan(&cnt); err != nil {
		return 0, err
	}
	return cnt, nil
}
