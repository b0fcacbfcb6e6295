// Package repository Gate 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"studio-orchestrator/internal/model"
)

// ============================================================================
// Gate 操作
// ============================================================================

const gateColumns = `job_id, stage, required, approved, decided_by, notes, patch, auto_approved, timeout_sec, paused_at, decided_at, created_at`

// GetGate 读取门禁；不存在时返回 (nil, nil)
func (s *Store) GetGate(ctx context.Context, jobID string, stage model.Stage) (*model.Gate, error) {
	query := s.rebind(`SELECT ` + gateColumns + ` FROM gates WHERE job_id = $1 AND stage = $2`)
	g, err := scanGate(s.db.QueryRowContext(ctx, query, jobID, stage))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

// ListGates 按流水线阶段顺序列出作业的全部门禁
func (s *Store) ListGates(ctx context.Context, jobID string) ([]*model.Gate, error) {
	query := s.rebind(`SELECT ` + gateColumns + ` FROM gates WHERE job_id = $1`)
	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gates []*model.Gate
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, err
		}
		gates = append(gates, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortGates(gates)
	return gates, nil
}

// DecideGate 写入门禁决定，仅当门禁未决时生效
//
// WHERE approved IS NULL 是操作员批准与超时自动批准之间
// 竞态的唯一仲裁点：数据库保证恰好一个 UPDATE 命中，
// 落败方收到 ErrConflict（"门禁已决"）。
func (s *Store) DecideGate(ctx context.Context, jobID string, stage model.Stage, approved bool, by string, notes string, patch json.RawMessage, autoApproved bool) error {
	nowExpr := s.now()
	query := s.rebind(`
		UPDATE gates
		SET approved = $1, decided_by = $2, notes = $3, patch = $4, auto_approved = $5, decided_at = ` + nowExpr + `
		WHERE job_id = $6 AND stage = $7 AND approved IS NULL
	`)
	result, err := s.db.ExecContext(ctx, query, approved, by, notes, patch, autoApproved, jobID, stage)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.gateMissOrConflict(ctx, jobID, stage)
	}
	return nil
}

// RedecideGateAfterPatch 补丁生效后把已拒绝的门禁重判为批准
//
// 这是"决定不可变"的唯一例外：恢复作业时补丁已应用到产物，
// 门禁转为批准并带上补丁来源标记（decided_by = "patch"）。
// 仅对当前为拒绝态的门禁生效。
func (s *Store) RedecideGateAfterPatch(ctx context.Context, jobID string, stage model.Stage) error {
	nowExpr := s.now()
	lit := s.dialect.BooleanLiteral
	query := s.rebind(`
		UPDATE gates
		SET approved = ` + lit(true) + `, decided_by = 'patch', notes = 'patch applied', auto_approved = ` + lit(false) + `, decided_at = ` + nowExpr + `
		WHERE job_id = $1 AND stage = $2 AND approved = ` + lit(false) + `
	`)
	result, err := s.db.ExecContext(ctx, query, jobID, stage)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.gateMissOrConflict(ctx, jobID, stage)
	}
	return nil
}

// MarkGatePaused 记录作业因本门禁进入待审批的时间
//
// 只在第一次进入时写入；重复调用不覆盖已有计时起点。
func (s *Store) MarkGatePaused(ctx context.Context, jobID string, stage model.Stage, pausedAt time.Time) error {
	query := s.rebind(`UPDATE gates SET paused_at = $1 WHERE job_id = $2 AND stage = $3 AND paused_at IS NULL`)
	_, err := s.db.ExecContext(ctx, query, pausedAt, jobID, stage)
	return err
}

// gateMissOrConflict 区分门禁条件更新未命中的两种原因
func (s *Store) gateMissOrConflict(ctx context.Context, jobID string, stage model.Stage) error {
	var one int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT 1 FROM gates WHERE job_id = $1 AND stage = $2`), jobID, stage).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

// scanner 统一 QueryRow 与 Rows 的扫描入口
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanGate 从一行记录扫描门禁
func scanGate(row scanner) (*model.Gate, error) {
	g := &model.Gate{}
	var patchJSON *[]byte
	var by, notes *string
	err := row.Scan(&g.JobID, &g.Stage, &g.Required, &g.Approved, &by, &notes,
		&patchJSON, &g.AutoApproved, &g.TimeoutSec, &g.PausedAt, &g.DecidedAt, &g.CreatedAt)
	if err != nil {
		return nil, err
	}
	if by != nil {
		g.By = *by
	}
	if notes != nil {
		g.Notes = *notes
	}
	if patchJSON != nil {
		g.Patch = *patchJSON
	}
	return g, nil
}
