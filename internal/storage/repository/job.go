// Package repository Job 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"studio-orchestrator/internal/model"
	"studio-orchestrator/internal/storage/dbutil"
)

// ============================================================================
// Job 操作
// ============================================================================

// CreateJob 创建作业及其全部门禁（同一事务）
//
// 作业行与门禁行要么全部写入，要么全不写入：
// 不存在"作业已建但门禁缺失"的中间状态。
func (s *Store) CreateJob(ctx context.Context, job *model.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := s.rebind(`
		INSERT INTO jobs (id, slug, intent, status, stage, config, operator, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	if _, err := tx.ExecContext(ctx, query,
		job.ID, job.Slug, job.Intent, job.Status, job.Stage, job.Config,
		job.Operator, job.CreatedAt, job.UpdatedAt); err != nil {
		return err
	}

	if len(job.Gates) > 0 {
		stmt, err := tx.PrepareContext(ctx, s.rebind(`
			INSERT INTO gates (job_id, stage, required, timeout_sec, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, g := range job.Gates {
			if _, err := stmt.ExecContext(ctx, job.ID, g.Stage, g.Required, g.TimeoutSec, g.CreatedAt); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// GetJob 读取作业并装配门禁与产物
//
// 作业、门禁、产物存储在三张扁平表中，这里把它们
// 重新装配为嵌套对象。不存在时返回 (nil, nil)。
func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	query := s.rebind(`SELECT id, slug, intent, status, stage, config, operator, error, created_at, updated_at
			  FROM jobs WHERE id = $1`)
	job := &model.Job{}
	var configJSON *[]byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&job.ID, &job.Slug, &job.Intent, &job.Status, &job.Stage,
		&configJSON, &job.Operator, &job.Error, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if configJSON != nil {
		job.Config = *configJSON
	}

	if job.Gates, err = s.ListGates(ctx, id); err != nil {
		return nil, err
	}
	if job.Artifacts, err = s.ListArtifacts(ctx, id); err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs 按创建时间倒序列出作业（不装配子对象）
func (s *Store) ListJobs(ctx context.Context, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.rebind(`SELECT id, slug, intent, status, stage, config, operator, error, created_at, updated_at
			  FROM jobs ORDER BY created_at DESC LIMIT $1`)
	return s.queryJobs(ctx, query, limit)
}

// ListJobsByStatus 按状态列出作业，最久未更新的在前
//
// 超时巡检用它扫描 needs_approval 的作业。
func (s *Store) ListJobsByStatus(ctx context.Context, status model.JobStatus, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.rebind(`SELECT id, slug, intent, status, stage, config, operator, error, created_at, updated_at
			  FROM jobs WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`)
	return s.queryJobs(ctx, query, status, limit)
}

// queryJobs 执行作业查询并扫描结果
func (s *Store) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job := &model.Job{}
		var configJSON *[]byte
		if err := rows.Scan(&job.ID, &job.Slug, &job.Intent, &job.Status, &job.Stage,
			&configJSON, &job.Operator, &job.Error, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, err
		}
		if configJSON != nil {
			job.Config = *configJSON
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateJobStatus 无条件更新作业状态
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status model.JobStatus, stage *model.Stage) error {
	nowExpr := s.now()

	var result sql.Result
	var err error
	if stage != nil {
		query := s.rebind(`UPDATE jobs SET status = $1, stage = $2, updated_at = ` + nowExpr + ` WHERE id = $3`)
		result, err = s.db.ExecContext(ctx, query, status, *stage, id)
	} else {
		query := s.rebind(`UPDATE jobs SET status = $1, updated_at = ` + nowExpr + ` WHERE id = $2`)
		result, err = s.db.ExecContext(ctx, query, status, id)
	}
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionJobStatus 条件状态迁移
//
// 仅当作业当前状态在 from 集合内才写入新状态。
// 并发迁移（取消 vs 推进、恢复 vs 取消）由这条 UPDATE 的
// WHERE 守卫仲裁：恰好一个成功，落败方按作业是否存在
// 收到 ErrConflict 或 ErrNotFound。
func (s *Store) TransitionJobStatus(ctx context.Context, id string, from []model.JobStatus, to model.JobStatus, stage *model.Stage) error {
	if len(from) == 0 {
		return fmt.Errorf("transition requires at least one source status")
	}

	nowExpr := s.now()
	args := []interface{}{to}
	var query string
	if stage != nil {
		args = append(args, *stage, id)
		query = `UPDATE jobs SET status = $1, stage = $2, updated_at = ` + nowExpr + ` WHERE id = $3 AND status IN (`
	} else {
		args = append(args, id)
		query = `UPDATE jobs SET status = $1, updated_at = ` + nowExpr + ` WHERE id = $2 AND status IN (`
	}
	query += dbutil.PlaceholderList(s.dialect, len(args)+1, len(from)) + `)`
	for _, st := range from {
		args = append(args, st)
	}

	result, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.jobMissOrConflict(ctx, id)
	}
	return nil
}

// SetJobError 记录作业失败原因
func (s *Store) SetJobError(ctx context.Context, id string, errMsg string) error {
	nowExpr := s.now()
	query := s.rebind(`UPDATE jobs SET error = $1, updated_at = ` + nowExpr + ` WHERE id = $2`)
	_, err := s.db.ExecContext(ctx, query, errMsg, id)
	return err
}

// DeleteJob 删除作业；门禁、产物、事件由外键级联删除
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	query := s.rebind(`DELETE FROM jobs WHERE id = $1`)
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// jobMissOrConflict 区分条件更新未命中的两种原因
func (s *Store) jobMissOrConflict(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM jobs WHERE id = $1`), id).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

// sortGates 按流水线阶段顺序排序门禁
func sortGates(gates []*model.Gate) {
	sort.Slice(gates, func(i, j int) bool {
		return model.StageIndex(gates[i].Stage) < model.StageIndex(gates[j].Stage)
	})
}
