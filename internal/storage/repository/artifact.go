// Package repository Artifact 相关的存储操作
package repository

import (
	"context"

	"studio-orchestrator/internal/model"
)

// ============================================================================
// Artifact 操作
// ============================================================================

// AddArtifact 登记产物
//
// 同一 (job_id, stage, path) 重复登记时更新大小、摘要与元数据：
// 补丁改写产物文件后按原路径重新登记，走的就是这条 UPSERT。
// 写入成功后回填自增 ID。
func (s *Store) AddArtifact(ctx context.Context, artifact *model.Artifact) error {
	upsert := s.dialect.UpsertConflict("job_id, stage, path", []string{
		"kind = EXCLUDED.kind",
		"size_bytes = EXCLUDED.size_bytes",
		"checksum = EXCLUDED.checksum",
		"meta = EXCLUDED.meta",
	})
	query := s.rebind(`
		INSERT INTO artifacts (job_id, stage, kind, path, size_bytes, checksum, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		` + upsert)
	if _, err := s.db.ExecContext(ctx, query,
		artifact.JobID, artifact.Stage, artifact.Kind, artifact.Path,
		artifact.SizeBytes, artifact.Checksum, artifact.Meta, artifact.CreatedAt); err != nil {
		return err
	}

	idQuery := s.rebind(`SELECT id FROM artifacts WHERE job_id = $1 AND stage = $2 AND path = $3`)
	return s.db.QueryRowContext(ctx, idQuery, artifact.JobID, artifact.Stage, artifact.Path).Scan(&artifact.ID)
}

// ListArtifacts 列出作业的全部产物（登记顺序）
func (s *Store) ListArtifacts(ctx context.Context, jobID string) ([]*model.Artifact, error) {
	query := s.rebind(`SELECT id, job_id, stage, kind, path, size_bytes, checksum, meta, created_at
			  FROM artifacts WHERE job_id = $1 ORDER BY id ASC`)
	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []*model.Artifact
	for rows.Next() {
		a := &model.Artifact{}
		var checksum *string
		var metaJSON *[]byte
		if err := rows.Scan(&a.ID, &a.JobID, &a.Stage, &a.Kind, &a.Path,
			&a.SizeBytes, &checksum, &metaJSON, &a.CreatedAt); err != nil {
			return nil, err
		}
		if checksum != nil {
			a.Checksum = *checksum
		}
		if metaJSON != nil {
			a.Meta = *metaJSON
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}
