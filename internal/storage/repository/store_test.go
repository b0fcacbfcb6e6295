// Package repository SQLite 集成测试
//
// 使用 SQLite 内存数据库验证 repository 层所有存储接口的正确性。
// 无需外部数据库依赖，可在任何环境下运行。
package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"studio-orchestrator/internal/model"
	"studio-orchestrator/internal/storage/dbutil"
	sqlitedriver "studio-orchestrator/internal/storage/driver/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore 创建用于测试的 SQLite 内存数据库 Store
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })
	return store
}

// newTestJob 创建一个带门禁的测试作业
func newTestJob(t *testing.T, s *Store, id string) *model.Job {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	job := &model.Job{
		ID:     id,
		Slug:   "demo",
		Intent: "test",
		Status: model.JobStatusQueued,
		Stage:  model.StageOutline,
		Config: json.RawMessage(`{"style":"teaser"}`),
		Gates: []*model.Gate{
			{JobID: id, Stage: model.StageScript, Required: true, TimeoutSec: 600, CreatedAt: now},
			{JobID: id, Stage: model.StageAudio, Required: false, CreatedAt: now},
		},
		Operator:  "producer",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

// ============================================================================
// Dialect 基础测试
// ============================================================================

func TestDialectTypes(t *testing.T) {
	d := sqlitedriver.NewDialect()
	assert.Equal(t, dbutil.DriverSQLite, d.DriverType())
	assert.Equal(t, "datetime('now')", d.CurrentTimestamp())
	assert.Equal(t, "1", d.BooleanLiteral(true))
	assert.Equal(t, "0", d.BooleanLiteral(false))
}

func TestRebind(t *testing.T) {
	d := sqlitedriver.NewDialect()
	assert.Equal(t, "SELECT * FROM t WHERE id = ? AND name = ?",
		d.Rebind("SELECT * FROM t WHERE id = $1 AND name = $2"))
	// 应去除 PG 类型转换
	assert.Equal(t, "UPDATE t SET status = ? WHERE id = ?",
		d.Rebind("UPDATE t SET status = $1::varchar WHERE id = $2"))
}

// ============================================================================
// Job 测试
// ============================================================================

func TestJobCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := newTestJob(t, s, "job-001")

	// Get：装配门禁与产物
	got, err := s.GetJob(ctx, "job-001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "demo", got.Slug)
	assert.Equal(t, model.JobStatusQueued, got.Status)
	assert.Equal(t, model.StageOutline, got.Stage)
	assert.JSONEq(t, `{"style":"teaser"}`, string(got.Config))
	require.Len(t, got.Gates, 2)
	// 门禁按阶段顺序返回：script 在 audio 之前
	assert.Equal(t, model.StageScript, got.Gates[0].Stage)
	assert.Equal(t, model.StageAudio, got.Gates[1].Stage)
	assert.True(t, got.Gates[0].Required)
	assert.Equal(t, 600, got.Gates[0].TimeoutSec)
	assert.Len(t, got.Artifacts, 0)

	// Get not found
	got, err = s.GetJob(ctx, "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, got)

	// List
	jobs, err := s.ListJobs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	// ListByStatus
	jobs, err = s.ListJobsByStatus(ctx, model.JobStatusQueued, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	jobs, err = s.ListJobsByStatus(ctx, model.JobStatusRunning, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 0)

	// 无条件状态更新（带阶段）
	stage := model.StageScript
	require.NoError(t, s.UpdateJobStatus(ctx, "job-001", model.JobStatusRunning, &stage))
	got, _ = s.GetJob(ctx, "job-001")
	assert.Equal(t, model.JobStatusRunning, got.Status)
	assert.Equal(t, model.StageScript, got.Stage)

	// 更新不存在的作业
	err = s.UpdateJobStatus(ctx, "nonexistent", model.JobStatusRunning, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	// SetJobError
	require.NoError(t, s.SetJobError(ctx, "job-001", "renderer exploded"))
	got, _ = s.GetJob(ctx, "job-001")
	require.NotNil(t, got.Error)
	assert.Equal(t, "renderer exploded", *got.Error)

	// Delete：级联删除门禁
	require.NoError(t, s.DeleteJob(ctx, "job-001"))
	got, _ = s.GetJob(ctx, "job-001")
	assert.Nil(t, got)
	gates, err := s.ListGates(ctx, "job-001")
	require.NoError(t, err)
	assert.Len(t, gates, 0)

	// Delete not found
	assert.ErrorIs(t, s.DeleteJob(ctx, "job-001"), ErrNotFound)
	_ = job
}

func TestTransitionJobStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	newTestJob(t, s, "job-tr")

	// queued → running 合法
	require.NoError(t, s.TransitionJobStatus(ctx, "job-tr",
		[]model.JobStatus{model.JobStatusQueued}, model.JobStatusRunning, nil))

	// 再次 queued → running：当前已是 running，守卫未命中
	err := s.TransitionJobStatus(ctx, "job-tr",
		[]model.JobStatus{model.JobStatusQueued}, model.JobStatusRunning, nil)
	assert.ErrorIs(t, err, ErrConflict)

	// 不存在的作业
	err = s.TransitionJobStatus(ctx, "nonexistent",
		[]model.JobStatus{model.JobStatusQueued}, model.JobStatusRunning, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	// 多源状态 + 阶段推进：running/needs_approval → canceled
	stage := model.StageResearch
	require.NoError(t, s.TransitionJobStatus(ctx, "job-tr",
		[]model.JobStatus{model.JobStatusRunning, model.JobStatusNeedsApproval},
		model.JobStatusCanceled, &stage))

	got, _ := s.GetJob(ctx, "job-tr")
	assert.Equal(t, model.JobStatusCanceled, got.Status)
	assert.Equal(t, model.StageResearch, got.Stage)

	// 终态后再取消：守卫拒绝
	err = s.TransitionJobStatus(ctx, "job-tr",
		[]model.JobStatus{model.JobStatusQueued, model.JobStatusRunning, model.JobStatusNeedsApproval, model.JobStatusPaused},
		model.JobStatusCanceled, nil)
	assert.ErrorIs(t, err, ErrConflict)
}

// ============================================================================
// Gate 测试
// ============================================================================

func TestGateDecide(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	newTestJob(t, s, "job-g1")

	// 初始未决
	g, err := s.GetGate(ctx, "job-g1", model.StageScript)
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.False(t, g.IsDecided())
	assert.True(t, g.Blocks())

	// 记录暂停时间
	pausedAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.MarkGatePaused(ctx, "job-g1", model.StageScript, pausedAt))
	g, _ = s.GetGate(ctx, "job-g1", model.StageScript)
	require.NotNil(t, g.PausedAt)

	// 重复标记不覆盖计时起点
	require.NoError(t, s.MarkGatePaused(ctx, "job-g1", model.StageScript, pausedAt.Add(time.Hour)))
	g, _ = s.GetGate(ctx, "job-g1", model.StageScript)
	assert.Equal(t, pausedAt, g.PausedAt.UTC().Truncate(time.Second))

	// 批准
	require.NoError(t, s.DecideGate(ctx, "job-g1", model.StageScript, true, "qa", "looks good", nil, false))
	g, _ = s.GetGate(ctx, "job-g1", model.StageScript)
	require.NotNil(t, g.Approved)
	assert.True(t, *g.Approved)
	assert.Equal(t, "qa", g.By)
	assert.Equal(t, "looks good", g.Notes)
	assert.False(t, g.AutoApproved)
	require.NotNil(t, g.DecidedAt)

	// 已决门禁再决：冲突（竞态仲裁的落败方路径）
	err = s.DecideGate(ctx, "job-g1", model.StageScript, false, "late-operator", "", nil, false)
	assert.ErrorIs(t, err, ErrConflict)

	// 不存在的门禁
	err = s.DecideGate(ctx, "job-g1", model.StageOutline, true, "qa", "", nil, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGateDecide_RaceExactlyOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	newTestJob(t, s, "job-g2")

	// 模拟操作员批准与超时自动批准并发写入：
	// 顺序到达存储，第一个命中守卫，第二个收到冲突
	err1 := s.DecideGate(ctx, "job-g2", model.StageScript, true, "operator", "", nil, false)
	err2 := s.DecideGate(ctx, "job-g2", model.StageScript, true, "watchdog", "", nil, true)

	require.NoError(t, err1)
	assert.ErrorIs(t, err2, ErrConflict)

	// 存储里只有第一个写入
	g, _ := s.GetGate(ctx, "job-g2", model.StageScript)
	assert.Equal(t, "operator", g.By)
	assert.False(t, g.AutoApproved)
}

func TestGateRejectWithPatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	newTestJob(t, s, "job-g3")

	patch := json.RawMessage(`{"type":"text_replace","find":"旧","replace":"新"}`)
	require.NoError(t, s.DecideGate(ctx, "job-g3", model.StageScript, false, "editor", "needs rework", patch, false))

	g, _ := s.GetGate(ctx, "job-g3", model.StageScript)
	require.NotNil(t, g.Approved)
	assert.False(t, *g.Approved)
	assert.True(t, g.IsRejected())
	assert.JSONEq(t, string(patch), string(g.Patch))

	// 补丁生效后重判为批准
	require.NoError(t, s.RedecideGateAfterPatch(ctx, "job-g3", model.StageScript))
	g, _ = s.GetGate(ctx, "job-g3", model.StageScript)
	require.NotNil(t, g.Approved)
	assert.True(t, *g.Approved)
	assert.Equal(t, "patch", g.By)
	assert.Equal(t, "patch applied", g.Notes)
	assert.False(t, g.AutoApproved)

	// 已批准的门禁不能再重判
	assert.ErrorIs(t, s.RedecideGateAfterPatch(ctx, "job-g3", model.StageScript), ErrConflict)

	// 未决门禁不能重判
	newTestJob(t, s, "job-g4")
	assert.ErrorIs(t, s.RedecideGateAfterPatch(ctx, "job-g4", model.StageScript), ErrConflict)
}

// ============================================================================
// Artifact 测试
// ============================================================================

func TestArtifactUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	newTestJob(t, s, "job-a1")
	now := time.Now().UTC().Truncate(time.Second)

	a := &model.Artifact{
		JobID:     "job-a1",
		Stage:     model.StageScript,
		Kind:      model.ArtifactKindScript,
		Path:      "/data/jobs/job-a1/script/script.md",
		SizeBytes: 1024,
		Checksum:  "abc123",
		CreatedAt: now,
	}
	require.NoError(t, s.AddArtifact(ctx, a))
	assert.NotZero(t, a.ID)

	// 同路径重新登记（补丁改写后）：更新而非新增
	a2 := &model.Artifact{
		JobID:     "job-a1",
		Stage:     model.StageScript,
		Kind:      model.ArtifactKindScript,
		Path:      "/data/jobs/job-a1/script/script.md",
		SizeBytes: 2048,
		Checksum:  "def456",
		Meta:      json.RawMessage(`{"patched":true}`),
		CreatedAt: now,
	}
	require.NoError(t, s.AddArtifact(ctx, a2))
	assert.Equal(t, a.ID, a2.ID)

	artifacts, err := s.ListArtifacts(ctx, "job-a1")
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, int64(2048), artifacts[0].SizeBytes)
	assert.Equal(t, "def456", artifacts[0].Checksum)
	assert.JSONEq(t, `{"patched":true}`, string(artifacts[0].Meta))

	// 不同阶段同名文件是独立产物
	a3 := &model.Artifact{
		JobID: "job-a1", Stage: model.StageOutline, Kind: model.ArtifactKindText,
		Path: "/data/jobs/job-a1/outline/script.md", SizeBytes: 10, CreatedAt: now,
	}
	require.NoError(t, s.AddArtifact(ctx, a3))
	artifacts, _ = s.ListArtifacts(ctx, "job-a1")
	assert.Len(t, artifacts, 2)
}

// ============================================================================
// Event 测试
// ============================================================================

func TestEventAppendAndCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	newTestJob(t, s, "job-e1")
	base := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 5; i++ {
		ev := &model.Event{
			JobID:     "job-e1",
			Type:      model.EventTypeStageStarted,
			Stage:     model.StageOutline,
			Status:    model.JobStatusRunning,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.AddEvent(ctx, ev))
		assert.NotZero(t, ev.ID)
	}

	// 全量：升序
	events, err := s.ListEvents(ctx, "job-e1", 100, nil)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i := 1; i < len(events); i++ {
		assert.True(t, !events[i].Timestamp.Before(events[i-1].Timestamp))
		assert.Greater(t, events[i].ID, events[i-1].ID)
	}

	// limit 生效
	events, err = s.ListEvents(ctx, "job-e1", 2, nil)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	// since 游标：严格晚于，不含游标本身
	cursor := base.Add(2 * time.Second)
	events, err = s.ListEvents(ctx, "job-e1", 100, &cursor)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.True(t, ev.Timestamp.After(cursor))
	}

	// Count
	cnt, err := s.CountEventsByJob(ctx, "job-e1")
	require.NoError(t, err)
	assert.Equal(t, 5, cnt)

	// payload 往返
	ev := &model.Event{
		JobID:     "job-e1",
		Type:      model.EventTypeGateApproved,
		Stage:     model.StageScript,
		Status:    model.JobStatusRunning,
		Message:   "approved by qa",
		Payload:   json.RawMessage(`{"operator":"qa"}`),
		Timestamp: base.Add(10 * time.Second),
	}
	require.NoError(t, s.AddEvent(ctx, ev))
	events, _ = s.ListEvents(ctx, "job-e1", 100, nil)
	last := events[len(events)-1]
	assert.Equal(t, model.EventTypeGateApproved, last.Type)
	assert.Equal(t, "approved by qa", last.Message)
	assert.JSONEq(t, `{"operator":"qa"}`, string(last.Payload))
}

func TestEventCascadeDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	newTestJob(t, s, "job-e2")
	require.NoError(t, s.AddEvent(ctx, &model.Event{
		JobID: "job-e2", Type: model.EventTypeJobCreated,
		Status: model.JobStatusQueued, Timestamp: time.Now().UTC(),
	}))

	require.NoError(t, s.DeleteJob(ctx, "job-e2"))

	cnt, err := s.CountEventsByJob(ctx, "job-e2")
	require.NoError(t, err)
	assert.Equal(t, 0, cnt)
}

// ============================================================================
// 事务原子性测试
// ============================================================================

func TestCreateJobAtomicity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	job := &model.Job{
		ID: "job-tx", Slug: "tx", Intent: "atomicity",
		Status: model.JobStatusQueued, Stage: model.StageOutline,
		CreatedAt: now, UpdatedAt: now,
		Gates: []*model.Gate{
			{JobID: "job-tx", Stage: model.StageScript, Required: true, CreatedAt: now},
			// 重复阶段触发主键冲突，整个事务必须回滚
			{JobID: "job-tx", Stage: model.StageScript, Required: false, CreatedAt: now},
		},
	}
	err := s.CreateJob(ctx, job)
	require.Error(t, err)

	// 作业行不应存在
	got, err := s.GetJob(ctx, "job-tx")
	require.NoError(t, err)
	assert.Nil(t, got)
}
