// Package job 作业接口单元测试
//
// 使用 mock 的存储与编排接口测试 HTTP 层：参数校验、
// 路由绑定与领域错误到状态码的映射。状态机本身的行为
// 由 orchestrator 包的集成测试覆盖。
package job

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studio-orchestrator/internal/model"
	"studio-orchestrator/internal/orchestrator"
	"studio-orchestrator/internal/storage"
)

// mockStore 实现 JobStore
type mockStore struct {
	jobs      map[string]*model.Job
	artifacts map[string][]*model.Artifact
	failWith  error
}

func newMockStore() *mockStore {
	return &mockStore{
		jobs:      make(map[string]*model.Job),
		artifacts: make(map[string][]*model.Artifact),
	}
}

func (m *mockStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	return m.jobs[id], nil
}

func (m *mockStore) ListJobs(ctx context.Context, limit int) ([]*model.Job, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	var jobs []*model.Job
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (m *mockStore) ListArtifacts(ctx context.Context, jobID string) ([]*model.Artifact, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	return m.artifacts[jobID], nil
}

// mockOrch 实现 JobOrchestrator，记录调用并返回注入的错误
type mockOrch struct {
	failWith error
	calls    []string

	createdParams orchestrator.CreateJobParams
	lastStage     model.Stage
	lastPatch     json.RawMessage
}

func (m *mockOrch) CreateJob(ctx context.Context, params orchestrator.CreateJobParams) (*model.Job, error) {
	m.calls = append(m.calls, "create")
	m.createdParams = params
	if m.failWith != nil {
		return nil, m.failWith
	}
	return &model.Job{
		ID:     "job-123",
		Slug:   params.Slug,
		Intent: params.Intent,
		Status: model.JobStatusQueued,
		Stage:  model.StageOutline,
	}, nil
}

func (m *mockOrch) StartJob(ctx context.Context, id string) error {
	m.calls = append(m.calls, "start:"+id)
	return m.failWith
}

func (m *mockOrch) ApproveGate(ctx context.Context, id string, stage model.Stage, operator, notes string) error {
	m.calls = append(m.calls, "approve:"+id)
	m.lastStage = stage
	return m.failWith
}

func (m *mockOrch) RejectGate(ctx context.Context, id string, stage model.Stage, operator, notes string, patch json.RawMessage) error {
	m.calls = append(m.calls, "reject:"+id)
	m.lastStage = stage
	m.lastPatch = patch
	return m.failWith
}

func (m *mockOrch) ResumeJob(ctx context.Context, id string) error {
	m.calls = append(m.calls, "resume:"+id)
	return m.failWith
}

func (m *mockOrch) CancelJob(ctx context.Context, id string) error {
	m.calls = append(m.calls, "cancel:"+id)
	return m.failWith
}

func (m *mockOrch) DeleteJob(ctx context.Context, id string) error {
	m.calls = append(m.calls, "delete:"+id)
	return m.failWith
}

// newTestRouter 组装带路由的处理器
func newTestRouter(store *mockStore, orch *mockOrch) http.Handler {
	mux := http.NewServeMux()
	NewHandlerWithInterfaces(store, orch).RegisterRoutes(mux)
	return mux
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// errorKind 解析错误响应体里的稳定错误种类
func errorKind(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["message"])
	return body["error"]
}

// ============================================================================
// 创建与查询
// ============================================================================

func TestCreateJob(t *testing.T) {
	store, orch := newMockStore(), &mockOrch{}
	h := newTestRouter(store, orch)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
		"slug":   "spring-launch-teaser",
		"intent": "30s teaser",
		"gates":  []map[string]interface{}{{"stage": "script", "required": true, "timeout_sec": 600}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var job model.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "job-123", job.ID)
	assert.Equal(t, model.JobStatusQueued, job.Status)

	// 门禁策略原样传递给编排器
	require.Len(t, orch.createdParams.Gates, 1)
	assert.Equal(t, model.StageScript, orch.createdParams.Gates[0].Stage)
	assert.Equal(t, 600, orch.createdParams.Gates[0].TimeoutSec)
}

func TestCreateJobValidation(t *testing.T) {
	h := newTestRouter(newMockStore(), &mockOrch{})

	rec := doJSON(t, h, http.MethodPost, "/api/v1/jobs", map[string]string{"intent": "no slug"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", errorKind(t, rec))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewBufferString("{broken"))
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestGetJob(t *testing.T) {
	store := newMockStore()
	store.jobs["job-1"] = &model.Job{ID: "job-1", Slug: "demo", Status: model.JobStatusRunning, Stage: model.StageScript}
	h := newTestRouter(store, &mockOrch{})

	rec := doJSON(t, h, http.MethodGet, "/api/v1/jobs/job-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var job model.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, model.StageScript, job.Stage)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorKind(t, rec))
}

func TestListJobs(t *testing.T) {
	store := newMockStore()
	store.jobs["a"] = &model.Job{ID: "a"}
	store.jobs["b"] = &model.Job{ID: "b"}
	h := newTestRouter(store, &mockOrch{})

	rec := doJSON(t, h, http.MethodGet, "/api/v1/jobs?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
}

// ============================================================================
// 生命周期操作与错误映射
// ============================================================================

func TestStartJob(t *testing.T) {
	orch := &mockOrch{}
	h := newTestRouter(newMockStore(), orch)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/jobs/job-1/start", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, orch.calls, "start:job-1")
}

func TestDomainErrorMapping(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantCode int
		wantKind string
	}{
		{"not_found", storage.ErrNotFound, http.StatusNotFound, "not_found"},
		{"conflict", fmt.Errorf("%w: job is running", storage.ErrConflict), http.StatusConflict, "conflict"},
		{"invalid_patch", fmt.Errorf("%w: type=%q stage=%q", model.ErrUnknownPatch, "beat_durations", "script"), http.StatusBadRequest, "invalid_patch"},
		{"internal", fmt.Errorf("disk on fire"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestRouter(newMockStore(), &mockOrch{failWith: tc.err})
			rec := doJSON(t, h, http.MethodPost, "/api/v1/jobs/job-1/start", nil)
			assert.Equal(t, tc.wantCode, rec.Code)
			assert.Equal(t, tc.wantKind, errorKind(t, rec))
		})
	}
}

func TestApproveGate(t *testing.T) {
	orch := &mockOrch{}
	h := newTestRouter(newMockStore(), orch)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/jobs/job-1/approve", map[string]string{
		"stage": "script", "operator": "qa", "notes": "looks good",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.StageScript, orch.lastStage)

	// stage 与 operator 必填
	rec = doJSON(t, h, http.MethodPost, "/api/v1/jobs/job-1/approve", map[string]string{"stage": "script"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doJSON(t, h, http.MethodPost, "/api/v1/jobs/job-1/approve", map[string]string{"operator": "qa"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApproveGateConflict(t *testing.T) {
	orch := &mockOrch{failWith: fmt.Errorf("%w: gate already decided", storage.ErrConflict)}
	h := newTestRouter(newMockStore(), orch)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/jobs/job-1/approve", map[string]string{
		"stage": "script", "operator": "late-operator",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", errorKind(t, rec))
}

func TestRejectGateWithPatch(t *testing.T) {
	orch := &mockOrch{}
	h := newTestRouter(newMockStore(), orch)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/jobs/job-1/reject", map[string]interface{}{
		"stage":    "script",
		"operator": "editor",
		"patch":    map[string]string{"type": "text_replace", "find": "old", "replace": "new"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"type":"text_replace","find":"old","replace":"new"}`, string(orch.lastPatch))
}

func TestRejectGateInvalidPatch(t *testing.T) {
	orch := &mockOrch{failWith: fmt.Errorf("%w: type=%q stage=%q", model.ErrUnknownPatch, "level_adjust", "script")}
	h := newTestRouter(newMockStore(), orch)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/jobs/job-1/reject", map[string]interface{}{
		"stage": "script", "operator": "editor",
		"patch": map[string]interface{}{"type": "level_adjust", "gain_db": -3},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_patch", errorKind(t, rec))
}

func TestResumeCancelDelete(t *testing.T) {
	orch := &mockOrch{}
	h := newTestRouter(newMockStore(), orch)

	assert.Equal(t, http.StatusOK, doJSON(t, h, http.MethodPost, "/api/v1/jobs/job-1/resume", nil).Code)
	assert.Equal(t, http.StatusOK, doJSON(t, h, http.MethodPost, "/api/v1/jobs/job-1/cancel", nil).Code)
	assert.Equal(t, http.StatusNoContent, doJSON(t, h, http.MethodDelete, "/api/v1/jobs/job-1", nil).Code)
	assert.Equal(t, []string{"resume:job-1", "cancel:job-1", "delete:job-1"}, orch.calls)
}

// ============================================================================
// 门禁状态与产物
// ============================================================================

func TestGateStatus(t *testing.T) {
	approved := true
	store := newMockStore()
	store.jobs["job-1"] = &model.Job{
		ID:     "job-1",
		Status: model.JobStatusNeedsApproval,
		Stage:  model.StageScript,
		Gates: []*model.Gate{
			{JobID: "job-1", Stage: model.StageScript, Required: true},
			{JobID: "job-1", Stage: model.StageAudio, Required: true, Approved: &approved},
		},
	}
	h := newTestRouter(store, &mockOrch{})

	rec := doJSON(t, h, http.MethodGet, "/api/v1/jobs/job-1/gates/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		JobID      string        `json:"job_id"`
		Status     string        `json:"status"`
		Stage      string        `json:"stage"`
		ActiveGate *model.Gate   `json:"active_gate"`
		Gates      []*model.Gate `json:"gates"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "needs_approval", body.Status)
	require.NotNil(t, body.ActiveGate)
	assert.Equal(t, model.StageScript, body.ActiveGate.Stage)
	assert.Len(t, body.Gates, 2)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/jobs/nope/gates/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestArtifacts(t *testing.T) {
	store := newMockStore()
	store.jobs["job-1"] = &model.Job{ID: "job-1"}
	store.artifacts["job-1"] = []*model.Artifact{
		{JobID: "job-1", Stage: model.StageScript, Kind: model.ArtifactKindScript, Path: "/data/jobs/job-1/script/script.md"},
	}
	h := newTestRouter(store, &mockOrch{})

	rec := doJSON(t, h, http.MethodGet, "/api/v1/jobs/job-1/artifacts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Count     int               `json:"count"`
		Artifacts []*model.Artifact `json:"artifacts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, model.ArtifactKindScript, body.Artifacts[0].Kind)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/jobs/nope/artifacts", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
