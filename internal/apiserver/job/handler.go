// Package job 作业领域 - HTTP 处理
//
// 本文件实现作业编排相关的 API 端点：
//   - 作业创建、查询、启动、取消、删除
//   - 门禁审批（批准 / 拒绝附补丁 / 恢复）
//   - 门禁状态与产物列表查询
package job

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"studio-orchestrator/internal/model"
	"studio-orchestrator/internal/orchestrator"
	"studio-orchestrator/internal/storage"
)

// JobStore 定义 job handler 需要的读取接口（用于测试 mock）
type JobStore interface {
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, limit int) ([]*model.Job, error)
	ListArtifacts(ctx context.Context, jobID string) ([]*model.Artifact, error)
}

// JobOrchestrator 定义 job handler 需要的编排接口
type JobOrchestrator interface {
	CreateJob(ctx context.Context, params orchestrator.CreateJobParams) (*model.Job, error)
	StartJob(ctx context.Context, id string) error
	ApproveGate(ctx context.Context, id string, stage model.Stage, operator, notes string) error
	RejectGate(ctx context.Context, id string, stage model.Stage, operator, notes string, patch json.RawMessage) error
	ResumeJob(ctx context.Context, id string) error
	CancelJob(ctx context.Context, id string) error
	DeleteJob(ctx context.Context, id string) error
}

// Handler 作业领域 HTTP 处理器
type Handler struct {
	store JobStore
	orch  JobOrchestrator
}

// NewHandler 创建作业处理器
func NewHandler(store storage.PersistentStore, orch *orchestrator.Orchestrator) *Handler {
	return &Handler{store: store, orch: orch}
}

// NewHandlerWithInterfaces 使用接口创建处理器（用于测试）
func NewHandlerWithInterfaces(store JobStore, orch JobOrchestrator) *Handler {
	return &Handler{store: store, orch: orch}
}

// RegisterRoutes 注册作业相关路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/jobs", h.Create)
	mux.HandleFunc("GET /api/v1/jobs", h.List)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.Get)
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", h.Delete)
	mux.HandleFunc("POST /api/v1/jobs/{id}/start", h.Start)
	mux.HandleFunc("POST /api/v1/jobs/{id}/approve", h.Approve)
	mux.HandleFunc("POST /api/v1/jobs/{id}/reject", h.Reject)
	mux.HandleFunc("POST /api/v1/jobs/{id}/resume", h.Resume)
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", h.Cancel)
	mux.HandleFunc("GET /api/v1/jobs/{id}/gates/status", h.GateStatus)
	mux.HandleFunc("GET /api/v1/jobs/{id}/artifacts", h.Artifacts)
}

// ============================================================================
// 请求结构体
// ============================================================================

type createJobRequest struct {
	Slug     string             `json:"slug"`
	Intent   string             `json:"intent"`
	Operator string             `json:"operator,omitempty"`
	Config   json.RawMessage    `json:"config,omitempty"`
	Gates    []model.GatePolicy `json:"gates,omitempty"`
}

type gateDecisionRequest struct {
	Stage    model.Stage     `json:"stage"`
	Operator string          `json:"operator"`
	Notes    string          `json:"notes,omitempty"`
	Patch    json.RawMessage `json:"patch,omitempty"`
}

// ============================================================================
// 作业接口
// ============================================================================

// Create 创建作业
// POST /api/v1/jobs
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Slug == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "slug is required")
		return
	}

	job, err := h.orch.CreateJob(r.Context(), orchestrator.CreateJobParams{
		Slug:     req.Slug,
		Intent:   req.Intent,
		Operator: req.Operator,
		Config:   req.Config,
		Gates:    req.Gates,
	})
	if err != nil {
		log.Printf("[job.create.failed] slug=%s error=%v", req.Slug, err)
		writeDomainError(w, err)
		return
	}

	log.Printf("[job.create.success] job_id=%s slug=%s gates=%d", job.ID, job.Slug, len(job.Gates))
	writeJSON(w, http.StatusCreated, job)
}

// List 列出作业
// GET /api/v1/jobs?limit=
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	jobs, err := h.store.ListJobs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_failure", "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// Get 获取作业详情（含门禁与产物）
// GET /api/v1/jobs/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_failure", "failed to get job")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Start 启动作业
// POST /api/v1/jobs/{id}/start
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.orch.StartJob(r.Context(), id); err != nil {
		log.Printf("[job.start.failed] job_id=%s error=%v", id, err)
		writeDomainError(w, err)
		return
	}
	log.Printf("[job.start.success] job_id=%s", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": string(model.JobStatusRunning)})
}

// Cancel 取消作业
// POST /api/v1/jobs/{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.orch.CancelJob(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	log.Printf("[job.cancel.success] job_id=%s", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": string(model.JobStatusCanceled)})
}

// Delete 删除作业及其全部数据
// DELETE /api/v1/jobs/{id}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.orch.DeleteJob(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	log.Printf("[job.delete.success] job_id=%s", id)
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// 门禁接口
// ============================================================================

// Approve 批准当前阶段的门禁
// POST /api/v1/jobs/{id}/approve
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req gateDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Stage == "" || req.Operator == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "stage and operator are required")
		return
	}

	if err := h.orch.ApproveGate(r.Context(), id, req.Stage, req.Operator, req.Notes); err != nil {
		log.Printf("[gate.approve.failed] job_id=%s stage=%s error=%v", id, req.Stage, err)
		writeDomainError(w, err)
		return
	}
	log.Printf("[gate.approve.success] job_id=%s stage=%s operator=%s", id, req.Stage, req.Operator)
	writeJSON(w, http.StatusOK, map[string]string{"result": "approved"})
}

// Reject 拒绝当前阶段的门禁（可附补丁）
// POST /api/v1/jobs/{id}/reject
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req gateDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Stage == "" || req.Operator == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "stage and operator are required")
		return
	}

	if err := h.orch.RejectGate(r.Context(), id, req.Stage, req.Operator, req.Notes, req.Patch); err != nil {
		log.Printf("[gate.reject.failed] job_id=%s stage=%s error=%v", id, req.Stage, err)
		writeDomainError(w, err)
		return
	}
	log.Printf("[gate.reject.success] job_id=%s stage=%s has_patch=%v", id, req.Stage, len(req.Patch) > 0)
	writeJSON(w, http.StatusOK, map[string]string{"result": "rejected"})
}

// Resume 恢复被拒后暂停的作业（补丁在此生效）
// POST /api/v1/jobs/{id}/resume
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.orch.ResumeJob(r.Context(), id); err != nil {
		log.Printf("[job.resume.failed] job_id=%s error=%v", id, err)
		writeDomainError(w, err)
		return
	}
	log.Printf("[job.resume.success] job_id=%s", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": string(model.JobStatusRunning)})
}

// GateStatus 查询门禁状态
// GET /api/v1/jobs/{id}/gates/status
//
// 响应包含全部门禁与当前活动门禁（作业当前阶段对应的门禁）。
func (h *Handler) GateStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_failure", "failed to get job")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":      job.ID,
		"status":      job.Status,
		"stage":       job.Stage,
		"active_gate": job.GateFor(job.Stage),
		"gates":       job.Gates,
	})
}

// Artifacts 列出作业产物
// GET /api/v1/jobs/{id}/artifacts
func (h *Handler) Artifacts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_failure", "failed to get job")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}

	artifacts, err := h.store.ListArtifacts(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_failure", "failed to list artifacts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"artifacts": artifacts,
		"count":     len(artifacts),
	})
}

// ============================================================================
// 响应工具
// ============================================================================

// writeDomainError 把领域错误映射为稳定的错误种类与 HTTP 状态码
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, model.ErrUnknownPatch):
		writeError(w, http.StatusBadRequest, "invalid_patch", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// writeJSON 输出 JSON 响应
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError 输出稳定错误种类 + 可读原因的错误响应
func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]string{
		"error":   kind,
		"message": message,
	})
}
