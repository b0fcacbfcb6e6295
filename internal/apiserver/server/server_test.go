package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthEndpoint(t *testing.T) {
	h, store, _ := newTestHandler(t)
	router := h.Router()

	// 健康检查免认证
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)

	// 存储不可达时降级
	store.Close()
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestRouterRequiresToken(t *testing.T) {
	h, store, _ := newTestHandler(t)
	seedJobWithEvents(t, store, "job-r", 1)
	router := h.Router()

	// 无令牌
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/job-r/events", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// 带令牌
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// 指标端点免认证
	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsSingleton(t *testing.T) {
	// Prometheus 默认注册表不允许重复注册，NewMetrics 必须返回单例
	a := NewMetrics("studio")
	b := NewMetrics("other")
	assert.Same(t, a, b)
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"/healthz":                           "/healthz",
		"/api/v1/jobs":                       "/api/v1/jobs",
		"/api/v1/jobs/abc-123":               "/api/v1/jobs/{id}",
		"/api/v1/jobs/abc-123/approve":       "/api/v1/jobs/{id}/approve",
		"/api/v1/jobs/abc-123/events/stream": "/api/v1/jobs/{id}/events/stream",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizePath(in), in)
	}
}
