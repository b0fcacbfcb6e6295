// Package auth 访问控制与限流
//
// 单一操作员令牌的 Bearer 认证加按客户端地址的滑动窗口限流，
// 套在所有变更与大多数读取端点之前。健康检查端点
// 同时豁免认证与限流。
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// 免认证路由（精确匹配，方法 + 路径）
var publicExact = map[string]bool{
	"GET /healthz": true,
	"GET /metrics": true,
}

// Config 认证配置
type Config struct {
	// Token 操作员共享令牌（来自 API_TOKEN 环境变量，
	// 未设置时回退到不安全默认值并在启动日志中告警）
	Token string
}

// Middleware 返回 Bearer 认证中间件
//
// 令牌以常数时间比较，防止时序侧信道；
// 校验失败时在任何其他处理之前拒绝请求。
func Middleware(cfg Config) func(http.Handler) http.Handler {
	expected := []byte(cfg.Token)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicExact[r.Method+" "+r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			token := bearerToken(r)
			if token == "" {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken 从 Authorization 头提取 Bearer 令牌
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// writeAuthError 输出稳定错误种类 + 可读原因的 JSON 错误体
func writeAuthError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   kind,
		"message": message,
	})
}
