// Package auth 滑动窗口限流
package auth

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"studio-orchestrator/pkg/logging"
)

// window 滑动窗口宽度
const window = time.Minute

// pruneEvery 空闲键的清理周期
const pruneEvery = 5 * time.Minute

// slidingWindow 一类请求的按键计数窗口
type slidingWindow struct {
	limit int
	hits  map[string][]time.Time
}

// allow 判断 key 在当前窗口内是否还有余量
// 放行时记账；拒绝时返回距最早一次记账滑出窗口的等待时间。
func (s *slidingWindow) allow(key string, now time.Time) (bool, time.Duration) {
	cutoff := now.Add(-window)
	kept := s.hits[key][:0]
	for _, t := range s.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= s.limit {
		s.hits[key] = kept
		return false, kept[0].Sub(cutoff)
	}
	s.hits[key] = append(kept, now)
	return true, 0
}

// prune 删除窗口内已无记账的键
func (s *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-window)
	for key, times := range s.hits {
		live := false
		for _, t := range times {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(s.hits, key)
		}
	}
}

// RateLimiter 按客户端地址的双窗口限流器
//
// 两个独立窗口：作业创建每分钟上限与 API 总请求每分钟上限。
// 任一超限即拒绝，响应携带 Retry-After 重试提示。
type RateLimiter struct {
	mu        sync.Mutex
	creates   slidingWindow
	requests  slidingWindow
	lastPrune time.Time

	// now 可替换的时钟，测试用
	now func() time.Time

	logger *logging.Logger
}

// NewRateLimiter 创建限流器；任一上限 <= 0 表示该窗口不启用
func NewRateLimiter(jobsPerMinute, requestsPerMinute int, logger *logging.Logger) *RateLimiter {
	if logger == nil {
		logger = logging.Default("ratelimit")
	}
	return &RateLimiter{
		creates:   slidingWindow{limit: jobsPerMinute, hits: make(map[string][]time.Time)},
		requests:  slidingWindow{limit: requestsPerMinute, hits: make(map[string][]time.Time)},
		now:       time.Now,
		logger:    logger,
		lastPrune: time.Now(),
	}
}

// AllowRequest 总请求窗口判定
func (l *RateLimiter) AllowRequest(key string) (bool, time.Duration) {
	return l.check(&l.requests, key)
}

// AllowJobCreate 作业创建窗口判定
func (l *RateLimiter) AllowJobCreate(key string) (bool, time.Duration) {
	return l.check(&l.creates, key)
}

func (l *RateLimiter) check(w *slidingWindow, key string) (bool, time.Duration) {
	if w.limit <= 0 {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastPrune) >= pruneEvery {
		l.creates.prune(now)
		l.requests.prune(now)
		l.lastPrune = now
	}
	return w.allow(key, now)
}

// Middleware 返回限流中间件
//
// 总请求窗口对除健康检查外的所有请求生效；
// 作业创建窗口额外对 POST /api/v1/jobs 生效。
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		key := logging.ClientIP(r)

		if ok, retry := l.AllowRequest(key); !ok {
			l.reject(w, key, "request rate limit exceeded", retry)
			return
		}
		if r.Method == http.MethodPost && r.URL.Path == "/api/v1/jobs" {
			if ok, retry := l.AllowJobCreate(key); !ok {
				l.reject(w, key, "job creation rate limit exceeded", retry)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// reject 输出 429 响应与重试提示头
func (l *RateLimiter) reject(w http.ResponseWriter, key, message string, retry time.Duration) {
	seconds := int(retry.Seconds()) + 1
	w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	w.Header().Set("X-RateLimit-Window", window.String())
	writeAuthError(w, http.StatusTooManyRequests, "rate_limited",
		fmt.Sprintf("%s, retry after %ds", message, seconds))
	l.logger.Warn("request rate limited", "client", key, "retry_after_sec", seconds)
}
