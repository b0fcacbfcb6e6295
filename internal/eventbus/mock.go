// Package eventbus 事件镜像 mock 实现
package eventbus

import (
	"context"

	"studio-orchestrator/internal/model"
)

// ============================================================================
// NoOpPublisher - 空操作的 Publisher 实现（Redis 未启用或测试时使用）
// ============================================================================

// NoOpPublisher 是一个不做任何操作的 Publisher 实现
type NoOpPublisher struct{}

// NewNoOpPublisher 创建 NoOpPublisher 实例
func NewNoOpPublisher() *NoOpPublisher {
	return &NoOpPublisher{}
}

func (p *NoOpPublisher) PublishJobEvent(ctx context.Context, event *model.Event) error {
	return nil
}

func (p *NoOpPublisher) DeleteJobEvents(ctx context.Context, jobID string) error {
	return nil
}

// Close 关闭发布器
func (p *NoOpPublisher) Close() error {
	return nil
}

// 确保 NoOpPublisher 实现了 Publisher 接口
var _ Publisher = (*NoOpPublisher)(nil)
