// Package eventbus 事件镜像总线抽象接口
//
// 将作业事件镜像到外部消息系统，供编排器之外的消费者（通知、审计、
// 下游剪辑工具）订阅。镜像是尽力而为的：镜像失败只记日志，
// 不影响事件的持久化与确认。当前由 Redis Streams 实现。
package eventbus

import (
	"context"

	"studio-orchestrator/internal/model"
)

// MaxStreamLength 单个作业事件流的最大长度（近似裁剪）
const MaxStreamLength = 1000

// Publisher 作业事件发布接口
type Publisher interface {
	// PublishJobEvent 将事件追加到作业对应的流
	PublishJobEvent(ctx context.Context, event *model.Event) error
	// DeleteJobEvents 删除作业的整条事件流（作业删除时调用）
	DeleteJobEvents(ctx context.Context, jobID string) error
	Close() error
}
