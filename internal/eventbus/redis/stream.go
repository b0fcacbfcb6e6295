// Package redis Redis Streams 事件镜像实现
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"studio-orchestrator/internal/eventbus"
	"studio-orchestrator/internal/model"
)

// Store Redis Streams 事件镜像
type Store struct {
	client  *redis.Client
	baseKey string
}

// NewStoreFromURL 从 URL 创建事件镜像实例
func NewStoreFromURL(redisURL, baseKey string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis/EventBus] Connected to %s", opts.Addr)
	return &Store{client: client, baseKey: baseKey}, nil
}

// NewStoreFromClient 从现有 Redis 客户端创建事件镜像实例
func NewStoreFromClient(client *redis.Client, baseKey string) *Store {
	return &Store{client: client, baseKey: baseKey}
}

// key 作业事件流的 Stream 键
func (s *Store) key(jobID string) string {
	return fmt.Sprintf("%s:%s", s.baseKey, jobID)
}

// PublishJobEvent 将事件追加到作业对应的 Stream
func (s *Store) PublishJobEvent(ctx context.Context, event *model.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.key(event.JobID),
		MaxLen: eventbus.MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"type":      string(event.Type),
			"timestamp": event.Timestamp.Format(time.RFC3339Nano),
			"event":     string(payload),
		},
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// DeleteJobEvents 删除作业的整条事件流
func (s *Store) DeleteJobEvents(ctx context.Context, jobID string) error {
	return s.client.Del(ctx, s.key(jobID)).Err()
}

// Close 关闭 Redis 连接
func (s *Store) Close() error {
	return s.client.Close()
}

// 确保 Store 实现了 Publisher 接口
var _ eventbus.Publisher = (*Store)(nil)
