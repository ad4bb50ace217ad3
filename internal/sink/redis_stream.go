package sink

import (
	"context"
	"fmt"

	rediscommon "decibel-monitor/common/redis"
	"decibel-monitor/internal/models"

	"github.com/go-redis/redis/v8"
)

// StreamSink 把已持久化的采样追加到 Redis Stream，供下游消费者（告警、聚合）读取
type StreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewStreamSink 创建 Redis Streams 镜像
func NewStreamSink(client *redis.Client, stream string, maxLen int64) *StreamSink {
	return &StreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *StreamSink) Name() string {
	return "redis_stream"
}

// Write XADD 一条消息，data 字段为与实时推送相同的 JSON
func (s *StreamSink) Write(ctx context.Context, reading *models.StoredReading) error {
	if _, err := rediscommon.PublishJSONToStream(ctx, s.client, s.stream, s.maxLen, reading.View()); err != nil {
		return fmt.Errorf("failed to publish report %d to stream %s: %w", reading.ID, s.stream, err)
	}
	return nil
}
