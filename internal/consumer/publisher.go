package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"wisefido-datum/internal/models"
	rediscommon "wisefido-datum/owl-common/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// StreamPublisher 把数据发布到 Redis Stream
type StreamPublisher struct {
	client  *redis.Client
	stream  string
	maxLen  int64
	timeout time.Duration
	logger  *zap.Logger
}

// NewStreamPublisher 创建 Stream 发布者（maxLen > 0 时限制长度）
func NewStreamPublisher(client *redis.Client, stream string, maxLen int64, logger *zap.Logger) *StreamPublisher {
	return &StreamPublisher{client: client, stream: stream, maxLen: maxLen, timeout: 5 * time.Second, logger: logger}
}

// Accept implements queue.Consumer.
func (p *StreamPublisher) Accept(d *models.Datum) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	id, err := rediscommon.PublishJSONToStream(ctx, p.client, p.stream, p.maxLen, d.ToMessage())
	if err != nil {
		return fmt.Errorf("failed to publish datum to %s: %w", p.stream, err)
	}
	p.logger.Debug("Published datum to stream",
		zap.String("stream", p.stream),
		zap.String("stream_id", id),
		zap.String("source_id", d.SourceID),
	)
	return nil
}

// Publisher is the subset of the MQTT client used by MQTTPublisher.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MQTTPublisher 把数据发布到 MQTT 主题 {prefix}/{sourceId}
type MQTTPublisher struct {
	client Publisher
	prefix string
	qos    byte
	logger *zap.Logger
}

// NewMQTTPublisher 创建 MQTT 发布者
func NewMQTTPublisher(client Publisher, prefix string, qos byte, logger *zap.Logger) *MQTTPublisher {
	return &MQTTPublisher{client: client, prefix: strings.TrimSuffix(prefix, "/"), qos: qos, logger: logger}
}

// Topic returns the topic datum of sourceID are published on.
func (p *MQTTPublisher) Topic(sourceID string) string {
	return p.prefix + "/" + strings.TrimPrefix(sourceID, "/")
}

// Accept implements queue.Consumer.
func (p *MQTTPublisher) Accept(d *models.Datum) error {
	payload, err := json.Marshal(d.ToMessage())
	if err != nil {
		return fmt.Errorf("failed to marshal datum: %w", err)
	}
	topic := p.Topic(d.SourceID)
	if err := p.client.Publish(topic, p.qos, false, payload); err != nil {
		return fmt.Errorf("failed to publish datum to %s: %w", topic, err)
	}
	return nil
}
