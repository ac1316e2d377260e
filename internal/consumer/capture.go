package consumer

import (
	"context"
	"fmt"
	"time"

	"wisefido-datum/internal/models"
	mqttcommon "wisefido-datum/owl-common/mqtt"
	rediscommon "wisefido-datum/owl-common/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Observer accepts captured datum; the datum queue implements it.
type Observer interface {
	Observe(d *models.Datum) bool
}

// Subscriber is the subset of the MQTT client used by MQTTCapture.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// MQTTCapture MQTT 采集：把主题上的数据送入队列
type MQTTCapture struct {
	client Subscriber
	topic  string
	qos    byte
	queue  Observer
	logger *zap.Logger
}

// NewMQTTCapture 创建 MQTT 采集
func NewMQTTCapture(client Subscriber, topic string, qos byte, queue Observer, logger *zap.Logger) *MQTTCapture {
	return &MQTTCapture{client: client, topic: topic, qos: qos, queue: queue, logger: logger}
}

// Start 订阅采集主题
func (c *MQTTCapture) Start(ctx context.Context) error {
	if err := c.client.Subscribe(c.topic, c.qos, c.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to capture topic: %w", err)
	}
	c.logger.Info("MQTT capture started", zap.String("topic", c.topic))
	return nil
}

// Stop 取消订阅
func (c *MQTTCapture) Stop(ctx context.Context) error {
	if err := c.client.Unsubscribe(c.topic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.String("topic", c.topic), zap.Error(err))
		return err
	}
	c.logger.Info("MQTT capture stopped")
	return nil
}

// handleMessage 解析消息并送入队列
func (c *MQTTCapture) handleMessage(topic string, payload []byte) error {
	d, err := models.ParseDatumJSON(payload)
	if err != nil {
		return fmt.Errorf("failed to parse captured datum on %s: %w", topic, err)
	}
	if !c.queue.Observe(d) {
		return fmt.Errorf("captured datum rejected: %s", d)
	}
	return nil
}

// StreamCaptureConfig Redis Streams 采集配置
type StreamCaptureConfig struct {
	Stream    string        `yaml:"stream"`
	Group     string        `yaml:"group"`
	Consumer  string        `yaml:"consumer"`
	BatchSize int64         `yaml:"batch_size"`
	Block     time.Duration `yaml:"block"`
}

// StreamCapture feeds datum from a Redis Stream consumer group into the
// queue. Entries are acknowledged once handed to the queue, including
// malformed ones, which are logged and skipped.
type StreamCapture struct {
	cfg    StreamCaptureConfig
	client *redis.Client
	queue  Observer
	logger *zap.Logger
}

// NewStreamCapture 创建 Redis Streams 采集
func NewStreamCapture(cfg StreamCaptureConfig, client *redis.Client, queue Observer, logger *zap.Logger) *StreamCapture {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &StreamCapture{cfg: cfg, client: client, queue: queue, logger: logger}
}

// Run creates the consumer group and consumes until ctx is done, backing off
// exponentially on read errors.
func (c *StreamCapture) Run(ctx context.Context) error {
	if err := rediscommon.CreateConsumerGroup(ctx, c.client, c.cfg.Stream, c.cfg.Group); err != nil {
		return fmt.Errorf("failed to create consumer group for %s: %w", c.cfg.Stream, err)
	}
	c.logger.Info("Stream capture started",
		zap.String("stream", c.cfg.Stream),
		zap.String("consumer_group", c.cfg.Group),
		zap.String("consumer_name", c.cfg.Consumer),
	)

	// 读取失败时指数退避，最长 30s
	backoff := time.Second
	maxBackoff := 30 * time.Second
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if _, err := c.ConsumeOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to consume capture stream",
				zap.String("stream", c.cfg.Stream),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			}
			continue
		}
		// 成功后重置退避
		backoff = time.Second
	}
}

// ConsumeOnce 消费一批消息，返回送入队列的数量
func (c *StreamCapture) ConsumeOnce(ctx context.Context) (int, error) {
	messages, err := rediscommon.ReadFromStream(ctx, c.client, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, c.cfg.BatchSize, c.cfg.Block)
	if err != nil {
		return 0, fmt.Errorf("failed to read from stream %s: %w", c.cfg.Stream, err)
	}

	observed := 0
	ids := make([]string, 0, len(messages))
	for _, msg := range messages {
		ids = append(ids, msg.ID)
		d, err := models.ParseStreamDatum(msg.Values)
		if err != nil {
			c.logger.Warn("Skipping malformed captured datum",
				zap.String("stream", msg.Stream),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			continue
		}
		if c.queue.Observe(d) {
			observed++
		}
	}

	if err := rediscommon.Ack(ctx, c.client, c.cfg.Stream, c.cfg.Group, ids...); err != nil {
		return observed, fmt.Errorf("failed to ack captured datum: %w", err)
	}
	return observed, nil
}
