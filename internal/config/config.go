package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"wisefido-datum/internal/consumer"
	"wisefido-datum/internal/datumservice"
	"wisefido-datum/internal/httpapi"
	"wisefido-datum/internal/queue"
	"wisefido-datum/internal/transformer"
	"wisefido-datum/owl-common/config"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config 数据节点服务配置
type Config struct {
	Database config.DatabaseConfig `yaml:"database"`
	Redis    config.RedisConfig    `yaml:"redis"`
	MQTT     config.MQTTConfig     `yaml:"mqtt"`

	Queue        queue.Config        `yaml:"queue"`
	DatumService datumservice.Config `yaml:"datum_service"`
	HTTP         httpapi.Config      `yaml:"http"`

	// 采集通道（MQTT / Redis Streams），数据进入 Observe
	Capture struct {
		MQTTEnabled   bool                         `yaml:"mqtt_enabled"`
		MQTTTopic     string                       `yaml:"mqtt_topic"`
		StreamEnabled bool                         `yaml:"stream_enabled"`
		Stream        consumer.StreamCaptureConfig `yaml:"stream"`
	} `yaml:"capture"`

	// 发布：每条处理完的数据都会送到这些消费者
	Publish struct {
		StreamEnabled   bool          `yaml:"stream_enabled"`
		Stream          string        `yaml:"stream"`
		StreamMaxLen    int64         `yaml:"stream_max_len"`
		MQTTEnabled     bool          `yaml:"mqtt_enabled"`
		MQTTTopicPrefix string        `yaml:"mqtt_topic_prefix"`
		CacheEnabled    bool          `yaml:"cache_enabled"`
		CachePrefix     string        `yaml:"cache_prefix"`
		CacheTTL        time.Duration `yaml:"cache_ttl"`
	} `yaml:"publish"`

	Transform struct {
		transformer.PropertyFilterConfig `yaml:",inline"`
		ThrottleInterval                 time.Duration `yaml:"throttle_interval"`
	} `yaml:"transform"`

	Storage struct {
		RetryAttempts   int           `yaml:"retry_attempts"` // 1 disables retries
		RetryBackoff    time.Duration `yaml:"retry_backoff"`
		CleanupInterval time.Duration `yaml:"cleanup_interval"`
		RetainUploaded  time.Duration `yaml:"retain_uploaded"`
	} `yaml:"storage"`

	Upload struct {
		Enabled  bool                    `yaml:"enabled"`
		Interval time.Duration           `yaml:"interval"`
		Client   consumer.UploaderConfig `yaml:"client"`
	} `yaml:"upload"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load 加载配置（默认值 + 环境变量）
func Load() (*Config, error) {
	cfg := Default()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile 从 YAML 文件加载配置
// 文件覆盖默认值，环境变量再覆盖文件
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 默认配置
func Default() *Config {
	cfg := &Config{}

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "owlrd"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 10
	cfg.Database.MaxIdle = 5

	cfg.Redis.Addr = "localhost:6379"

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.QoS = 1
	cfg.MQTT.ConnectTimeout = 30 * time.Second
	cfg.MQTT.PublishTimeout = 5 * time.Second

	cfg.Queue = queue.DefaultConfig()
	cfg.DatumService.HistoryRawCount = 5
	cfg.HTTP.Addr = ":8090"

	cfg.Capture.MQTTEnabled = true
	cfg.Capture.MQTTTopic = "datum/captured/#"
	cfg.Capture.StreamEnabled = true
	cfg.Capture.Stream = consumer.StreamCaptureConfig{
		Stream:    "datum:captured:stream",
		Group:     "datum-queue-group",
		Consumer:  "datum-queue-" + uuid.NewString()[:8],
		BatchSize: 100,
		Block:     5 * time.Second,
	}

	cfg.Publish.StreamEnabled = true
	cfg.Publish.Stream = "datum:acquired:stream"
	cfg.Publish.StreamMaxLen = 10000
	cfg.Publish.MQTTTopicPrefix = "datum/acquired"
	cfg.Publish.CacheEnabled = true
	cfg.Publish.CachePrefix = "datum:latest:"
	cfg.Publish.CacheTTL = time.Hour

	cfg.Storage.RetryAttempts = 1
	cfg.Storage.RetryBackoff = 500 * time.Millisecond
	cfg.Storage.CleanupInterval = time.Hour
	cfg.Storage.RetainUploaded = 7 * 24 * time.Hour

	cfg.Upload.Interval = time.Minute
	cfg.Upload.Client.Path = "/api/v1/datum"
	cfg.Upload.Client.BatchSize = 100
	cfg.Upload.Client.Timeout = 30 * time.Second

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

// applyEnv 环境变量覆盖
func (cfg *Config) applyEnv() {
	cfg.Database.LoadFromEnv("DB")
	cfg.Redis.LoadFromEnv("REDIS")
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Queue.QueueDelay = getEnvDuration("DATUM_QUEUE_DELAY", cfg.Queue.QueueDelay)
	cfg.Queue.StartupDelay = getEnvDuration("DATUM_QUEUE_STARTUP_DELAY", cfg.Queue.StartupDelay)
	cfg.Queue.StatLogFrequency = getEnvInt("DATUM_QUEUE_STAT_LOG_FREQUENCY", cfg.Queue.StatLogFrequency)
	cfg.Queue.StoreTimeout = getEnvDuration("DATUM_QUEUE_STORE_TIMEOUT", cfg.Queue.StoreTimeout)
	cfg.DatumService.HistoryRawCount = getEnvInt("DATUM_HISTORY_RAW_COUNT", cfg.DatumService.HistoryRawCount)

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.Token = getEnv("HTTP_TOKEN", cfg.HTTP.Token)

	cfg.Capture.MQTTEnabled = getEnvBool("DATUM_CAPTURE_MQTT_ENABLED", cfg.Capture.MQTTEnabled)
	cfg.Capture.MQTTTopic = getEnv("DATUM_CAPTURE_MQTT_TOPIC", cfg.Capture.MQTTTopic)
	cfg.Capture.StreamEnabled = getEnvBool("DATUM_CAPTURE_STREAM_ENABLED", cfg.Capture.StreamEnabled)
	cfg.Capture.Stream.Stream = getEnv("DATUM_CAPTURE_STREAM", cfg.Capture.Stream.Stream)
	cfg.Capture.Stream.Group = getEnv("DATUM_CAPTURE_CONSUMER_GROUP", cfg.Capture.Stream.Group)
	cfg.Capture.Stream.Consumer = getEnv("DATUM_CAPTURE_CONSUMER_NAME", cfg.Capture.Stream.Consumer)

	cfg.Publish.StreamEnabled = getEnvBool("DATUM_PUBLISH_STREAM_ENABLED", cfg.Publish.StreamEnabled)
	cfg.Publish.Stream = getEnv("DATUM_PUBLISH_STREAM", cfg.Publish.Stream)
	cfg.Publish.MQTTEnabled = getEnvBool("DATUM_PUBLISH_MQTT_ENABLED", cfg.Publish.MQTTEnabled)
	cfg.Publish.MQTTTopicPrefix = getEnv("DATUM_PUBLISH_MQTT_TOPIC_PREFIX", cfg.Publish.MQTTTopicPrefix)
	cfg.Publish.CacheEnabled = getEnvBool("DATUM_PUBLISH_CACHE_ENABLED", cfg.Publish.CacheEnabled)

	cfg.Transform.Excludes = getEnvList("DATUM_TRANSFORM_EXCLUDES", cfg.Transform.Excludes)
	cfg.Transform.ThrottleInterval = getEnvDuration("DATUM_TRANSFORM_THROTTLE", cfg.Transform.ThrottleInterval)

	cfg.Storage.RetryAttempts = getEnvInt("DATUM_STORE_RETRY_ATTEMPTS", cfg.Storage.RetryAttempts)
	cfg.Storage.RetainUploaded = getEnvDuration("DATUM_RETAIN_UPLOADED", cfg.Storage.RetainUploaded)

	cfg.Upload.Enabled = getEnvBool("DATUM_UPLOAD_ENABLED", cfg.Upload.Enabled)
	cfg.Upload.Interval = getEnvDuration("DATUM_UPLOAD_INTERVAL", cfg.Upload.Interval)
	cfg.Upload.Client.BaseURL = getEnv("DATUM_UPLOAD_URL", cfg.Upload.Client.BaseURL)
	cfg.Upload.Client.Token = getEnv("DATUM_UPLOAD_TOKEN", cfg.Upload.Client.Token)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
}

// Validate 校验配置，返回所有错误
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.DatumService.HistoryRawCount < 1 {
		errs = append(errs, errors.New("datum_service.history_raw_count must be at least 1"))
	}
	if cfg.Queue.QueueDelay < 0 || cfg.Queue.StartupDelay < 0 {
		errs = append(errs, errors.New("queue delays must not be negative"))
	}
	if cfg.Capture.StreamEnabled && (cfg.Capture.Stream.Stream == "" || cfg.Capture.Stream.Group == "") {
		errs = append(errs, errors.New("capture stream and consumer group are required"))
	}
	if cfg.Upload.Enabled && cfg.Upload.Client.BaseURL == "" {
		errs = append(errs, errors.New("upload.client.base_url is required when upload is enabled"))
	}
	if cfg.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, s := range strings.Split(value, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
