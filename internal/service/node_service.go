package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"wisefido-datum/internal/config"
	"wisefido-datum/internal/consumer"
	"wisefido-datum/internal/datumservice"
	"wisefido-datum/internal/httpapi"
	"wisefido-datum/internal/metrics"
	"wisefido-datum/internal/models"
	"wisefido-datum/internal/queue"
	"wisefido-datum/internal/repository"
	"wisefido-datum/internal/transformer"
	"wisefido-datum/owl-common/database"
	mqttcommon "wisefido-datum/owl-common/mqtt"
	rediscommon "wisefido-datum/owl-common/redis"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// MQTTClient 节点使用的 MQTT 客户端能力（订阅、发布、断开）
type MQTTClient interface {
	consumer.Subscriber
	consumer.Publisher
	Disconnect()
}

// Deps 节点依赖的连接
// MQTT 在采集和发布都未启用时可以为 nil
type Deps struct {
	DB    *sql.DB
	Redis *redis.Client
	MQTT  MQTTClient
}

// NodeService 数据节点服务
// 把数据队列接到存储、消费者、采集通道和 HTTP API 上
type NodeService struct {
	config *config.Config
	logger *zap.Logger
	deps   Deps

	queue        *queue.Queue
	datums       *datumservice.Service
	nodeRepo     *repository.NodeDatumRepository
	locationRepo *repository.LocationDatumRepository
	cache        *consumer.LatestCache

	mqttCapture   *consumer.MQTTCapture
	streamCapture *consumer.StreamCapture
	uploader      *consumer.Uploader

	registry   *prometheus.Registry
	exceptions *prometheus.CounterVec
	httpServer *httpapi.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNodeService 连接 PostgreSQL、Redis（按需连接 MQTT）并创建节点
func NewNodeService(cfg *config.Config, logger *zap.Logger) (*NodeService, error) {
	ctx := context.Background()

	// 初始化数据库
	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 初始化 Redis（Streams 采集/发布和最新值缓存）
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(ctx, redisClient); err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// 初始化 MQTT（仅在采集或发布启用时）
	deps := Deps{DB: db, Redis: redisClient}
	if cfg.Capture.MQTTEnabled || cfg.Publish.MQTTEnabled {
		client, err := mqttcommon.NewClient(&cfg.MQTT, logger)
		if err != nil {
			_ = rediscommon.Close(redisClient)
			_ = database.Close(db)
			return nil, fmt.Errorf("failed to connect to mqtt: %w", err)
		}
		deps.MQTT = client
	}

	return New(cfg, deps, logger)
}

// New 基于已有连接创建节点
func New(cfg *config.Config, deps Deps, logger *zap.Logger) (*NodeService, error) {
	if (cfg.Capture.MQTTEnabled || cfg.Publish.MQTTEnabled) && deps.MQTT == nil {
		return nil, errors.New("mqtt client is required when mqtt capture or publishing is enabled")
	}

	s := &NodeService{
		config:       cfg,
		logger:       logger,
		deps:         deps,
		queue:        queue.New(cfg.Queue, logger.Named("queue")),
		datums:       datumservice.NewService(cfg.DatumService, logger.Named("datum-service")),
		nodeRepo:     repository.NewNodeDatumRepository(deps.DB, logger),
		locationRepo: repository.NewLocationDatumRepository(deps.DB, logger),
		registry:     prometheus.NewRegistry(),
		exceptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wisefido_datum",
			Subsystem: "queue",
			Name:      "exceptions_total",
			Help:      "Datum processing failures reported to the exception handler.",
		}, []string{"stage", "origin"}),
	}

	// 按类型注册存储，异常交给 handleException 计数
	s.queue.SetStore(models.KindNode, s.store(s.nodeRepo))
	s.queue.SetStore(models.KindLocation, s.store(s.locationRepo))
	s.queue.SetExceptionHandler(s.handleException)
	s.queue.SetObserver(s.datums)

	// 转换链：属性过滤 + 节流
	transform, err := buildTransform(cfg)
	if err != nil {
		return nil, err
	}
	if transform != nil {
		s.queue.SetTransform(transform)
	}

	// 消费者按注册顺序执行
	s.queue.AddConsumer("datum-service", s.datums)
	if cfg.Publish.CacheEnabled {
		s.cache = consumer.NewLatestCache(consumer.NewRedisKVStore(deps.Redis), cfg.Publish.CachePrefix, cfg.Publish.CacheTTL, logger)
		s.queue.AddConsumer("latest-cache", s.cache)
	}
	if cfg.Publish.StreamEnabled {
		s.queue.AddConsumer("stream-publisher",
			consumer.NewStreamPublisher(deps.Redis, cfg.Publish.Stream, cfg.Publish.StreamMaxLen, logger))
	}
	if cfg.Publish.MQTTEnabled {
		s.queue.AddConsumer("mqtt-publisher",
			consumer.NewMQTTPublisher(deps.MQTT, cfg.Publish.MQTTTopicPrefix, cfg.MQTT.QoS, logger))
	}

	// 采集通道和上传器
	if cfg.Capture.MQTTEnabled {
		s.mqttCapture = consumer.NewMQTTCapture(deps.MQTT, cfg.Capture.MQTTTopic, cfg.MQTT.QoS, s.queue, logger)
	}
	if cfg.Capture.StreamEnabled {
		s.streamCapture = consumer.NewStreamCapture(cfg.Capture.Stream, deps.Redis, s.queue, logger)
	}
	if cfg.Upload.Enabled {
		s.uploader = consumer.NewUploader(cfg.Upload.Client, logger, s.nodeRepo, s.locationRepo)
	}

	// 指标注册表，由 /metrics 暴露
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewQueueCollector(s.queue),
		s.exceptions,
	)
	s.httpServer = httpapi.NewServer(cfg.HTTP, s.datums, s.queue, s.registry, logger)

	return s, nil
}

// store 按配置给仓库加上重试
func (s *NodeService) store(repo repository.DatumStore) queue.DatumStore {
	if s.config.Storage.RetryAttempts > 1 {
		return repository.NewRetryStore(repo, s.config.Storage.RetryAttempts, s.config.Storage.RetryBackoff, s.logger)
	}
	return repo
}

// buildTransform 根据配置构建转换链，未配置时返回 nil
func buildTransform(cfg *config.Config) (queue.Transform, error) {
	var chain transformer.Chain
	filter := cfg.Transform.PropertyFilterConfig
	if len(filter.Includes) > 0 || len(filter.Excludes) > 0 {
		f, err := transformer.NewPropertyFilter(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to build property filter: %w", err)
		}
		chain = append(chain, f)
	}
	if cfg.Transform.ThrottleInterval > 0 {
		chain = append(chain, transformer.NewThrottle(cfg.Transform.ThrottleInterval, filter.Sources))
	}
	if len(chain) == 0 {
		return nil, nil
	}
	return chain, nil
}

// handleException 队列异常处理：按阶段和来源计数并记录日志
func (s *NodeService) handleException(err error) {
	var perr *queue.ProcessingError
	if errors.As(err, &perr) {
		s.exceptions.WithLabelValues(perr.Stage, perr.Origin.String()).Inc()
		s.logger.Error("Datum processing failed",
			zap.String("stage", perr.Stage),
			zap.String("origin", perr.Origin.String()),
			zap.Stringer("datum", perr.Datum),
			zap.Error(perr.Err),
		)
		return
	}
	s.exceptions.WithLabelValues("unknown", "").Inc()
	s.logger.Error("Datum processing failed", zap.Error(err))
}

// Queue 返回数据队列
func (s *NodeService) Queue() *queue.Queue { return s.queue }

// Datums 返回最新值服务
func (s *NodeService) Datums() *datumservice.Service { return s.datums }

// Registry 返回指标注册表
func (s *NodeService) Registry() *prometheus.Registry { return s.registry }

// Start 启动服务
// 依次启动队列、HTTP API、采集通道和后台任务，全部就绪后返回
func (s *NodeService) Start(ctx context.Context) error {
	s.logger.Info("Starting datum node",
		zap.Strings("consumers", s.queue.ConsumerNames()),
		zap.Bool("mqtt_capture", s.mqttCapture != nil),
		zap.Bool("stream_capture", s.streamCapture != nil),
		zap.Bool("upload", s.uploader != nil),
	)

	// 先启动队列，采集进来的数据才有去处
	if err := s.queue.Start(ctx); err != nil {
		return fmt.Errorf("failed to start datum queue: %w", err)
	}
	if err := s.httpServer.Start(ctx); err != nil {
		return err
	}
	if s.mqttCapture != nil {
		if err := s.mqttCapture.Start(ctx); err != nil {
			return err
		}
	}

	// 后台任务的生命周期由 Stop 控制，不跟随调用方 ctx
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	if s.streamCapture != nil {
		s.goRun(func() {
			if err := s.streamCapture.Run(runCtx); err != nil {
				s.logger.Error("Stream capture stopped", zap.Error(err))
			}
		})
	}
	if s.uploader != nil {
		s.goRun(func() { s.every(runCtx, s.config.Upload.Interval, s.upload) })
	}
	if s.config.Storage.CleanupInterval > 0 && s.config.Storage.RetainUploaded > 0 {
		s.goRun(func() { s.every(runCtx, s.config.Storage.CleanupInterval, s.cleanup) })
	}
	return nil
}

// Stop 停止服务
// 先停采集让队列排空，再按启动的逆序停止，最后关闭连接
func (s *NodeService) Stop(ctx context.Context) error {
	var errs []error

	if s.mqttCapture != nil {
		if err := s.mqttCapture.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if err := s.queue.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop datum queue: %w", err))
	}
	if err := s.httpServer.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	// 关闭连接
	if s.deps.MQTT != nil {
		s.deps.MQTT.Disconnect()
	}
	if s.deps.Redis != nil {
		if err := rediscommon.Close(s.deps.Redis); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}
	if s.deps.DB != nil {
		if err := database.Close(s.deps.DB); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}

	s.logger.Info("Datum node stopped", zap.Any("stats", s.queue.Stats()))
	return errors.Join(errs...)
}

func (s *NodeService) goRun(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// every 按固定间隔执行 job，直到 ctx 结束
func (s *NodeService) every(ctx context.Context, interval time.Duration, job func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job(ctx)
		}
	}
}

// upload 上传未上传的数据
func (s *NodeService) upload(ctx context.Context) {
	n, err := s.uploader.UploadPending(ctx)
	if err != nil {
		s.logger.Error("Failed to upload datum", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("Uploaded datum", zap.Int("count", n))
	}
}

// cleanup 删除超过保留期的已上传数据
func (s *NodeService) cleanup(ctx context.Context) {
	cutoff := time.Now().Add(-s.config.Storage.RetainUploaded)
	node, err := s.nodeRepo.DeleteUploadedOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("Failed to clean up node datum", zap.Error(err))
	}
	location, err := s.locationRepo.DeleteUploadedOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("Failed to clean up location datum", zap.Error(err))
	}
	if node+location > 0 {
		s.logger.Info("Deleted uploaded datum",
			zap.Int64("node", node),
			zap.Int64("location", location),
			zap.Time("cutoff", cutoff),
		)
	}
}
