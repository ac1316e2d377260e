package consumer

import (
	"context"
	"fmt"
	"time"

	"wisefido-datum/internal/models"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// UploadSource lists stored datum awaiting upload and records uploads.
type UploadSource interface {
	FindNotUploaded(ctx context.Context, limit int) ([]*models.Datum, error)
	MarkUploaded(ctx context.Context, d *models.Datum, uploaded time.Time) error
}

// UploaderConfig 上传配置
type UploaderConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Path      string        `yaml:"path"`
	Token     string        `yaml:"token"`
	BatchSize int           `yaml:"batch_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Uploader posts persisted datum to an upstream collector and marks them
// uploaded, so the cleanup job can later remove them.
type Uploader struct {
	httpClient *resty.Client
	path       string
	batchSize  int
	sources    []UploadSource
	logger     *zap.Logger
}

// NewUploader 创建上传器，按顺序读取各数据源
func NewUploader(cfg UploaderConfig, logger *zap.Logger, sources ...UploadSource) *Uploader {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	return &Uploader{
		httpClient: client,
		path:       cfg.Path,
		batchSize:  batchSize,
		sources:    sources,
		logger:     logger,
	}
}

// UploadPending uploads one batch from every source and returns the number
// of datum uploaded. A failed batch is left for the next run.
func (u *Uploader) UploadPending(ctx context.Context) (int, error) {
	total := 0
	for _, src := range u.sources {
		// 读取一批未上传数据
		batch, err := src.FindNotUploaded(ctx, u.batchSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			continue
		}
		// 上传失败整批保留，下次重试
		if err := u.post(ctx, batch); err != nil {
			return total, err
		}

		// 标记已上传，清理任务之后删除
		now := time.Now()
		for _, d := range batch {
			if err := src.MarkUploaded(ctx, d, now); err != nil {
				return total, err
			}
			total++
		}
	}
	if total > 0 {
		u.logger.Info("Uploaded datum", zap.Int("count", total))
	}
	return total, nil
}

// post 上传一批数据
func (u *Uploader) post(ctx context.Context, batch []*models.Datum) error {
	body := make([]*models.DatumMessage, 0, len(batch))
	for _, d := range batch {
		body = append(body, d.ToMessage())
	}

	requestID := uuid.NewString()
	resp, err := u.httpClient.R().
		SetContext(ctx).
		SetHeader("X-Request-ID", requestID).
		SetBody(body).
		Post(u.path)
	if err != nil {
		u.logger.Error("Datum upload failed",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to upload datum: %w", err)
	}
	if resp.IsError() {
		u.logger.Error("Datum upload rejected",
			zap.String("request_id", requestID),
			zap.Int("status_code", resp.StatusCode()),
			zap.String("body", resp.String()),
		)
		return fmt.Errorf("datum upload rejected: status %d", resp.StatusCode())
	}
	return nil
}
