package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/smpc-orchestrator/internal/domain"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStoreConfig holds S3-compatible storage settings
type ObjectStoreConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	Prefix    string
	UseSSL    bool
}

// ObjectStore writes result payloads to an S3-compatible bucket
type ObjectStore struct {
	cfg    ObjectStoreConfig
	client *minio.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewObjectStore creates an ObjectStore
func NewObjectStore(cfg ObjectStoreConfig, logger *slog.Logger) (*ObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}

	return &ObjectStore{
		cfg:    cfg,
		client: client,
		logger: logger,
		now:    time.Now,
	}, nil
}

func (o *ObjectStore) Name() string {
	return "object_storage"
}

// Save uploads the JSON payload as {prefix}{jobId}_results_{YYYYMMDD_HHMMSS}.json
func (o *ObjectStore) Save(ctx context.Context, features []domain.DecodedFeature, jobID string, clients []string) bool {
	logger := o.logger.With(slog.String("job_id", jobID), slog.String("bucket", o.cfg.Bucket))

	if len(features) == 0 {
		logger.Warn("No aggregated data to upload")
		return false
	}

	now := o.now()
	key := o.objectKey(jobID, now)
	payload := NewPayload(features, jobID, clients, now)
	payload.Metadata.SavedAt = fmt.Sprintf("s3://%s/%s", o.cfg.Bucket, key)

	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("Failed to marshal results payload", slog.Any("error", err))
		return false
	}

	info, err := o.client.PutObject(ctx, o.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		logger.Error("Failed to upload results", slog.String("key", key), slog.Any("error", err))
		return false
	}

	logger.Info("Results uploaded",
		slog.String("key", info.Key),
		slog.Int64("size", info.Size),
	)
	return true
}

func (o *ObjectStore) objectKey(jobID string, now time.Time) string {
	prefix := strings.Trim(o.cfg.Prefix, "/")
	name := resultFileName(jobID, now, FormatJSON)
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
