package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mikeyg42/mecam/internal/recorder/recorderlog"
)

const defaultConnectTimeout = 30 * time.Second

// MinIOStore uploads artifacts to an S3-compatible bucket.
type MinIOStore struct {
	client *minio.Client
	bucket string
	logger recorderlog.Logger
}

type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string
	ConnectTimeout  time.Duration
}

// NewMinIOStore connects to the endpoint and creates the bucket if missing.
// Retrying is left to the caller.
func NewMinIOStore(ctx context.Context, cfg MinIOConfig, logger recorderlog.Logger) (*MinIOStore, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if logger == nil {
		logger = recorderlog.L()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	s := &MinIOStore{client: client, bucket: cfg.Bucket, logger: logger.Named("minio")}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, &StorageError{Op: "bucket_exists", Key: cfg.Bucket, Err: err, StatusCode: statusCode(err)}
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, &StorageError{Op: "make_bucket", Key: cfg.Bucket, Err: err, StatusCode: statusCode(err)}
		}
		s.logger.Info("Created bucket", recorderlog.String("bucket", cfg.Bucket))
	}
	return s, nil
}

// PutFile streams a local file to key. The content type defaults to one
// derived from the file name.
func (s *MinIOStore) PutFile(ctx context.Context, key, filePath string, opts ...PutOption) error {
	o := putOptions{contentType: contentTypeOf(filePath)}
	for _, opt := range opts {
		opt(&o)
	}

	f, err := os.Open(filePath)
	if err != nil {
		return &StorageError{Op: "put", Key: key, Err: err}
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return &StorageError{Op: "put", Key: key, Err: err}
	}

	start := time.Now()
	info, err := s.client.PutObject(ctx, s.bucket, key, f, st.Size(), minio.PutObjectOptions{
		ContentType:  o.contentType,
		UserMetadata: o.metadata,
	})
	if err != nil {
		return &StorageError{Op: "put", Key: key, Err: err, StatusCode: statusCode(err)}
	}
	s.logger.Debug("Object uploaded",
		recorderlog.String("key", key),
		recorderlog.Int64("size", info.Size),
		recorderlog.String("etag", info.ETag),
		recorderlog.Duration("took", time.Since(start)))
	return nil
}

func (s *MinIOStore) HealthCheck(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return &StorageError{Op: "health_check", Err: err, StatusCode: statusCode(err)}
	}
	if !ok {
		return &StorageError{Op: "health_check", Key: s.bucket, Err: fmt.Errorf("bucket missing"), StatusCode: 404}
	}
	return nil
}

func contentTypeOf(name string) string {
	name = strings.ToLower(name)
	if strings.HasSuffix(name, ".enc") {
		return "application/octet-stream"
	}
	switch filepath.Ext(name) {
	case ".mkv":
		return "video/x-matroska"
	case ".mjpeg", ".mjpg":
		return "video/x-motion-jpeg"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}
	return "application/octet-stream"
}

// statusCode maps S3 error codes onto HTTP-ish classes.
func statusCode(err error) int {
	switch minio.ToErrorResponse(err).Code {
	case "":
		return 500
	case "NoSuchKey", "NoSuchBucket":
		return 404
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return 403
	case "InvalidArgument", "InvalidBucketName":
		return 400
	}
	return 500
}
