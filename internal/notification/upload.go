package notification

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/cenkalti/backoff/v4"

	"github.com/mikeyg42/mecam/internal/config"
	"github.com/mikeyg42/mecam/internal/recorder/recorderlog"
	"github.com/mikeyg42/mecam/internal/recorder/storage"
)

// UploadChannel copies the artifact to an S3-compatible bucket.
type UploadChannel struct {
	cfg    config.MinIOConfig
	logger recorderlog.Logger
}

func NewUploadChannel(cfg config.MinIOConfig, logger recorderlog.Logger) *UploadChannel {
	if logger == nil {
		logger = recorderlog.L()
	}
	return &UploadChannel{cfg: cfg, logger: logger}
}

func (c *UploadChannel) Name() string { return "minio" }

func (c *UploadChannel) Send(ctx context.Context, ev Event) error {
	if c.cfg.Endpoint == "" || c.cfg.Bucket == "" {
		return backoff.Permanent(errors.New("minio: endpoint and bucket are required"))
	}
	if _, err := os.Stat(ev.Path); err != nil {
		return backoff.Permanent(err)
	}

	store, err := storage.NewMinIOStore(ctx, storage.MinIOConfig{
		Endpoint:        c.cfg.Endpoint,
		AccessKeyID:     c.cfg.AccessKeyID,
		SecretAccessKey: c.cfg.SecretAccessKey,
		UseSSL:          c.cfg.UseSSL,
		Bucket:          c.cfg.Bucket,
		Region:          c.cfg.Region,
	}, c.logger)
	if err != nil {
		return permanentIfDenied(err)
	}

	key := objectKey(c.cfg.Prefix, ev.Path)
	err = store.PutFile(ctx, key, ev.Path, storage.WithMetadata(map[string]string{
		"event-id":   ev.ID,
		"session-id": ev.SessionID,
		"encrypted":  strconv.FormatBool(ev.Encrypted),
	}))
	return permanentIfDenied(err)
}

func objectKey(prefix, file string) string {
	return path.Join(prefix, filepath.Base(file))
}

func permanentIfDenied(err error) error {
	if err != nil && storage.IsAccessDenied(err) {
		return backoff.Permanent(err)
	}
	return err
}
