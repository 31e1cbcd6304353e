package storage

import (
	"context"
	"errors"
)

// ObjectStore is the remote bucket closed recordings are copied to.
type ObjectStore interface {
	PutFile(ctx context.Context, key, filePath string, opts ...PutOption) error
	HealthCheck(ctx context.Context) error
}

type PutOption func(*putOptions)

type putOptions struct {
	contentType string
	metadata    map[string]string
}

func WithContentType(contentType string) PutOption {
	return func(o *putOptions) { o.contentType = contentType }
}

// WithMetadata attaches user metadata (x-amz-meta-*) to the object.
func WithMetadata(metadata map[string]string) PutOption {
	return func(o *putOptions) { o.metadata = metadata }
}

// StorageError represents a failed bucket operation.
type StorageError struct {
	Op         string
	Key        string
	Err        error
	StatusCode int
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return e.Op + " " + e.Key + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsAccessDenied reports whether the bucket rejected our credentials or request.
func IsAccessDenied(err error) bool {
	var serr *StorageError
	return errors.As(err, &serr) && (serr.StatusCode == 403 || serr.StatusCode == 400)
}
