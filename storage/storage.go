// Package storage provides optimistic-concurrency object storage on top of an
// S3-compatible service: create-if-absent, update/get/delete-if-match and
// paginated prefix listing.
package storage

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/trace"

	appconfig "github.com/electric-coding-llc/s3store/config"
)

const DefaultContentType = appconfig.DefaultContentType

// ObjectStore is the conditional CRUD contract. Every call is a single round
// trip to the backing service; nothing about a key is remembered between calls.
type ObjectStore interface {
	// CreateObject writes body only if key has no current version.
	// Fails with ErrAlreadyExists otherwise.
	CreateObject(ctx context.Context, key string, body []byte, contentType string) (*PutResult, error)
	// UpdateObjectIfMatch replaces body only if version is the key's current
	// version. Fails with ErrPreconditionFailed on a stale version and
	// ErrNotFound when the key is gone.
	UpdateObjectIfMatch(ctx context.Context, key string, body []byte, version Version, contentType string) (*PutResult, error)
	GetObject(ctx context.Context, key string) (*Response, error)
	// GetObjectIfMatch reads key only if version is current. ErrNotFound takes
	// precedence over ErrPreconditionFailed.
	GetObjectIfMatch(ctx context.Context, key string, version Version) (*Response, error)
	DeleteObjectIfMatch(ctx context.Context, key string, version Version) error
	// DeleteObject removes key unconditionally. Deleting an absent key succeeds.
	DeleteObject(ctx context.Context, key string) error
	List(prefix string, opts ...ListOption) *Cursor
}

// BatchDeleter is implemented by stores that can remove many keys per request.
type BatchDeleter interface {
	DeleteObjects(ctx context.Context, keys []string) (int, error)
}

// PutResult carries the version assigned by a successful write. Raw is the
// service response; LocalClient fills in the fields it can.
type PutResult struct {
	Version Version
	Raw     *s3.PutObjectOutput
}

type Option func(*options)

type options struct {
	logger            *slog.Logger
	tracerProvider    trace.TracerProvider
	conditionalDelete bool
	pageSize          int32
}

func defaultOptions() options {
	return options{conditionalDelete: true}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithConditionalDelete declares whether the transport honors If-Match on
// DELETE. When disabled, DeleteObjectIfMatch fails with
// ErrConditionalDeleteUnsupported instead of deleting unconditionally.
func WithConditionalDelete(enabled bool) Option {
	return func(o *options) {
		o.conditionalDelete = enabled
	}
}

// WithDefaultPageSize sets the page size List uses when the caller passes no
// WithPageSize. Zero leaves the choice to the service.
func WithDefaultPageSize(n int32) Option {
	return func(o *options) {
		o.pageSize = n
	}
}

// NewFromConfig returns an S3 client when a bucket is configured and a local
// filesystem store under cfg.Local.Root otherwise. Listings default to
// cfg.Listing.PageSize; explicit opts win.
func NewFromConfig(ctx context.Context, cfg *appconfig.Config, opts ...Option) (ObjectStore, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	opts = append([]Option{WithDefaultPageSize(cfg.Listing.PageSize)}, opts...)
	if strings.TrimSpace(cfg.S3.Bucket) == "" {
		if strings.TrimSpace(cfg.Local.Root) == "" {
			return nil, errors.New("local root is required when no s3 bucket is set")
		}
		return NewLocalClient(cfg.Local.Root, opts...), nil
	}
	return NewS3Client(ctx, cfg.S3, opts...)
}

func contentTypeOrDefault(contentType string) string {
	if contentType == "" {
		return DefaultContentType
	}
	return contentType
}
