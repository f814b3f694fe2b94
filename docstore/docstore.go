// Package docstore stores JSON documents on top of a storage.ObjectStore and
// exposes the object version as the optimistic concurrency handle.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"

	appconfig "github.com/electric-coding-llc/s3store/config"
	"github.com/electric-coding-llc/s3store/storage"
)

type Option func(*options)

type options struct {
	contentType string
}

// WithContentType overrides the content type stored with each document.
func WithContentType(contentType string) Option {
	return func(o *options) {
		if contentType != "" {
			o.contentType = contentType
		}
	}
}

// Store reads and writes values of type T as JSON documents. Errors from the
// object store are returned as is; encode and decode failures wrap
// storage.ErrSerialization.
type Store[T any] struct {
	objects     storage.ObjectStore
	contentType string
}

func New[T any](objects storage.ObjectStore, opts ...Option) *Store[T] {
	o := options{contentType: storage.DefaultContentType}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store[T]{
		objects:     objects,
		contentType: o.contentType,
	}
}

// NewFromConfig is New with the content type taken from the [documents]
// section. Explicit opts win.
func NewFromConfig[T any](objects storage.ObjectStore, cfg appconfig.DocumentsConfig, opts ...Option) *Store[T] {
	return New[T](objects, append([]Option{WithContentType(cfg.ContentType)}, opts...)...)
}

// CreateObject stores value under key if the key does not exist yet and
// returns the version to use for the next conditional call.
func (s *Store[T]) CreateObject(ctx context.Context, key string, value T) (storage.Version, error) {
	body, err := encode(key, value)
	if err != nil {
		return storage.Version{}, err
	}
	result, err := s.objects.CreateObject(ctx, key, body, s.contentType)
	if err != nil {
		return storage.Version{}, err
	}
	return result.Version, nil
}

func (s *Store[T]) UpdateObjectIfMatch(ctx context.Context, key string, value T, version storage.Version) (storage.Version, error) {
	body, err := encode(key, value)
	if err != nil {
		return storage.Version{}, err
	}
	result, err := s.objects.UpdateObjectIfMatch(ctx, key, body, version, s.contentType)
	if err != nil {
		return storage.Version{}, err
	}
	return result.Version, nil
}

// GetObjectIfMatch returns the document only if version is still current.
// The version is not returned because the caller already holds it.
func (s *Store[T]) GetObjectIfMatch(ctx context.Context, key string, version storage.Version) (T, error) {
	var value T
	resp, err := s.objects.GetObjectIfMatch(ctx, key, version)
	if err != nil {
		return value, err
	}
	if err := resp.Decode(&value); err != nil {
		return value, err
	}
	return value, nil
}

// GetObject returns the current document together with its version.
func (s *Store[T]) GetObject(ctx context.Context, key string) (T, storage.Version, error) {
	var value T
	resp, err := s.objects.GetObject(ctx, key)
	if err != nil {
		return value, storage.Version{}, err
	}
	if err := resp.Decode(&value); err != nil {
		return value, storage.Version{}, err
	}
	return value, resp.Version, nil
}

func (s *Store[T]) DeleteObjectIfMatch(ctx context.Context, key string, version storage.Version) error {
	return s.objects.DeleteObjectIfMatch(ctx, key, version)
}

func encode(key string, value any) ([]byte, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %w", storage.ErrSerialization, key, err)
	}
	return body, nil
}
