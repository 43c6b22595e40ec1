// Package storage keeps uploaded question images.
package storage

import (
	"context"
	"errors"
	"io"
)

var (
	ErrNotFound    = errors.New("asset not found")
	ErrBadKey      = errors.New("invalid asset key")
	ErrTooLarge    = errors.New("Image is too large")
	ErrUnsupported = errors.New("Unsupported image type")
)

// BlobStore stores opaque objects under slash-separated keys.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}
