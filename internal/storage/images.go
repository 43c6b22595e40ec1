package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const DefaultMaxImageBytes = 5 << 20

var imageTypes = map[string]bool{
	"image/png":     true,
	"image/jpeg":    true,
	"image/gif":     true,
	"image/webp":    true,
	"image/svg+xml": true,
}

// Images stores question images under polls/{pollID}/.
type Images struct {
	Blobs    BlobStore
	MaxBytes int64
}

func NewImages(b BlobStore) *Images {
	return &Images{Blobs: b, MaxBytes: DefaultMaxImageBytes}
}

// Put sniffs the content, rejects non-images and oversize uploads, and
// returns the new key.
func (im *Images) Put(ctx context.Context, pollID string, r io.Reader) (key, contentType string, err error) {
	br := bufio.NewReaderSize(r, 3072)
	head, err := br.Peek(3072)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return "", "", err
	}
	mt := mimetype.Detect(head)
	base := mt
	for base != nil && !imageTypes[base.String()] {
		base = base.Parent()
	}
	if base == nil {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupported, mt.String())
	}

	key = "polls/" + pollID + "/" + uuid.NewString() + mt.Extension()
	lr := &limitReader{r: br, n: im.MaxBytes}
	if err := im.Blobs.Put(ctx, key, lr); err != nil {
		return "", "", err
	}
	return key, base.String(), nil
}

// Open returns the image and its sniffed content type.
func (im *Images) Open(ctx context.Context, key string) (io.ReadCloser, string, error) {
	rc, err := im.Blobs.Get(ctx, key)
	if err != nil {
		return nil, "", err
	}
	br := bufio.NewReaderSize(rc, 3072)
	head, _ := br.Peek(3072)
	return readCloser{Reader: br, Closer: rc}, mimetype.Detect(head).String(), nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// limitReader fails with ErrTooLarge instead of truncating.
type limitReader struct {
	r io.Reader
	n int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	if l.n < 0 {
		return 0, ErrTooLarge
	}
	if int64(len(p)) > l.n+1 {
		p = p[:l.n+1]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	if l.n < 0 {
		return n, ErrTooLarge
	}
	return n, err
}
