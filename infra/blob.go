package infra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/tnqbao/gau-workflow-monitor/entity"
)

var ErrObjectNotFound = errors.New("object not found")

type BlobObject struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// BlobStore is the object storage capability the monitor needs.
type BlobStore interface {
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	List(ctx context.Context, bucket, prefix string) ([]BlobObject, error)
	Delete(ctx context.Context, bucket, key string) error
}

// ParseObjectURL splits gs://bucket/key and s3://bucket/key URLs.
func ParseObjectURL(rawURL string) (bucket, key string, ok bool) {
	var rest string
	switch {
	case strings.HasPrefix(rawURL, "gs://"):
		rest = strings.TrimPrefix(rawURL, "gs://")
	case strings.HasPrefix(rawURL, "s3://"):
		rest = strings.TrimPrefix(rawURL, "s3://")
	default:
		return "", "", false
	}

	bucket, key, found := strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// ObjectBaseName returns the last path element of a local path or object URL.
func ObjectBaseName(location string) string {
	if _, key, ok := ParseObjectURL(location); ok {
		return path.Base(key)
	}
	return filepath.Base(location)
}

// CopyObjectToFile downloads an object URL, or copies a local file, into dest.
func CopyObjectToFile(ctx context.Context, store BlobStore, location, dest string) (int64, error) {
	src, err := openLocation(ctx, store, location)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create directory for %s: %w", dest, err)
	}

	out, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", dest, err)
	}

	n, err := io.Copy(out, src)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("failed to copy %s to %s: %w", location, dest, err)
	}
	return n, nil
}

func openLocation(ctx context.Context, store BlobStore, location string) (io.ReadCloser, error) {
	if bucket, key, ok := ParseObjectURL(location); ok {
		if store == nil {
			return nil, fmt.Errorf("no object store configured for %s", location)
		}
		return store.Get(ctx, bucket, key)
	}

	f, err := os.Open(location)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, location)
		}
		return nil, err
	}
	return f, nil
}

// LogReader reads task log files referenced by job metadata.
type LogReader interface {
	ReadLog(ctx context.Context, location string) ([]byte, error)
}

// BlobLogReader reads logs from the local filesystem or, for object URLs, from a BlobStore.
// Logs longer than MaxBytes are truncated to their last MaxBytes.
type BlobLogReader struct {
	Store    BlobStore
	MaxBytes int64
}

func NewBlobLogReader(store BlobStore) *BlobLogReader {
	return &BlobLogReader{Store: store, MaxBytes: 1 << 20}
}

func (r *BlobLogReader) ReadLog(ctx context.Context, location string) ([]byte, error) {
	if location == "" {
		return nil, fmt.Errorf("%w: empty log location", ErrObjectNotFound)
	}

	src, err := openLocation(ctx, r.Store, location)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", location, err)
	}
	if r.MaxBytes > 0 && int64(len(data)) > r.MaxBytes {
		data = data[int64(len(data))-r.MaxBytes:]
	}
	return data, nil
}

// ReadLogExcerpt never fails; unreadable logs produce placeholder content.
func ReadLogExcerpt(ctx context.Context, reader LogReader, name, location string) entity.LogExcerpt {
	excerpt := entity.LogExcerpt{Name: name, Path: location}
	if location == "" {
		excerpt.Content = "No log file was recorded for this call."
		return excerpt
	}
	if reader == nil {
		excerpt.Content = fmt.Sprintf("Log %s is not readable from this host.", location)
		return excerpt
	}

	data, err := reader.ReadLog(ctx, location)
	if err != nil {
		excerpt.Content = fmt.Sprintf("Unable to read %s: %v", location, err)
		return excerpt
	}
	excerpt.Content = string(data)
	return excerpt
}
