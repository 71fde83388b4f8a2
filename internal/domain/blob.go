package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver copies old ledger history to cold storage. Archival never
// deletes from the primary store; pruning archived yield events is a
// separate explicit step run after the upload is verified, and positions
// are never pruned at all since boot replay needs the full history.
type Archiver interface {
	ArchiveYieldEvents(ctx context.Context, before time.Time) (int64, error)
	ArchiveRedeemedPositions(ctx context.Context, before time.Time) (int64, error)
}
