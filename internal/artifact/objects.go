package artifact

import (
	"context"
	"io"
	"time"
)

// Object metadata keys. User metadata keys are stored lowercase.
const (
	MetaFragmentKey = "cache-fragment-key"
	MetaTags        = "cache-tags"
)

// ObjectInfo is what a stat returns; it never includes the body.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ContentType  string
	CacheControl string
	Metadata     map[string]string
}

type PutOptions struct {
	ContentType  string
	CacheControl string
	Metadata     map[string]string
}

// ObjectStore is the backing object storage. StatObject and GetObject return
// an apperr NotFound error for absent keys. DeleteObjects receives at most
// MaxDeleteBatch keys per call and treats absent keys as deleted.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, body []byte, opts PutOptions) error
	StatObject(ctx context.Context, key string) (ObjectInfo, error)
	GetObject(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	DeleteObjects(ctx context.Context, keys []string) error
}
