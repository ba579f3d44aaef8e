// Package artifact stores rendered page artifacts as one object per
// representation under a shared "{pageKey}/{cacheKey}" prefix and keeps the
// tag index in step with them.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"edgecache/internal/apperr"
	"edgecache/internal/batch"
	"edgecache/internal/cachekey"
	"edgecache/internal/logging"
	"edgecache/internal/metrics"
	"edgecache/internal/tagindex"
)

// MaxDeleteBatch is the object store's per-call delete ceiling.
const MaxDeleteBatch = 1000

// Indexer is the part of the tag index a put or delete touches.
type Indexer interface {
	Put(ctx context.Context, e tagindex.Entry) error
	Delete(ctx context.Context, pageKey, cacheKey string) error
}

// Meta is the existence check result for one object.
type Meta struct {
	Present      bool
	LastModified time.Time
	CacheControl string
	// Expires is LastModified plus the stored max age; zero when unknown.
	Expires     time.Time
	ContentType string
	FragmentKey string
	Size        int64
}

// Expired reports whether the object is past its freshness window at now.
func (m Meta) Expired(now time.Time) bool {
	return !m.Present || IsExpired(now, m.LastModified, m.CacheControl)
}

type Store struct {
	objects ObjectStore
	index   Indexer
	logger  *zap.Logger
	errLog  *logging.Limited
	metrics *metrics.Collector
	tracer  trace.Tracer
}

func NewStore(objects ObjectStore, index Indexer, logger *zap.Logger, m *metrics.Collector) *Store {
	logger = logger.Named("artifact")
	return &Store{
		objects: objects,
		index:   index,
		logger:  logger,
		errLog:  logging.NewLimited(logger, time.Minute),
		metrics: m,
		tracer:  otel.Tracer("edgecache/artifact"),
	}
}

// Put stores every representation of v and then the index entry. It does
// nothing when revalidate <= 0 or v is a Redirect. The object writes and the
// index write are not transactional.
func (s *Store) Put(ctx context.Context, pageKey, cacheKey string, v Value, revalidate int, tags []string) error {
	if revalidate <= 0 || v == nil {
		return nil
	}
	if _, ok := v.(Redirect); ok {
		return nil
	}
	reps, err := v.representations()
	if err != nil {
		s.metrics.ArtifactWrite("error")
		return apperr.Invalid("artifact.put", err)
	}
	if len(reps) == 0 {
		return nil
	}

	prefix := cachekey.StoragePrefix(pageKey, cacheKey)
	opts := PutOptions{
		CacheControl: CacheControl(revalidate),
		Metadata:     map[string]string{MetaFragmentKey: cacheKey},
	}
	if enc := tagindex.EncodeTags(tags); enc != "" {
		opts.Metadata[MetaTags] = enc
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, rep := range reps {
		rep := rep // per-iteration copy (go 1.22 loop semantics)
		o := opts
		o.ContentType = rep.ContentType
		key := prefix + "." + rep.Ext
		g.Go(func() error {
			if err := s.objects.PutObject(gctx, key, rep.Body, o); err != nil {
				return fmt.Errorf("put %s: %w", key, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.metrics.ArtifactWrite("error")
		s.metrics.StoreError("put")
		return apperr.Unavailable("artifact.put", err)
	}

	err = s.index.Put(ctx, tagindex.Entry{
		PageKey:    pageKey,
		CacheKey:   cacheKey,
		StorageKey: prefix,
		Tags:       tags,
	})
	if err != nil {
		// objects stay servable by path; only tag invalidation misses them
		s.metrics.ArtifactWrite("index_error")
		s.metrics.StoreError("index_put")
		return fmt.Errorf("index %s: %w", prefix, err)
	}
	s.metrics.ArtifactWrite("ok")
	s.logger.Debug("artifact stored",
		zap.String("prefix", prefix),
		zap.String("kind", string(v.Kind())),
		zap.Int("revalidate", revalidate),
		zap.Strings("tags", tags),
	)
	return nil
}

// Exists stats one object without reading its body. An absent object is
// Meta{Present: false} with a nil error.
func (s *Store) Exists(ctx context.Context, storageKey string) (Meta, error) {
	ctx, span := s.tracer.Start(ctx, "artifact.Exists",
		trace.WithAttributes(attribute.String("storage.key", storageKey)))
	defer span.End()

	info, err := s.objects.StatObject(ctx, storageKey)
	if apperr.IsNotFound(err) {
		span.SetAttributes(attribute.Bool("storage.present", false))
		return Meta{}, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.StoreError("exists")
		s.errLog.Warn("object stat failed", zap.String("key", storageKey), zap.Error(err))
		return Meta{}, apperr.Unavailable("artifact.exists", err)
	}
	span.SetAttributes(attribute.Bool("storage.present", true))
	return metaOf(info), nil
}

// Open returns the object body with its metadata. The caller closes it.
func (s *Store) Open(ctx context.Context, storageKey string) (io.ReadCloser, Meta, error) {
	rc, info, err := s.objects.GetObject(ctx, storageKey)
	if err != nil {
		if !apperr.IsNotFound(err) {
			s.metrics.StoreError("get")
			s.errLog.Warn("object read failed", zap.String("key", storageKey), zap.Error(err))
		}
		return nil, Meta{}, err
	}
	return rc, metaOf(info), nil
}

func metaOf(info ObjectInfo) Meta {
	m := Meta{
		Present:      true,
		LastModified: info.LastModified,
		CacheControl: info.CacheControl,
		ContentType:  info.ContentType,
		FragmentKey:  info.Metadata[MetaFragmentKey],
		Size:         info.Size,
	}
	if maxAge, ok := MaxAge(info.CacheControl); ok && !info.LastModified.IsZero() {
		m.Expires = info.LastModified.Add(maxAge)
	}
	return m
}

// ObjectKeys lists the key of every known representation under prefix.
func ObjectKeys(prefix string) []string {
	keys := make([]string, 0, len(KnownExtensions))
	for _, ext := range KnownExtensions {
		keys = append(keys, prefix+"."+ext)
	}
	return keys
}

// DeleteByKey removes every representation of one artifact and its index
// entry. Deleting an absent artifact succeeds.
func (s *Store) DeleteByKey(ctx context.Context, pageKey, cacheKey string) error {
	prefix := cachekey.StoragePrefix(pageKey, cacheKey)
	var errs []error
	if err := s.objects.DeleteObjects(ctx, ObjectKeys(prefix)); err != nil {
		s.metrics.StoreError("delete")
		errs = append(errs, fmt.Errorf("delete objects %s: %w", prefix, err))
	}
	if err := s.index.Delete(ctx, pageKey, cacheKey); err != nil {
		s.metrics.StoreError("index_delete")
		errs = append(errs, fmt.Errorf("delete index %s: %w", prefix, err))
	}
	if len(errs) > 0 {
		return apperr.Unavailable("artifact.delete", errors.Join(errs...))
	}
	return nil
}

// DeleteBatch deletes storageKeys in chunks of MaxDeleteBatch issued
// concurrently. A failed chunk is logged and reported in the result; the
// other chunks still run.
func (s *Store) DeleteBatch(ctx context.Context, storageKeys []string) batch.Result {
	chunks := batch.Chunk(storageKeys, MaxDeleteBatch)
	errs := batch.Each(ctx, chunks, 0, func(ctx context.Context, i int, chunk []string) error {
		err := s.objects.DeleteObjects(ctx, chunk)
		if err != nil {
			s.logger.Warn("object delete chunk failed",
				zap.Int("chunk", i),
				zap.Int("size", len(chunk)),
				zap.Error(err),
			)
		}
		return err
	})
	s.metrics.DeleteChunks("objects", len(chunks)-len(errs), len(errs))
	return batch.Summarize(len(storageKeys), len(chunks), errs)
}
