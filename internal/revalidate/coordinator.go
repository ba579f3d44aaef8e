// Package revalidate purges artifacts by path or tag and warms the origin
// afterwards. Requests arrive over a queue; the same Coordinator backs the
// long-running poller, the Lambda consumer and in-process processing.
package revalidate

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"edgecache/internal/apperr"
	"edgecache/internal/artifact"
	"edgecache/internal/batch"
	"edgecache/internal/cachekey"
	"edgecache/internal/metrics"
	"edgecache/internal/tagindex"
)

// Request is the queue message body.
type Request struct {
	Paths []string `json:"paths"`
	Tag   string   `json:"tag,omitempty"`
}

// Result counts what one revalidation did.
type Result struct {
	Entries        int
	ObjectsDeleted int
	ObjectsFailed  int
	EntriesDeleted int
	EntriesFailed  int
	Warmed         int
	WarmFailed     int
}

// Index is the part of the tag index revalidation reads and prunes.
type Index interface {
	QueryByTag(ctx context.Context, tag string) ([]tagindex.Entry, error)
	QueryByPages(ctx context.Context, pageKeys []string) ([]tagindex.Entry, error)
	DeleteBatch(ctx context.Context, keys []tagindex.EntryKey) batch.Result
}

// ObjectDeleter removes stored objects in bulk.
type ObjectDeleter interface {
	DeleteBatch(ctx context.Context, storageKeys []string) batch.Result
}

// Warmer requests a path from the origin.
type Warmer interface {
	Warm(ctx context.Context, path string) error
}

type Coordinator struct {
	index           Index
	objects         ObjectDeleter
	warmer          Warmer
	warmConcurrency int
	logger          *zap.Logger
	metrics         *metrics.Collector
	tracer          trace.Tracer
}

// NewCoordinator builds a coordinator. warmer may be nil to skip warming.
func NewCoordinator(index Index, objects ObjectDeleter, warmer Warmer, warmConcurrency int, logger *zap.Logger, m *metrics.Collector) *Coordinator {
	if warmConcurrency <= 0 {
		warmConcurrency = batch.DefaultConcurrency
	}
	return &Coordinator{
		index:           index,
		objects:         objects,
		warmer:          warmer,
		warmConcurrency: warmConcurrency,
		logger:          logger.Named("revalidate"),
		metrics:         m,
		tracer:          otel.Tracer("edgecache/revalidate"),
	}
}

// Revalidate resolves req to index entries, deletes their objects and
// entries, then warms the affected paths. Deletion and warm failures are
// reported in the Result; an error means the entries could not be resolved
// and the request should be retried.
func (c *Coordinator) Revalidate(ctx context.Context, req Request) (Result, error) {
	trigger := "paths"
	if req.Tag != "" {
		trigger = "tag"
	}
	ctx, span := c.tracer.Start(ctx, "revalidate.Revalidate", trace.WithAttributes(
		attribute.String("revalidate.trigger", trigger),
		attribute.String("revalidate.tag", req.Tag),
		attribute.Int("revalidate.paths", len(req.Paths)),
	))
	defer span.End()

	entries, err := c.resolve(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.Revalidation(trigger, "error")
		return Result{}, err
	}

	res := Result{Entries: len(entries)}
	if len(entries) > 0 {
		c.purge(ctx, entries, &res)
	}

	warm := warmPaths(req.Paths)
	if len(warm) == 0 {
		for _, e := range entries {
			warm = append(warm, cachekey.PagePath(e.PageKey))
		}
		warm = uniquePaths(warm)
	}
	c.warm(ctx, warm, &res)

	result := "ok"
	if res.ObjectsFailed > 0 || res.EntriesFailed > 0 {
		result = "partial"
	}
	c.metrics.Revalidation(trigger, result)
	span.SetAttributes(attribute.Int("revalidate.entries", res.Entries))
	c.logger.Info("revalidated",
		zap.String("trigger", trigger),
		zap.String("tag", req.Tag),
		zap.Strings("paths", req.Paths),
		zap.Int("entries", res.Entries),
		zap.Int("objectsDeleted", res.ObjectsDeleted),
		zap.Int("objectsFailed", res.ObjectsFailed),
		zap.Int("entriesDeleted", res.EntriesDeleted),
		zap.Int("warmed", res.Warmed),
		zap.Int("warmFailed", res.WarmFailed),
	)
	return res, nil
}

func (c *Coordinator) resolve(ctx context.Context, req Request) ([]tagindex.Entry, error) {
	if req.Tag != "" {
		entries, err := c.index.QueryByTag(ctx, req.Tag)
		if err != nil {
			return nil, fmt.Errorf("resolve tag %q: %w", req.Tag, err)
		}
		return entries, nil
	}
	if len(req.Paths) == 0 {
		return nil, apperr.Invalid("revalidate.resolve", fmt.Errorf("request has neither paths nor tag"))
	}
	pageKeys := make([]string, 0, len(req.Paths))
	for _, p := range req.Paths {
		pageKeys = append(pageKeys, cachekey.PageKey(pathOnly(p)))
	}
	entries, err := c.index.QueryByPages(ctx, pageKeys)
	if err != nil {
		return nil, fmt.Errorf("resolve paths: %w", err)
	}
	return entries, nil
}

// purge deletes objects first. Index entries are only dropped when every
// object chunk succeeded, so a later pass can still find stragglers.
func (c *Coordinator) purge(ctx context.Context, entries []tagindex.Entry, res *Result) {
	keys := make([]string, 0, len(entries)*len(artifact.KnownExtensions))
	ids := make([]tagindex.EntryKey, 0, len(entries))
	for _, e := range entries {
		prefix := e.StorageKey
		if prefix == "" {
			prefix = cachekey.StoragePrefix(e.PageKey, e.CacheKey)
		}
		keys = append(keys, artifact.ObjectKeys(prefix)...)
		ids = append(ids, e.Key())
	}

	objs := c.objects.DeleteBatch(ctx, keys)
	res.ObjectsDeleted, res.ObjectsFailed = objs.Succeeded(), objs.Failed
	if objs.Failed > 0 {
		c.logger.Warn("object deletion incomplete, keeping index entries for retry",
			zap.Int("failed", objs.Failed),
			zap.Int("chunks", len(objs.Errors)),
		)
		return
	}

	idx := c.index.DeleteBatch(ctx, ids)
	res.EntriesDeleted, res.EntriesFailed = idx.Succeeded(), idx.Failed
	c.metrics.DeleteChunks("index", idx.Chunks-len(idx.Errors), len(idx.Errors))
}

func (c *Coordinator) warm(ctx context.Context, paths []string, res *Result) {
	if c.warmer == nil || len(paths) == 0 {
		return
	}
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(c.warmConcurrency)
	for _, p := range paths {
		p := p // per-iteration copy (go 1.22 loop semantics)
		g.Go(func() error {
			err := c.warmer.Warm(ctx, p)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.WarmFailed++
				c.logger.Warn("warm failed", zap.String("path", p), zap.Error(err))
				return nil
			}
			res.Warmed++
			return nil
		})
	}
	_ = g.Wait()
}

// warmPaths keeps the path and query of each request path.
func warmPaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		if p[0] != '/' {
			p = "/" + p
		}
		out = append(out, p)
	}
	return uniquePaths(out)
}

func pathOnly(p string) string {
	if u, err := url.Parse(p); err == nil {
		return u.Path
	}
	return p
}

func uniquePaths(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, p := range in {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
