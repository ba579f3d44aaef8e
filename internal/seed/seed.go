// Package seed uploads prerendered build output into the artifact store.
//
// A page is the set of sibling files sharing a stem: "<page>.html",
// "<page>.json" and "<page>.rsc". An optional "<page>.meta" JSON file
// carries the revalidate window and tags:
//
//	{"revalidate": 60, "tags": ["posts"]}
//
// Pages without a meta file use the uploader's default window. A window of
// zero means the page is never stored.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"edgecache/internal/artifact"
	"edgecache/internal/cachekey"
)

// Putter is the artifact store write path.
type Putter interface {
	Put(ctx context.Context, pageKey, cacheKey string, v artifact.Value, revalidate int, tags []string) error
}

type Result struct {
	Uploaded int
	Skipped  int
	Failed   int
}

type Uploader struct {
	store         Putter
	variance      cachekey.Config
	defaultWindow int
	concurrency   int
	logger        *zap.Logger
}

// NewUploader stores pages under the cache key a request without variance
// facets derives under variance.
func NewUploader(store Putter, variance cachekey.Config, defaultWindow, concurrency int, logger *zap.Logger) *Uploader {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Uploader{
		store:         store,
		variance:      variance,
		defaultWindow: defaultWindow,
		concurrency:   concurrency,
		logger:        logger.Named("seed"),
	}
}

type pageFiles struct {
	path string // request path, "/" for the root page
	html string
	json string
	rsc  string
	meta string
}

type pageMeta struct {
	Revalidate *int     `json:"revalidate"`
	Tags       []string `json:"tags"`
}

// Upload walks dir with an explicit worklist and uploads every page found.
// Individual page failures are logged and counted; the error is only set when
// the directory itself cannot be read or ctx ends.
func (u *Uploader) Upload(ctx context.Context, dir string) (Result, error) {
	pages, err := collect(ctx, dir)
	if err != nil {
		return Result{}, err
	}

	var (
		mu  sync.Mutex
		res Result
	)
	count := func(f func(r *Result)) {
		mu.Lock()
		f(&res)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.concurrency)
	for _, p := range pages {
		p := p // per-iteration copy (go 1.22 loop semantics)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			stored, err := u.uploadPage(gctx, p)
			switch {
			case err != nil:
				u.logger.Warn("page upload failed", zap.String("path", p.path), zap.Error(err))
				count(func(r *Result) { r.Failed++ })
			case !stored:
				count(func(r *Result) { r.Skipped++ })
			default:
				count(func(r *Result) { r.Uploaded++ })
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	u.logger.Info("seed finished",
		zap.String("dir", dir),
		zap.Int("uploaded", res.Uploaded),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

func (u *Uploader) uploadPage(ctx context.Context, p pageFiles) (bool, error) {
	window, tags := u.defaultWindow, []string(nil)
	if p.meta != "" {
		b, err := os.ReadFile(p.meta)
		if err != nil {
			return false, err
		}
		var m pageMeta
		if err := json.Unmarshal(b, &m); err != nil {
			return false, fmt.Errorf("parse %s: %w", p.meta, err)
		}
		if m.Revalidate != nil {
			window = *m.Revalidate
		}
		tags = m.Tags
	}
	if window <= 0 {
		return false, nil
	}

	v, err := p.value()
	if err != nil {
		return false, err
	}
	if v == nil {
		return false, nil
	}

	key := cachekey.Derive(u.variance, p.path, http.Header{}, nil)
	if err := u.store.Put(ctx, key.PageKey, key.CacheKey, v, window, tags); err != nil {
		return false, err
	}
	u.logger.Debug("page uploaded", zap.String("path", p.path), zap.String("kind", string(v.Kind())), zap.Int("window", window))
	return true, nil
}

// value reads the page files into the artifact variant they make up.
func (p pageFiles) value() (artifact.Value, error) {
	read := func(name string) ([]byte, error) {
		if name == "" {
			return nil, nil
		}
		return os.ReadFile(name)
	}
	html, err := read(p.html)
	if err != nil {
		return nil, err
	}
	data, err := read(p.json)
	if err != nil {
		return nil, err
	}
	rsc, err := read(p.rsc)
	if err != nil {
		return nil, err
	}
	switch {
	case rsc != nil:
		return artifact.AppPage{HTML: html, RSC: rsc, Status: http.StatusOK}, nil
	case html != nil:
		return artifact.Page{HTML: html, PageData: data}, nil
	case data != nil:
		return artifact.Fetch{Data: data}, nil
	}
	return nil, nil
}

// collect groups the files under root by page without recursion.
func collect(ctx context.Context, root string) ([]pageFiles, error) {
	pages := map[string]*pageFiles{}
	queue := []string{"."}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel := queue[0]
		queue = queue[1:]

		entries, err := os.ReadDir(filepath.Join(root, rel))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", filepath.Join(root, rel), err)
		}
		for _, e := range entries {
			name := filepath.Join(rel, e.Name())
			if e.IsDir() {
				queue = append(queue, name)
				continue
			}
			ext := strings.TrimPrefix(filepath.Ext(name), ".")
			stem := filepath.ToSlash(strings.TrimSuffix(name, "."+ext))
			full := filepath.Join(root, name)

			p := pages[stem]
			if p == nil {
				p = &pageFiles{path: pagePath(stem)}
			}
			switch ext {
			case artifact.ExtHTML:
				p.html = full
			case artifact.ExtJSON:
				p.json = full
			case artifact.ExtRSC:
				p.rsc = full
			case artifact.ExtMeta:
				p.meta = full
			default:
				continue
			}
			pages[stem] = p
		}
	}

	out := make([]pageFiles, 0, len(pages))
	for _, p := range pages {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out, nil
}

func pagePath(stem string) string {
	stem = path.Clean("/" + stem)
	if stem == "/"+cachekey.IndexPage {
		return "/"
	}
	return stem
}
