package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"edgecache/internal/artifact"
	"edgecache/internal/cachekey"
	"edgecache/internal/routing"
	"edgecache/internal/tagindex"
)

// Response headers set on delivered artifacts and read from the origin.
const (
	FragmentKeyHeader = "Cache-Fragment-Key"
	CacheTagsHeader   = "X-Cache-Tags"
)

func (s *Service) handleEdge(w http.ResponseWriter, r *http.Request) {
	d := s.engine.Decide(r.Context(), r)
	switch d.Action {
	case routing.ActionRedirect:
		setEdgeHeaders(w.Header(), d.Cache)
		http.Redirect(w, r, d.Location, d.Status)
	case routing.ActionServe:
		if s.serve(w, r, d) {
			return
		}
		// stored object vanished or the store failed between check and read
		d.Cache = routing.CacheMiss
		s.forward(w, r, d)
	default:
		s.forward(w, r, d)
	}
}

// serve writes the stored object. It reports false, having written nothing,
// when the object cannot be opened.
func (s *Service) serve(w http.ResponseWriter, r *http.Request, d routing.Decision) bool {
	rc, meta, err := s.store.Open(r.Context(), d.Key.StorageKey)
	if err != nil {
		s.logger.Debug("serve fell back to origin", zap.String("key", d.Key.StorageKey), zap.Error(err))
		return false
	}
	defer rc.Close()

	h := w.Header()
	if meta.ContentType != "" {
		h.Set("Content-Type", meta.ContentType)
	}
	if meta.CacheControl != "" {
		h.Set("Cache-Control", meta.CacheControl)
	}
	if meta.FragmentKey != "" {
		h.Set(FragmentKeyHeader, meta.FragmentKey)
	}
	if !meta.LastModified.IsZero() {
		h.Set("Last-Modified", meta.LastModified.UTC().Format(http.TimeFormat))
	}
	if meta.Size > 0 {
		h.Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	}
	setEdgeHeaders(h, d.Cache)
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return true
	}
	n, err := io.Copy(w, rc)
	if err != nil {
		s.logger.Debug("serve interrupted", zap.String("key", d.Key.StorageKey), zap.Error(err))
	}
	s.stats.Observe(n)
	return true
}

func (s *Service) forward(w http.ResponseWriter, r *http.Request, d routing.Decision) {
	var modify func(*http.Response) error
	if d.Cacheable && r.Method == http.MethodGet && s.opts.CaptureMaxBody > 0 {
		modify = func(resp *http.Response) error {
			s.capture(resp, d)
			return nil
		}
	}
	setEdgeHeaders(w.Header(), d.Cache)
	s.origin.Forward(w, r, d.OriginURL, d.Header, modify)
}

// capture arranges for a storable origin response to be written back once
// the proxy has streamed it to the client.
func (s *Service) capture(resp *http.Response, d routing.Decision) {
	if resp.StatusCode != http.StatusOK {
		return
	}
	if enc := resp.Header.Get("Content-Encoding"); enc != "" && !strings.EqualFold(enc, "identity") {
		return
	}
	cc := resp.Header.Get("Cache-Control")
	if artifact.NoStore(cc) {
		return
	}
	window, ok := sharedMaxAge(cc)
	if !ok || window <= 0 {
		return
	}
	if resp.ContentLength > s.opts.CaptureMaxBody {
		return
	}
	v := func(body []byte) artifact.Value { return captureValue(d.Key.ContentType, body) }
	tags := tagindex.TagsFromHeader(resp.Header.Get(CacheTagsHeader))
	resp.Body = &captureBody{
		ReadCloser: resp.Body,
		limit:      s.opts.CaptureMaxBody,
		done: func(body []byte) {
			s.writeBack(d.Key, v(body), window, tags)
		},
	}
}

func (s *Service) writeBack(key cachekey.Key, v artifact.Value, window int, tags []string) {
	if v == nil {
		return
	}
	s.background("write-back", func(ctx context.Context) {
		if err := s.store.Put(ctx, key.PageKey, key.CacheKey, v, window, tags); err != nil {
			s.overflowLog.Warn("write-back failed", zap.String("key", key.StorageKey), zap.Error(err))
			return
		}
		s.logger.Debug("write-back stored", zap.String("key", key.StorageKey), zap.Int("window", window))
	})
}

// captureValue maps a captured body to the artifact stored for the request's
// representation. Server-component payloads are only stored by seeding, as a
// partial app page would overwrite its HTML.
func captureValue(ct cachekey.ContentType, body []byte) artifact.Value {
	switch ct {
	case cachekey.HTML:
		return artifact.Page{HTML: body}
	case cachekey.JSON:
		return artifact.Fetch{Data: body}
	}
	return nil
}

// sharedMaxAge returns the s-maxage directive in seconds.
func sharedMaxAge(cc string) (int, bool) {
	for _, d := range strings.Split(cc, ",") {
		name, val, found := strings.Cut(strings.TrimSpace(d), "=")
		if !found || !strings.EqualFold(strings.TrimSpace(name), "s-maxage") {
			continue
		}
		n, err := strconv.Atoi(strings.Trim(strings.TrimSpace(val), `"`))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// captureBody buffers what the proxy reads, up to limit, and hands the whole
// body to done on a clean EOF. Oversized or interrupted bodies are dropped.
type captureBody struct {
	io.ReadCloser
	buf   bytes.Buffer
	limit int64
	over  bool
	fired bool
	done  func([]byte)
}

func (c *captureBody) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	if n > 0 && !c.over {
		if int64(c.buf.Len()+n) > c.limit {
			c.over = true
			c.buf.Reset()
		} else {
			c.buf.Write(p[:n])
		}
	}
	if err == io.EOF && !c.over && !c.fired {
		c.fired = true
		c.done(bytes.Clone(c.buf.Bytes()))
	}
	return n, err
}
