// Package server is the edge HTTP surface: it runs the routing engine for
// every request, serves stored artifacts, forwards to the origin with
// write-back, and accepts revalidation requests.
package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"edgecache/internal/artifact"
	"edgecache/internal/logging"
	"edgecache/internal/metrics"
	"edgecache/internal/origin"
	"edgecache/internal/revalidate"
	"edgecache/internal/routing"
)

// EdgeHeader reports the edge decision on every response.
const EdgeHeader = "X-Edge-Cache"

// Usage is implemented by local object store backends that know their size.
type Usage interface {
	Len() int
	TotalSize() int64
}

type Options struct {
	// CaptureMaxBody bounds origin responses written back to the store;
	// zero disables write-back.
	CaptureMaxBody int64
	// WarmOnAccept warms revalidated paths right after they are enqueued.
	WarmOnAccept bool
	JWTSecret    string
	JWTIssuer    string
	StatsEvery   time.Duration
	// BackgroundLimit caps concurrent write-backs and warms.
	BackgroundLimit int
	Usage           Usage
}

type Service struct {
	opts    Options
	engine  *routing.Engine
	store   *artifact.Store
	origin  *origin.Client
	queue   revalidate.Queue
	logger  *zap.Logger
	metrics *metrics.Collector

	validate *validator.Validate

	bgSem chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup

	overflowLog *logging.Limited

	stats *logging.SizeStats
}

func NewService(opts Options, engine *routing.Engine, store *artifact.Store, oc *origin.Client, queue revalidate.Queue, logger *zap.Logger, m *metrics.Collector) *Service {
	if opts.BackgroundLimit <= 0 {
		opts.BackgroundLimit = 32
	}
	logger = logger.Named("server")
	s := &Service{
		opts:        opts,
		engine:      engine,
		store:       store,
		origin:      oc,
		queue:       queue,
		logger:      logger,
		metrics:     m,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		bgSem:       make(chan struct{}, opts.BackgroundLimit),
		stopCh:      make(chan struct{}),
		overflowLog: logging.NewLimited(logger, time.Minute),
	}

	if opts.StatsEvery > 0 {
		s.stats = logging.NewSizeStats()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(opts.StatsEvery)
		}()
	}
	return s
}

// Close stops the stats loop and waits for background work to drain.
func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Post(s.revalidatePath(), s.handleRevalidate)
	r.HandleFunc("/*", s.handleEdge)
	return r
}

func (s *Service) revalidatePath() string {
	return strings.TrimRight(s.engine.Table().APIPrefix, "/") + "/revalidate-pages"
}

// background runs fn on its own goroutine unless the semaphore is full, in
// which case the work is dropped and false is returned.
func (s *Service) background(name string, fn func(ctx context.Context)) bool {
	select {
	case s.bgSem <- struct{}{}:
	default:
		s.overflowLog.Warn("background queue full, dropping work", zap.String("task", name))
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.bgSem }()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		fn(ctx)
	}()
	return true
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			fields := []zap.Field{
				zap.Uint64("served", ss.Count),
				zap.String("min", logging.FormatBytes(ss.Min)),
				zap.String("avg", logging.FormatBytes(ss.Avg)),
				zap.String("max", logging.FormatBytes(ss.Max)),
			}
			if s.opts.Usage != nil {
				fields = append(fields,
					zap.Int("objects", s.opts.Usage.Len()),
					zap.String("storeSize", logging.FormatBytes(uint64(s.opts.Usage.TotalSize()))),
				)
			}
			s.logger.Info("served artifact sizes", fields...)
		}
	}
}

// requestLogger logs one line per request with the edge decision.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("requestId", middleware.GetReqID(r.Context())),
					zap.String("edge", ww.Header().Get(EdgeHeader)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func setEdgeHeaders(h http.Header, cache string) {
	if cache != "" {
		h.Set(EdgeHeader, cache)
	}
	// browsers only let scripts read custom headers that are exposed
	ensureExposedHeader(h, EdgeHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
