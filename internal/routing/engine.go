// Package routing decides, per request, whether to redirect, serve a stored
// artifact, or forward to the render origin.
//
// The decision runs in a fixed order: API bypass, redirect rules, locale
// redirect, rewrite rules, cache key derivation and finally the freshness
// check. Any failure on the way becomes a forward to the origin.
package routing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"edgecache/internal/artifact"
	"edgecache/internal/cachekey"
	"edgecache/internal/metrics"
)

type Action string

const (
	ActionRedirect Action = "redirect"
	ActionServe    Action = "serve"
	ActionForward  Action = "forward"
)

// Cache status values reported in the X-Edge-Cache response header.
const (
	CacheHit      = "HIT"
	CacheMiss     = "MISS"
	CacheStale    = "STALE"
	CacheBypass   = "BYPASS"
	CacheRedirect = "REDIRECT"
)

var baseForwardHeaders = []string{
	"Accept",
	"Accept-Language",
	"Authorization",
	"Content-Type",
	"Cookie",
	"User-Agent",
	"RSC",
	"Next-Router-State-Tree",
	"Next-Router-Prefetch",
}

// Decision is the outcome for one request.
type Decision struct {
	Action Action
	Cache  string

	// Redirect
	Status   int
	Location string

	// Path is the working path after rewrites. For ActionServe it is the
	// storage key as an absolute path.
	Path      string
	RawQuery  string
	Rewritten bool

	Cacheable bool
	Key       cachekey.Key
	Meta      artifact.Meta
	Expired   bool

	// OriginURL and Header are set for forwards, and for serves so that
	// delivery can fall back to the origin.
	OriginURL *url.URL
	Header    http.Header

	Reason string
}

// ExistenceChecker is the slice of the artifact store the engine reads.
type ExistenceChecker interface {
	Exists(ctx context.Context, storageKey string) (artifact.Meta, error)
}

type EngineConfig struct {
	// Origin is the render origin base URL.
	Origin string
	// OriginHost overrides the Host header sent to the origin.
	OriginHost    string
	ExistsTimeout time.Duration
}

type Engine struct {
	table         *Table
	store         ExistenceChecker
	origin        *url.URL
	originHost    string
	existsTimeout time.Duration

	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
}

func NewEngine(table *Table, store ExistenceChecker, cfg EngineConfig, logger *zap.Logger, m *metrics.Collector) (*Engine, error) {
	origin, err := url.Parse(strings.TrimRight(cfg.Origin, "/"))
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("invalid origin %q", cfg.Origin)
	}
	if cfg.ExistsTimeout <= 0 {
		cfg.ExistsTimeout = 500 * time.Millisecond
	}
	return &Engine{
		table:         table,
		store:         store,
		origin:        origin,
		originHost:    cfg.OriginHost,
		existsTimeout: cfg.ExistsTimeout,
		now:           time.Now,
		logger:        logger.Named("routing"),
		metrics:       m,
		tracer:        otel.Tracer("edgecache/routing"),
	}, nil
}

// Table returns the route table the engine was built with.
func (e *Engine) Table() *Table { return e.table }

// Decide never fails: errors and panics become a forward to the origin.
func (e *Engine) Decide(ctx context.Context, r *http.Request) (d Decision) {
	ctx, span := e.tracer.Start(ctx, "routing.Decide",
		trace.WithAttributes(attribute.String("http.path", r.URL.Path)))
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("routing panic", zap.Any("panic", rec), zap.String("path", r.URL.Path))
			d = e.forward(r, r.URL.Path, r.URL.RawQuery, CacheBypass, fmt.Sprintf("panic: %v", rec))
		}
		span.SetAttributes(
			attribute.String("edge.action", string(d.Action)),
			attribute.String("edge.cache", d.Cache),
		)
		span.End()
		e.metrics.Decision(string(d.Action))
	}()
	return e.decide(ctx, r)
}

func (e *Engine) decide(ctx context.Context, r *http.Request) Decision {
	p := r.URL.Path
	if p == "" {
		p = "/"
	}
	query := r.URL.RawQuery

	if e.table.IsAPI(p) {
		return e.forward(r, p, query, CacheBypass, "api route")
	}

	for _, rl := range e.table.redirects {
		if dest, ok := rl.Match(p, r); ok {
			return e.redirect(rl.Status, dest, query)
		}
	}
	if loc, ok := e.table.localeRedirect(p, r); ok {
		return e.redirect(http.StatusTemporaryRedirect, loc, query)
	}

	rewritten := false
	for _, rl := range e.table.rewrites {
		dest, ok := rl.Match(p, r)
		if !ok {
			continue
		}
		u, err := url.Parse(dest)
		if err != nil {
			return e.forward(r, p, query, CacheBypass, "bad rewrite destination: "+err.Error())
		}
		if u.IsAbs() {
			return e.forwardTo(r, u, mergeQuery(u.RawQuery, query), CacheBypass, "external rewrite")
		}
		p, query, rewritten = u.Path, mergeQuery(u.RawQuery, query), true
		break
	}

	if !e.table.Cacheable(p) || (r.Method != http.MethodGet && r.Method != http.MethodHead) {
		d := e.forward(r, p, query, CacheBypass, "not cacheable")
		d.Rewritten = rewritten
		return d
	}

	q, _ := url.ParseQuery(query)
	key := cachekey.Derive(e.table.Variance, p, r.Header, q)

	cctx, cancel := context.WithTimeout(ctx, e.existsTimeout)
	meta, err := e.store.Exists(cctx, key.StorageKey)
	cancel()

	var d Decision
	switch {
	case err != nil:
		d = e.forward(r, p, query, CacheMiss, "existence check failed: "+err.Error())
	case !meta.Present:
		d = e.forward(r, p, query, CacheMiss, "not stored")
	case artifact.IsExpired(e.now(), meta.LastModified, meta.CacheControl):
		d = e.forward(r, p, query, CacheStale, "expired")
		d.Expired = true
	default:
		// the origin target is kept so delivery can fall back to it
		d = e.forward(r, p, query, CacheHit, "fresh")
		d.Action = ActionServe
		d.Path = "/" + key.StorageKey
	}
	d.Cacheable = true
	d.Rewritten = rewritten
	d.Key = key
	d.Meta = meta
	return d
}

func (e *Engine) redirect(status int, dest, query string) Decision {
	u, err := url.Parse(dest)
	if err != nil {
		return Decision{Action: ActionRedirect, Cache: CacheRedirect, Status: status, Location: dest, Reason: "redirect"}
	}
	u.Path = e.normalizeSlash(u.Path)
	if u.RawQuery == "" {
		u.RawQuery = query
	}
	return Decision{
		Action:   ActionRedirect,
		Cache:    CacheRedirect,
		Status:   status,
		Location: u.String(),
		Reason:   "redirect",
	}
}

func (e *Engine) normalizeSlash(p string) string {
	if p == "" || p == "/" {
		return p
	}
	if e.table.TrailingSlash {
		if strings.HasSuffix(p, "/") || path.Ext(p) != "" {
			return p
		}
		return p + "/"
	}
	return strings.TrimRight(p, "/")
}

func (e *Engine) forward(r *http.Request, p, query, cache, reason string) Decision {
	u := *e.origin
	u.Path = strings.TrimRight(e.origin.Path, "/") + p
	return e.forwardTo(r, &u, query, cache, reason)
}

func (e *Engine) forwardTo(r *http.Request, u *url.URL, query, cache, reason string) Decision {
	target := *u
	target.RawQuery = query
	return Decision{
		Action:    ActionForward,
		Cache:     cache,
		Path:      target.Path,
		RawQuery:  query,
		OriginURL: &target,
		Header:    e.forwardHeader(r),
		Reason:    reason,
	}
}

// forwardHeader keeps the allow-listed request headers and X-Forwarded-*.
func (e *Engine) forwardHeader(r *http.Request) http.Header {
	h := make(http.Header)
	for k, vs := range r.Header {
		_, allowed := e.table.forwardHeaders[k]
		if allowed || strings.HasPrefix(k, "X-Forwarded-") {
			h[k] = append([]string(nil), vs...)
		}
	}
	if r.Host != "" {
		h.Set("X-Forwarded-Host", r.Host)
	}
	if e.originHost != "" {
		h.Set("Host", e.originHost)
	}
	return h
}

// mergeQuery adds the request query to a destination query; destination
// values win on conflict.
func mergeQuery(dest, req string) string {
	if dest == "" {
		return req
	}
	if req == "" {
		return dest
	}
	d, err := url.ParseQuery(dest)
	if err != nil {
		return req
	}
	rq, _ := url.ParseQuery(req)
	for k, vs := range rq {
		if _, ok := d[k]; !ok {
			d[k] = vs
		}
	}
	return d.Encode()
}
