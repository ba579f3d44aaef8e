// Package origin talks to the render origin: it forwards live requests and
// issues warm-up GETs, both behind one circuit breaker.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"edgecache/internal/apperr"
	"edgecache/internal/metrics"
)

// WarmHeader marks warm-up requests so the origin can tell them apart.
const WarmHeader = "X-Edge-Warm"

type Config struct {
	BaseURL string
	// Host overrides the Host header sent upstream.
	Host    string
	Timeout time.Duration

	// Breaker trips when at least MinRequests were seen in Interval and the
	// failure ratio reached FailureRatio; it stays open for OpenTimeout.
	MinRequests  uint32
	FailureRatio float64
	Interval     time.Duration
	OpenTimeout  time.Duration
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MinRequests == 0 {
		c.MinRequests = 5
	}
	if c.FailureRatio == 0 {
		c.FailureRatio = 0.8
	}
	if c.Interval == 0 {
		c.Interval = 30 * time.Second
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = 10 * time.Second
	}
}

type Client struct {
	base      *url.URL
	host      string
	http      *http.Client
	transport http.RoundTripper
	cb        *gobreaker.CircuitBreaker
	logger    *zap.Logger
	metrics   *metrics.Collector
}

func New(cfg Config, logger *zap.Logger, m *metrics.Collector) (*Client, error) {
	cfg.defaults()
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, apperr.Invalid("origin.new", fmt.Errorf("invalid origin url %q", cfg.BaseURL))
	}
	logger = logger.Named("origin")

	c := &Client{
		base:    base,
		host:    cfg.Host,
		logger:  logger,
		metrics: m,
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "origin",
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("origin breaker state changed", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	c.transport = &breakerTransport{cb: c.cb, next: http.DefaultTransport}
	c.http = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: c.transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return c, nil
}

// URL resolves p, which may carry a query, against the origin base.
func (c *Client) URL(p string) *url.URL {
	u := *c.base
	rel, err := url.Parse(p)
	if err != nil {
		rel = &url.URL{Path: p}
	}
	u.Path = strings.TrimRight(c.base.Path, "/") + "/" + strings.TrimLeft(rel.Path, "/")
	u.RawQuery = rel.RawQuery
	return &u
}

// Warm requests p from the origin and discards the body. It only reports
// failure; callers log and move on.
func (c *Client) Warm(ctx context.Context, p string) error {
	u := c.URL(p)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return apperr.Origin("origin.warm", err)
	}
	req.Header.Set(WarmHeader, "1")
	if c.host != "" {
		req.Host = c.host
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.Warm("failed")
		return apperr.Origin("origin.warm", fmt.Errorf("GET %s: %w", u.Path, err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		c.metrics.Warm("failed")
		return apperr.Origin("origin.warm", fmt.Errorf("GET %s: status %d", u.Path, resp.StatusCode))
	}
	c.metrics.Warm("ok")
	return nil
}

// Forward proxies r to target with header replacing the request headers.
// modify, when set, sees the origin response before it is written. Transport
// failures become a 502 whose body carries the error message.
func (c *Client) Forward(w http.ResponseWriter, r *http.Request, target *url.URL, header http.Header, modify func(*http.Response) error) {
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL = cloneURL(target)
			pr.Out.Header = header.Clone()
			pr.Out.Host = target.Host
			if h := header.Get("Host"); h != "" {
				pr.Out.Host = h
				pr.Out.Header.Del("Host")
			} else if c.host != "" {
				pr.Out.Host = c.host
			}
		},
		Transport:      c.transport,
		ModifyResponse: modify,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			c.logger.Warn("origin forward failed",
				zap.String("path", r.URL.Path),
				zap.Error(err),
			)
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, apperr.Origin("origin.forward", err).Error())
		},
	}
	proxy.ServeHTTP(w, r)
}

func cloneURL(u *url.URL) *url.URL {
	out := *u
	return &out
}

// errServerStatus marks a 5xx response as a breaker failure while the
// response itself is still handed back to the caller.
var errServerStatus = errors.New("origin returned 5xx")

type breakerTransport struct {
	cb   *gobreaker.CircuitBreaker
	next http.RoundTripper
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := t.cb.Execute(func() (interface{}, error) {
		resp, err := t.next.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return resp, errServerStatus
		}
		return resp, nil
	})
	if errors.Is(err, errServerStatus) {
		return res.(*http.Response), nil
	}
	if err != nil {
		return nil, err
	}
	return res.(*http.Response), nil
}
