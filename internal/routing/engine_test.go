package routing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"edgecache/internal/artifact"
	"edgecache/internal/cachekey"
)

type fakeChecker struct {
	meta  map[string]artifact.Meta
	err   error
	delay time.Duration
	calls []string
	panic bool
}

func (f *fakeChecker) Exists(ctx context.Context, key string) (artifact.Meta, error) {
	f.calls = append(f.calls, key)
	if f.panic {
		panic("boom")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return artifact.Meta{}, ctx.Err()
		}
	}
	if f.err != nil {
		return artifact.Meta{}, f.err
	}
	return f.meta[key], nil
}

var fixedNow = time.Unix(1_700_000_000, 0)

func newEngine(t *testing.T, spec TableSpec, store ExistenceChecker) *Engine {
	t.Helper()
	table, err := NewTable(spec)
	require.NoError(t, err)
	e, err := NewEngine(table, store, EngineConfig{Origin: "http://origin.internal:3000", ExistsTimeout: 50 * time.Millisecond}, zap.NewNop(), nil)
	require.NoError(t, err)
	e.now = func() time.Time { return fixedNow }
	return e
}

func productsKey() cachekey.Key {
	return cachekey.Derive(cachekey.NewConfig(nil, []string{"color"}, false), "/products", http.Header{}, map[string][]string{"color": {"red"}})
}

func TestDecideServesFreshArtifact(t *testing.T) {
	key := productsKey()
	store := &fakeChecker{meta: map[string]artifact.Meta{
		key.StorageKey: {Present: true, LastModified: fixedNow.Add(-50 * time.Second), CacheControl: "s-maxage=100", FragmentKey: key.CacheKey},
	}}
	e := newEngine(t, TableSpec{Cacheable: []string{"/products"}, Variance: VarianceSpec{Queries: []string{"color"}}}, store)

	d := e.Decide(context.Background(), httptest.NewRequest(http.MethodGet, "/products?color=red", nil))

	assert.Equal(t, ActionServe, d.Action)
	assert.Equal(t, CacheHit, d.Cache)
	assert.Equal(t, "/products/"+key.CacheKey+".html", d.Path)
	assert.Equal(t, key.CacheKey, d.Meta.FragmentKey)
	assert.Equal(t, []string{key.StorageKey}, store.calls)
}

func TestDecideForwardsExpiredArtifact(t *testing.T) {
	key := productsKey()
	store := &fakeChecker{meta: map[string]artifact.Meta{
		key.StorageKey: {Present: true, LastModified: fixedNow.Add(-150 * time.Second), CacheControl: "s-maxage=100"},
	}}
	e := newEngine(t, TableSpec{Cacheable: []string{"/products"}, Variance: VarianceSpec{Queries: []string{"color"}}}, store)

	d := e.Decide(context.Background(), httptest.NewRequest(http.MethodGet, "/products?color=red", nil))

	assert.Equal(t, ActionForward, d.Action)
	assert.True(t, d.Expired)
	assert.Equal(t, CacheStale, d.Cache)
	assert.Equal(t, "http://origin.internal:3000/products?color=red", d.OriginURL.String())
}

func TestDecideMissingMetadataIsExpired(t *testing.T) {
	key := productsKey()
	store := &fakeChecker{meta: map[string]artifact.Meta{
		key.StorageKey: {Present: true},
	}}
	e := newEngine(t, TableSpec{Cacheable: []string{"/products"}, Variance: VarianceSpec{Queries: []string{"color"}}}, store)

	d := e.Decide(context.Background(), httptest.NewRequest(http.MethodGet, "/products?color=red", nil))

	assert.Equal(t, ActionForward, d.Action)
	assert.Equal(t, CacheStale, d.Cache)
}

func TestDecideFailsOpen(t *testing.T) {
	spec := TableSpec{Cacheable: []string{"/.*"}}

	t.Run("store error", func(t *testing.T) {
		e := newEngine(t, spec, &fakeChecker{err: errors.New("unavailable")})
		d := e.Decide(context.Background(), httptest.NewRequest(http.MethodGet, "/a", nil))
		assert.Equal(t, ActionForward, d.Action)
		assert.Equal(t, CacheMiss, d.Cache)
		assert.Contains(t, d.Reason, "unavailable")
	})

	t.Run("slow store", func(t *testing.T) {
		e := newEngine(t, spec, &fakeChecker{delay: time.Second})
		start := time.Now()
		d := e.Decide(context.Background(), httptest.NewRequest(http.MethodGet, "/a", nil))
		assert.Equal(t, ActionForward, d.Action)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})

	t.Run("panic", func(t *testing.T) {
		e := newEngine(t, spec, &fakeChecker{panic: true})
		d := e.Decide(context.Background(), httptest.NewRequest(http.MethodGet, "/a", nil))
		assert.Equal(t, ActionForward, d.Action)
		assert.Contains(t, d.Reason, "panic")
	})
}

func TestDecideRewritePrecedence(t *testing.T) {
	store := &fakeChecker{}
	e := newEngine(t, TableSpec{Rewrites: []RuleSpec{
		{Source: "/a/(.*)", Destination: "/x/$1"},
		{Source: "/a/b", Destination: "/y"},
	}}, store)

	d := e.Decide(context.Background(), httptest.NewRequest(http.MethodGet, "/a/b", nil))

	assert.Equal(t, ActionForward, d.Action)
	assert.True(t, d.Rewritten)
	assert.Equal(t, "/x/b", d.Path)
	assert.Equal(t, "http://origin.internal:3000/x/b", d.OriginURL.String())
}

func TestDecideRewriteThenCache(t *testing.T) {
	key := cachekey.Derive(cachekey.Config{}, "/blog/post", http.Header{}, nil)
	store := &fakeChecker{meta: map[string]artifact.Meta{
		key.StorageKey: {Present: true, LastModified: fixedNow, CacheControl: artifact.CacheControl(60)},
	}}
	e := newEngine(t, TableSpec{
		Cacheable: []string{"/blog/:slug"},
		Rewrites:  []RuleSpec{{Source: "/posts/:slug", Destination: "/blog/:slug?from=posts"}},
	}, store)

	d := e.Decide(context.Background(), httptest.NewRequest(http.MethodGet, "/posts/post?x=1", nil))

	assert.Equal(t, ActionServe, d.Action)
	assert.Equal(t, "blog/post", d.Key.PageKey)
	assert.Equal(t, "from=posts&x=1", d.RawQuery)
}

func TestDecideRedirect(t *testing.T) {
	e := newEngine(t, TableSpec{
		TrailingSlash: true,
		Redirects: []RuleSpec{
			{Source: "/old/:slug", Destination: "/new/:slug"},
			{Source: "/docs/(?P<section>[a-z]+)/(\\d+)", Destination: "/d/$section/$2", Permanent: true},
			{Source: "/ext", Destination: "https://example.com/landing?ref=edge", Status: 302},
		},
	}, &fakeChecker{})

	tests := []struct {
		path     string
		status   int
		location string
	}{
		{"/old/hello?utm=1", 307, "/new/hello/?utm=1"},
		{"/docs/api/42", 308, "/d/api/42/"},
		{"/ext?x=1", 302, "https://example.com/landing/?ref=edge"},
	}
	for _, tt := range tests {
		tt := tt // per-iteration copy (go 1.22 loop semantics)
		t.Run(tt.path, func(t *testing.T) {
			d := e.Decide(context.Background(), httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, ActionRedirect, d.Action)
			assert.Equal(t, CacheRedirect, d.Cache)
			assert.Equal(t, tt.status, d.Status)
			assert.Equal(t, tt.location, d.Location)
		})
	}
}

func TestDecideRedirectTrimsTrailingSlash(t *testing.T) {
	e := newEngine(t, TableSpec{Redirects: []RuleSpec{{Source: "/a", Destination: "/b/"}}}, &fakeChecker{})

	d := e.Decide(context.Background(), httptest.NewRequest(http.MethodGet, "/a", nil))

	assert.Equal(t, "/b", d.Location)
}

func TestDecideConditions(t *testing.T) {
	beta := "1"
	e := newEngine(t, TableSpec{Rewrites: []RuleSpec{
		{Source: "/home", Destination: "/home-beta", Has: []ConditionSpec{{Type: "cookie", Key: "beta", Value: &beta}}},
		{Source: "/home", Destination: "/home-mobile", Has: []ConditionSpec{{Type: "header", Key: "X-Mobile"}}},
		{Source: "/home", Destination: "/home-q", Has: []ConditionSpec{{Type: "query", Key: "v", Value: &beta}}},
	}}, &fakeChecker{})

	decide := func(mod func(r *http.Request), target string) Decision {
		r := httptest.NewRequest(http.MethodGet, target, nil)
		if mod != nil {
			mod(r)
		}
		return e.Decide(context.Background(), r)
	}

	assert.Equal(t, "/home-beta", decide(func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "beta", Value: "1"}) }, "/home").Path)
	assert.Equal(t, "/home-mobile", decide(func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "beta", Value: "0"})
		r.Header.Set("X-Mobile", "")
	}, "/home").Path)
	assert.Equal(t, "/home-q", decide(nil, "/home?v=1").Path)
	d := decide(nil, "/home?v=2")
	assert.Equal(t, "/home", d.Path)
	assert.False(t, d.Rewritten)
}

func TestDecideSkipsAPIPrefix(t *testing.T) {
	store := &fakeChecker{}
	e := newEngine(t, TableSpec{
		APIPrefix: "/api",
		Cacheable: []string{"/.*"},
		Redirects: []RuleSpec{{Source: "/api/x", Destination: "/elsewhere"}},
		Locales:   []string{"en", "de"},
	}, store)

	d := e.Decide(context.Background(), httptest.NewRequest(http.MethodPost, "/api/x", nil))

	assert.Equal(t, ActionForward, d.Action)
	assert.Equal(t, CacheBypass, d.Cache)
	assert.Empty(t, store.calls)
}

func TestDecideLocaleRedirect(t *testing.T) {
	spec := TableSpec{
		Locales:       []string{"en", "de", "fr"},
		DefaultLocale: "en",
		Redirects:     []RuleSpec{{Source: "/legacy", Destination: "/en/new"}},
	}
	e := newEngine(t, spec, &fakeChecker{})

	tests := []struct {
		name     string
		path     string
		mod      func(r *http.Request)
		location string
		action   Action
	}{
		{"default", "/about", nil, "/en/about", ActionRedirect},
		{"accept-language", "/about", func(r *http.Request) { r.Header.Set("Accept-Language", "de-DE,de;q=0.9") }, "/de/about", ActionRedirect},
		{"cookie wins", "/", func(r *http.Request) {
			r.Header.Set("Accept-Language", "de")
			r.AddCookie(&http.Cookie{Name: LocaleCookie, Value: "fr"})
		}, "/fr", ActionRedirect},
		{"already prefixed", "/de/about", nil, "", ActionForward},
		{"static asset", "/_next/static/chunk.js", nil, "", ActionForward},
		{"file", "/favicon.ico", nil, "", ActionForward},
		{"redirect rule first", "/legacy", nil, "/en/new", ActionRedirect},
	}
	for _, tt := range tests {
		tt := tt // per-iteration copy (go 1.22 loop semantics)
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.mod != nil {
				tt.mod(r)
			}
			d := e.Decide(context.Background(), r)
			assert.Equal(t, tt.action, d.Action)
			if tt.action == ActionRedirect {
				assert.Equal(t, http.StatusTemporaryRedirect, d.Status)
				assert.Equal(t, tt.location, d.Location)
			}
		})
	}
}

func TestDecideLocaleRedirectWithoutDetection(t *testing.T) {
	off := false
	e := newEngine(t, TableSpec{Locales: []string{"en", "de"}, DefaultLocale: "en", LocaleDetection: &off}, &fakeChecker{})
	r := httptest.NewRequest(http.MethodGet, "/about", nil)
	r.Header.Set("Accept-Language", "de")
	r.AddCookie(&http.Cookie{Name: LocaleCookie, Value: "de"})

	d := e.Decide(context.Background(), r)

	assert.Equal(t, ActionRedirect, d.Action)
	assert.Equal(t, "/en/about", d.Location)
}

func TestForwardHeaderAllowList(t *testing.T) {
	e := newEngine(t, TableSpec{ForwardHeaders: []string{"x-tenant"}}, &fakeChecker{})
	r := httptest.NewRequest(http.MethodGet, "http://shop.example.com/cart", nil)
	r.Header.Set("Cookie", "a=b")
	r.Header.Set("X-Tenant", "acme")
	r.Header.Set("X-Forwarded-For", "10.0.0.1")
	r.Header.Set("X-Secret", "nope")

	d := e.Decide(context.Background(), r)

	assert.Equal(t, "a=b", d.Header.Get("Cookie"))
	assert.Equal(t, "acme", d.Header.Get("X-Tenant"))
	assert.Equal(t, "10.0.0.1", d.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "shop.example.com", d.Header.Get("X-Forwarded-Host"))
	assert.Empty(t, d.Header.Get("X-Secret"))
}
