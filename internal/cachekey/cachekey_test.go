package cachekey

import (
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestDeriveProductsScenario(t *testing.T) {
	cfg := NewConfig(nil, []string{"color"}, false)
	r := httptest.NewRequest(http.MethodGet, "/products?color=red", nil)

	k := FromRequest(cfg, r)

	assert.Equal(t, "products", k.PageKey)
	assert.Equal(t, "query(color=red)", k.Facets)
	assert.Equal(t, md5hex("query(color=red)"), k.CacheKey)
	assert.Equal(t, "products/"+k.CacheKey+".html", k.StorageKey)
	assert.Equal(t, HTML, k.ContentType)
}

func TestDeriveIsOrderIndependent(t *testing.T) {
	cfg := NewConfig([]string{"theme", "ab"}, []string{"size", "color"}, true)

	a := httptest.NewRequest(http.MethodGet, "/shop?color=red&size=m&utm=x", nil)
	a.Header.Set("Cookie", "theme=dark; ab=b; session=1")
	a.Header.Set("CloudFront-Is-Mobile-Viewer", "true")

	b := httptest.NewRequest(http.MethodGet, "/shop?utm=y&size=m&color=red", nil)
	b.Header.Set("Cookie", "session=2; ab=b; theme=dark")
	b.Header.Set("CloudFront-Is-Mobile-Viewer", "true")

	ka, kb := FromRequest(cfg, a), FromRequest(cfg, b)
	assert.Equal(t, ka.CacheKey, kb.CacheKey)
	assert.Equal(t, "device(mobile)-cookie(ab=b)-cookie(theme=dark)-query(color=red)-query(size=m)", ka.Facets)

	// Unsorted config input yields the same key.
	reversed := Config{Cookies: []string{"theme", "ab"}, Queries: []string{"size", "color"}, DeviceSplit: true}
	assert.Equal(t, NewConfig(reversed.Cookies, reversed.Queries, true), cfg)
}

func TestDeriveEscapesDelimiters(t *testing.T) {
	cfg := NewConfig([]string{"a", "b"}, []string{"q"}, false)

	withEquals := url.Values{"q": {"x=y"}}
	withDash := url.Values{"q": {"x-y"}}
	ka := Derive(cfg, "/p", http.Header{}, withEquals)
	kb := Derive(cfg, "/p", http.Header{}, withDash)
	assert.Equal(t, "query(q=x%3Dy)", ka.Facets)
	assert.Equal(t, "query(q=x%2Dy)", kb.Facets)
	assert.NotEqual(t, ka.CacheKey, kb.CacheKey)

	// A value crafted to look like a second facet must not collide with one.
	two := http.Header{"Cookie": {"a=1; b=2"}}
	forged := http.Header{"Cookie": {"a=1)-cookie(b=2"}}
	assert.NotEqual(t,
		Derive(cfg, "/p", two, nil).CacheKey,
		Derive(cfg, "/p", forged, nil).CacheKey,
	)
}

func TestDeriveWithoutConfigIsPathOnly(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?color=red", nil)
	r.Header.Set("Cookie", "theme=dark")

	k := FromRequest(Config{}, r)
	assert.Equal(t, IndexPage, k.PageKey)
	assert.Equal(t, "", k.Facets)
	assert.Equal(t, md5hex(""), k.CacheKey)
}

func TestDeriveSkipsEmptyValues(t *testing.T) {
	cfg := NewConfig([]string{"theme"}, []string{"color"}, true)
	r := httptest.NewRequest(http.MethodGet, "/p?color=", nil)
	r.Header.Set("Cookie", "theme=")
	assert.Equal(t, "", FromRequest(cfg, r).Facets)
}

func TestContentType(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header http.Header
		want   ContentType
	}{
		{"html by default", "/about", nil, HTML},
		{"rsc marker", "/about?_rsc=abc", nil, RSC},
		{"json suffix", "/_next/data/build1/about.json", nil, JSON},
		{"json content type", "/about", http.Header{"Content-Type": {"application/json"}}, JSON},
	}
	for _, tt := range tests {
		tt := tt // per-iteration copy (go 1.22 loop semantics)
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			for k, v := range tt.header {
				r.Header[k] = v
			}
			assert.Equal(t, tt.want, FromRequest(Config{}, r).ContentType)
		})
	}
}

func TestPageKey(t *testing.T) {
	assert.Equal(t, "index", PageKey("/"))
	assert.Equal(t, "index", PageKey(""))
	assert.Equal(t, "blog/post-1", PageKey("/blog/post-1/"))
	assert.Equal(t, "blog/post-1", PageKey("/_next/data/abc123/blog/post-1.json"))
	assert.Equal(t, "index", PageKey("/_next/data/abc123/index.json"))
	assert.Equal(t, "/", PagePath("index"))
	assert.Equal(t, "/blog", PagePath("blog"))
}

func TestDataRouteSharesPrefixWithPage(t *testing.T) {
	page := Derive(Config{}, "/blog/a", http.Header{}, nil)
	data := Derive(Config{}, "/_next/data/b1/blog/a.json", http.Header{}, nil)
	require.Equal(t, page.Prefix(), data.Prefix())
	assert.Equal(t, page.Prefix()+".json", data.StorageKey)
}

func TestDeviceOfPriority(t *testing.T) {
	h := http.Header{}
	h.Set("CloudFront-Is-Tablet-Viewer", "true")
	h.Set("CloudFront-Is-Mobile-Viewer", "true")
	assert.Equal(t, DeviceMobile, DeviceOf(h))
	h.Set("CloudFront-Is-Desktop-Viewer", "true")
	assert.Equal(t, DeviceDesktop, DeviceOf(h))
	assert.Equal(t, DeviceNone, DeviceOf(http.Header{}))
}
