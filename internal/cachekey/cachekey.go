// Package cachekey derives the page key, variant cache key and storage key
// for a request from the configured cache-variance facets.
package cachekey

import (
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// ContentType is the representation a request asks for. It doubles as the
// storage object extension.
type ContentType string

const (
	HTML ContentType = "html"
	JSON ContentType = "json"
	RSC  ContentType = "rsc"
)

// IndexPage is the page key of the site root.
const IndexPage = "index"

// RSCQueryParam marks a request for the server-component payload.
const RSCQueryParam = "_rsc"

const dataRoutePrefix = "/_next/data/"

// Config lists the request attributes that participate in cache variance.
// Build it with NewConfig so the lists are sorted and deduplicated.
type Config struct {
	Cookies     []string
	Queries     []string
	DeviceSplit bool
}

// NewConfig returns a Config with sorted, deduplicated facet lists.
func NewConfig(cookies, queries []string, deviceSplit bool) Config {
	return Config{
		Cookies:     sortedUnique(cookies),
		Queries:     sortedUnique(queries),
		DeviceSplit: deviceSplit,
	}
}

// Key is the derived identity of one cached representation.
type Key struct {
	PageKey     string
	CacheKey    string
	StorageKey  string
	ContentType ContentType
	// Facets is the composed string the cache key was hashed from.
	Facets string
}

// Prefix is the storage path shared by every representation of the artifact.
func (k Key) Prefix() string { return StoragePrefix(k.PageKey, k.CacheKey) }

// FromRequest derives the key for r using its own path.
func FromRequest(cfg Config, r *http.Request) Key {
	return Derive(cfg, r.URL.Path, r.Header, r.URL.Query())
}

// Derive derives the key for path given the request headers and query.
// path is the working path after any rewrite.
func Derive(cfg Config, path string, header http.Header, query url.Values) Key {
	facets := Compose(cfg, header, query)
	ct := contentTypeOf(path, header, query)
	k := Key{
		PageKey:     PageKey(path),
		CacheKey:    Hash(facets),
		ContentType: ct,
		Facets:      facets,
	}
	k.StorageKey = StorageKey(k.PageKey, k.CacheKey, ct)
	return k
}

// PageKey normalizes a request path into a page key. Data-route requests
// resolve to the page they carry data for.
func PageKey(path string) string {
	if p, ok := dataRoutePage(path); ok {
		path = p
	}
	path = strings.Trim(path, "/")
	if path == "" {
		return IndexPage
	}
	return path
}

// PagePath is the inverse of PageKey for plain pages.
func PagePath(pageKey string) string {
	if pageKey == IndexPage || pageKey == "" {
		return "/"
	}
	return "/" + pageKey
}

// Hash returns the hex MD5 digest of the composed facet string.
func Hash(facets string) string {
	sum := md5.Sum([]byte(facets))
	return hex.EncodeToString(sum[:])
}

func StoragePrefix(pageKey, cacheKey string) string {
	return pageKey + "/" + cacheKey
}

func StorageKey(pageKey, cacheKey string, ct ContentType) string {
	return StoragePrefix(pageKey, cacheKey) + "." + string(ct)
}

// Compose builds the facet string "device(d)-cookie(n=v)-query(n=v)".
// Facets without a present, non-empty value are left out.
func Compose(cfg Config, header http.Header, query url.Values) string {
	var parts []string
	if cfg.DeviceSplit {
		if d := DeviceOf(header); d != DeviceNone {
			parts = append(parts, "device("+escape(string(d))+")")
		}
	}
	if len(cfg.Cookies) > 0 {
		jar := cookieValues(header)
		for _, name := range cfg.Cookies {
			if v := jar[name]; v != "" {
				parts = append(parts, facet("cookie", name, v))
			}
		}
	}
	for _, name := range cfg.Queries {
		vs := nonEmpty(query[name])
		if len(vs) == 0 {
			continue
		}
		sort.Strings(vs)
		esc := make([]string, len(vs))
		for i, v := range vs {
			esc[i] = escape(v)
		}
		parts = append(parts, "query("+escape(name)+"="+strings.Join(esc, ",")+")")
	}
	return strings.Join(parts, "-")
}

func facet(kind, name, value string) string {
	return kind + "(" + escape(name) + "=" + escape(value) + ")"
}

var facetEscaper = strings.NewReplacer(
	"%", "%25",
	"-", "%2D",
	"=", "%3D",
	"(", "%28",
	")", "%29",
	",", "%2C",
)

// escape percent-encodes the characters the facet grammar uses as delimiters.
func escape(s string) string { return facetEscaper.Replace(s) }

func cookieValues(header http.Header) map[string]string {
	r := http.Request{Header: header}
	out := map[string]string{}
	for _, c := range r.Cookies() {
		if _, ok := out[c.Name]; !ok {
			out[c.Name] = c.Value
		}
	}
	return out
}

func contentTypeOf(path string, header http.Header, query url.Values) ContentType {
	if _, ok := query[RSCQueryParam]; ok {
		return RSC
	}
	if strings.Contains(strings.ToLower(header.Get("Content-Type")), "json") || strings.HasSuffix(path, ".json") {
		return JSON
	}
	return HTML
}

// dataRoutePage extracts "/<page>" from "/_next/data/<buildId>/<page>.json".
func dataRoutePage(path string) (string, bool) {
	if !strings.HasPrefix(path, dataRoutePrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(path, dataRoutePrefix)
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return "", false
	}
	page := strings.TrimSuffix(rest[slash:], ".json")
	if page == "/index" {
		page = "/"
	}
	return page, true
}

func sortedUnique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func nonEmpty(vs []string) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
