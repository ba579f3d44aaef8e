// Package tagindex maps (page key, cache key) pairs to their invalidation
// tags and storage prefix, and answers reverse lookups by tag.
//
// Tags are stored joined into a single attribute so that one indexed value
// carries the whole set:
//
//	tag0=<t0>&tag1=<t1>&...&tagN=<tN>
//
// Positions follow insertion order. Each tag value is query-escaped, so a tag
// containing '&' or '=' cannot split or shift the encoding. Reverse lookups
// decode the attribute and compare exact values; substring matching on the
// raw attribute is only ever used as a coarse pre-filter.
package tagindex

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"edgecache/internal/batch"
)

// MaxDeleteBatch is the per-call item ceiling for index batch deletes.
const MaxDeleteBatch = 25

// Entry is one index row.
type Entry struct {
	PageKey  string
	CacheKey string
	// StorageKey is the artifact prefix "{pageKey}/{cacheKey}"; object keys
	// append ".{ext}".
	StorageKey string
	Tags       []string
}

// Key returns the entry's primary key.
func (e Entry) Key() EntryKey { return EntryKey{PageKey: e.PageKey, CacheKey: e.CacheKey} }

// EntryKey is the primary key of an entry.
type EntryKey struct {
	PageKey  string
	CacheKey string
}

// Index is the secondary index over cached artifacts.
type Index interface {
	Put(ctx context.Context, e Entry) error
	// Get returns an apperr NotFound error when the entry is absent.
	Get(ctx context.Context, pageKey, cacheKey string) (Entry, error)
	// QueryByPages returns every entry whose page key is in pageKeys.
	QueryByPages(ctx context.Context, pageKeys []string) ([]Entry, error)
	QueryByTag(ctx context.Context, tag string) ([]Entry, error)
	// Delete is idempotent: deleting an absent entry succeeds.
	Delete(ctx context.Context, pageKey, cacheKey string) error
	// DeleteBatch removes keys in chunks of MaxDeleteBatch, best-effort.
	DeleteBatch(ctx context.Context, keys []EntryKey) batch.Result
}

const tagPrefix = "tag"

// EncodeTags joins tags into the single-attribute form.
func EncodeTags(tags []string) string {
	var b strings.Builder
	n := 0
	for _, t := range tags {
		if t == "" {
			continue
		}
		if n > 0 {
			b.WriteByte('&')
		}
		b.WriteString(tagPrefix)
		b.WriteString(strconv.Itoa(n))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(t))
		n++
	}
	return b.String()
}

// DecodeTags reverses EncodeTags, returning tags in positional order.
// Malformed segments are skipped.
func DecodeTags(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, "&")
	out := make([]string, len(parts))
	n := 0
	for _, p := range parts {
		name, val, ok := strings.Cut(p, "=")
		if !ok || !strings.HasPrefix(name, tagPrefix) {
			continue
		}
		pos, err := strconv.Atoi(strings.TrimPrefix(name, tagPrefix))
		if err != nil || pos < 0 || pos >= len(out) {
			continue
		}
		t, err := url.QueryUnescape(val)
		if err != nil || t == "" {
			continue
		}
		if out[pos] == "" {
			n++
		}
		out[pos] = t
	}
	tags := make([]string, 0, n)
	for _, t := range out {
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// HasTag reports whether an encoded tag attribute contains tag exactly.
func HasTag(encoded, tag string) bool {
	for _, t := range DecodeTags(encoded) {
		if t == tag {
			return true
		}
	}
	return false
}

// TagsFromHeader splits an origin cache-tag header ("a, b,c") into tags.
func TagsFromHeader(v string) []string {
	var out []string
	for _, t := range strings.Split(v, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
