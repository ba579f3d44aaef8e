package tagindex

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"edgecache/internal/apperr"
	"edgecache/internal/batch"
)

// Memory is a process-local Index for development and tests.
type Memory struct {
	mu      sync.RWMutex
	entries map[EntryKey]Entry
}

func NewMemory() *Memory {
	return &Memory{entries: map[EntryKey]Entry{}}
}

func (m *Memory) Put(_ context.Context, e Entry) error {
	e.Tags = append([]string(nil), e.Tags...)
	m.mu.Lock()
	m.entries[e.Key()] = e
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, pageKey, cacheKey string) (Entry, error) {
	m.mu.RLock()
	e, ok := m.entries[EntryKey{pageKey, cacheKey}]
	m.mu.RUnlock()
	if !ok {
		return Entry{}, apperr.NotFound("tagindex.get", fmt.Errorf("%s/%s", pageKey, cacheKey))
	}
	return e, nil
}

func (m *Memory) QueryByPages(_ context.Context, pageKeys []string) ([]Entry, error) {
	want := make(map[string]struct{}, len(pageKeys))
	for _, p := range pageKeys {
		want[p] = struct{}{}
	}
	return m.collect(func(e Entry) bool {
		_, ok := want[e.PageKey]
		return ok
	}), nil
}

func (m *Memory) QueryByTag(_ context.Context, tag string) ([]Entry, error) {
	return m.collect(func(e Entry) bool { return containsTag(e.Tags, tag) }), nil
}

func (m *Memory) Delete(_ context.Context, pageKey, cacheKey string) error {
	m.mu.Lock()
	delete(m.entries, EntryKey{pageKey, cacheKey})
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteBatch(ctx context.Context, keys []EntryKey) batch.Result {
	chunks := batch.Chunk(keys, MaxDeleteBatch)
	errs := batch.Each(ctx, chunks, 0, func(ctx context.Context, _ int, chunk []EntryKey) error {
		for _, k := range chunk {
			_ = m.Delete(ctx, k.PageKey, k.CacheKey)
		}
		return nil
	})
	return batch.Summarize(len(keys), len(chunks), errs)
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) collect(keep func(Entry) bool) []Entry {
	m.mu.RLock()
	out := make([]Entry, 0)
	for _, e := range m.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()
	sortEntries(out)
	return out
}

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].PageKey != es[j].PageKey {
			return es[i].PageKey < es[j].PageKey
		}
		return es[i].CacheKey < es[j].CacheKey
	})
}
