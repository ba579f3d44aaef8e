package tagindex

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"edgecache/internal/apperr"
	"edgecache/internal/batch"
)

// LevelDB is an Index stored in a local leveldb database. Each entry is kept
// under "ix:{page}\x00{cache}" and mirrored by one "tg:{tag}\x00{page}\x00{cache}"
// key per tag so reverse lookups are prefix scans.
type LevelDB struct {
	db *leveldb.DB
	// serializes read-modify-write of an entry and its tag keys
	mu sync.Mutex
}

func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open tag index %s: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Close() error { return l.db.Close() }

func entryKey(pageKey, cacheKey string) []byte {
	return []byte("ix:" + pageKey + "\x00" + cacheKey)
}

func pagePrefix(pageKey string) []byte {
	return []byte("ix:" + pageKey + "\x00")
}

func tagKey(tag, pageKey, cacheKey string) []byte {
	return []byte("tg:" + url.QueryEscape(tag) + "\x00" + pageKey + "\x00" + cacheKey)
}

func tagScanPrefix(tag string) []byte {
	return []byte("tg:" + url.QueryEscape(tag) + "\x00")
}

func (l *LevelDB) Put(_ context.Context, e Entry) error {
	b, err := encodeEntry(e)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	wb := new(leveldb.Batch)
	if old, ok, err := l.load(e.PageKey, e.CacheKey); err != nil {
		return err
	} else if ok {
		for _, t := range old.Tags {
			wb.Delete(tagKey(t, old.PageKey, old.CacheKey))
		}
	}
	wb.Put(entryKey(e.PageKey, e.CacheKey), b)
	for _, t := range uniqueStrings(e.Tags) {
		if t != "" {
			wb.Put(tagKey(t, e.PageKey, e.CacheKey), nil)
		}
	}
	if err := l.db.Write(wb, nil); err != nil {
		return apperr.Unavailable("tagindex.put", err)
	}
	return nil
}

func (l *LevelDB) Get(_ context.Context, pageKey, cacheKey string) (Entry, error) {
	e, ok, err := l.load(pageKey, cacheKey)
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, apperr.NotFound("tagindex.get", fmt.Errorf("%s/%s", pageKey, cacheKey))
	}
	return e, nil
}

func (l *LevelDB) QueryByPages(_ context.Context, pageKeys []string) ([]Entry, error) {
	var out []Entry
	for _, p := range uniqueStrings(pageKeys) {
		it := l.db.NewIterator(util.BytesPrefix(pagePrefix(p)), nil)
		for it.Next() {
			e, err := decodeEntry(it.Value())
			if err != nil {
				continue
			}
			out = append(out, e)
		}
		it.Release()
		if err := it.Error(); err != nil {
			return nil, apperr.Unavailable("tagindex.query_pages", err)
		}
	}
	sortEntries(out)
	return out, nil
}

func (l *LevelDB) QueryByTag(_ context.Context, tag string) ([]Entry, error) {
	prefix := tagScanPrefix(tag)
	it := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	var keys []EntryKey
	for it.Next() {
		rest := bytes.TrimPrefix(it.Key(), prefix)
		page, cache, ok := bytes.Cut(rest, []byte{0})
		if !ok {
			continue
		}
		keys = append(keys, EntryKey{PageKey: string(page), CacheKey: string(cache)})
	}
	it.Release()
	if err := it.Error(); err != nil {
		return nil, apperr.Unavailable("tagindex.query_tag", err)
	}

	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		e, ok, err := l.load(k.PageKey, k.CacheKey)
		if err != nil {
			return nil, err
		}
		// stale tag key left by a crash between writes
		if !ok || !containsTag(e.Tags, tag) {
			continue
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (l *LevelDB) Delete(_ context.Context, pageKey, cacheKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deleteLocked([]EntryKey{{pageKey, cacheKey}})
}

func (l *LevelDB) DeleteBatch(ctx context.Context, keys []EntryKey) batch.Result {
	chunks := batch.Chunk(keys, MaxDeleteBatch)
	// leveldb serializes writes anyway; one chunk at a time keeps the lock short
	errs := batch.Each(ctx, chunks, 1, func(_ context.Context, _ int, chunk []EntryKey) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.deleteLocked(chunk)
	})
	return batch.Summarize(len(keys), len(chunks), errs)
}

func (l *LevelDB) deleteLocked(keys []EntryKey) error {
	wb := new(leveldb.Batch)
	for _, k := range keys {
		old, ok, err := l.load(k.PageKey, k.CacheKey)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		for _, t := range old.Tags {
			wb.Delete(tagKey(t, k.PageKey, k.CacheKey))
		}
		wb.Delete(entryKey(k.PageKey, k.CacheKey))
	}
	if wb.Len() == 0 {
		return nil
	}
	if err := l.db.Write(wb, nil); err != nil {
		return apperr.Unavailable("tagindex.delete", err)
	}
	return nil
}

func (l *LevelDB) load(pageKey, cacheKey string) (Entry, bool, error) {
	b, err := l.db.Get(entryKey(pageKey, cacheKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, apperr.Unavailable("tagindex.load", err)
	}
	e, err := decodeEntry(b)
	if err != nil {
		return Entry{}, false, nil
	}
	return e, true, nil
}

func encodeEntry(e Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeEntry(b []byte) (Entry, error) {
	var e Entry
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&e)
	return e, err
}
