package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"sync"
	"time"

	"edgecache/internal/apperr"
)

type memItem struct {
	key  string
	body []byte
	info ObjectInfo
	prev *memItem
	next *memItem
}

// Memory is an in-process ObjectStore bounded by total body bytes. When a
// put would exceed the bound, the least recently used tenth of the objects
// is dropped until it fits.
type Memory struct {
	maxBytes int64
	now      func() time.Time

	mu    sync.Mutex
	items map[string]*memItem
	head  *memItem
	tail  *memItem
	total int64
}

// NewMemory returns a store holding at most maxBytes of bodies; 0 is unbounded.
func NewMemory(maxBytes int64) *Memory {
	return &Memory{maxBytes: maxBytes, now: time.Now, items: map[string]*memItem{}}
}

func (m *Memory) TotalSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *Memory) PutObject(_ context.Context, key string, body []byte, opts PutOptions) error {
	sz := int64(len(body))
	if m.maxBytes > 0 && sz > m.maxBytes {
		return apperr.Invalid("memory.put", fmt.Errorf("%s is %d bytes, over the %d byte bound", key, sz, m.maxBytes))
	}
	it := &memItem{
		key:  key,
		body: bytes.Clone(body),
		info: ObjectInfo{
			Key:          key,
			Size:         sz,
			LastModified: m.now().UTC().Truncate(time.Second),
			ContentType:  opts.ContentType,
			CacheControl: opts.CacheControl,
			Metadata:     maps.Clone(opts.Metadata),
		},
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.items[key]; ok {
		m.removeLocked(old)
	}
	for m.maxBytes > 0 && m.total+sz > m.maxBytes && m.tail != nil {
		m.evictLocked()
	}
	m.items[key] = it
	m.pushFront(it)
	m.total += sz
	return nil
}

func (m *Memory) StatObject(_ context.Context, key string) (ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok {
		return ObjectInfo{}, apperr.NotFound("memory.stat", errNoSuchKey(key))
	}
	return it.info, nil
}

func (m *Memory) GetObject(_ context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok {
		return nil, ObjectInfo{}, apperr.NotFound("memory.get", errNoSuchKey(key))
	}
	m.unlink(it)
	m.pushFront(it)
	return io.NopCloser(bytes.NewReader(it.body)), it.info, nil
}

func (m *Memory) DeleteObjects(_ context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		if it, ok := m.items[k]; ok {
			m.removeLocked(it)
		}
	}
	return nil
}

// evictLocked drops the least recently used tenth, at least one object.
func (m *Memory) evictLocked() {
	n := len(m.items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n && m.tail != nil; i++ {
		m.removeLocked(m.tail)
	}
}

func (m *Memory) removeLocked(it *memItem) {
	m.unlink(it)
	delete(m.items, it.key)
	m.total -= it.info.Size
}

func (m *Memory) pushFront(it *memItem) {
	it.prev = nil
	it.next = m.head
	if m.head != nil {
		m.head.prev = it
	}
	m.head = it
	if m.tail == nil {
		m.tail = it
	}
}

func (m *Memory) unlink(it *memItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		m.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		m.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

type errNoSuchKey string

func (e errNoSuchKey) Error() string { return "no such key " + string(e) }
