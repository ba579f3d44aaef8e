package artifact

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"edgecache/internal/apperr"
)

// Key layout:
//
//	e:{key}  object body
//	i:{key}  gob ObjectInfo
//	m:{key}  gob diskMeta (size and last access, drives eviction)
const (
	bodyPrefix = "e:"
	infoPrefix = "i:"
	metaPrefix = "m:"
)

type diskMeta struct {
	Size       int64
	LastAccess int64
}

type diskOp struct {
	put   *diskPut
	touch string
	del   []string
	done  chan error
}

type diskPut struct {
	key  string
	body []byte
	info ObjectInfo
}

// LevelDB is an ObjectStore on a local leveldb database. All writes go
// through a single writer goroutine; reads hit the database directly. When
// the stored total exceeds maxBytes the least recently read tenth is evicted.
type LevelDB struct {
	maxBytes int64
	logger   *zap.Logger
	db       *leveldb.DB

	mu        sync.Mutex
	index     map[string]diskMeta
	totalSize int64

	// closeMu guards ops against sends after Close.
	closeMu sync.RWMutex
	closed  bool
	ops     chan diskOp
	done    chan struct{}
}

var errStoreClosed = errors.New("object store closed")

func OpenLevelDB(path string, maxBytes int64, logger *zap.Logger) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open object store %s: %w", path, err)
	}
	d := &LevelDB{
		maxBytes: maxBytes,
		logger:   logger.Named("leveldb"),
		db:       db,
		index:    map[string]diskMeta{},
		ops:      make(chan diskOp, 1024),
		done:     make(chan struct{}),
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go d.writerLoop()
	return d, nil
}

// Close drains pending writes and closes the database. Writes after Close
// fail with an UpstreamUnavailable error.
func (d *LevelDB) Close() error {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return nil
	}
	d.closed = true
	close(d.ops)
	d.closeMu.Unlock()

	<-d.done
	return d.db.Close()
}

func (d *LevelDB) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *LevelDB) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}

func (d *LevelDB) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix([]byte(metaPrefix)), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[string(bytes.TrimPrefix(it.Key(), []byte(metaPrefix)))] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("load object index: %w", err)
	}
	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func (d *LevelDB) PutObject(ctx context.Context, key string, body []byte, opts PutOptions) error {
	op := diskOp{
		put: &diskPut{
			key:  key,
			body: bytes.Clone(body),
			info: ObjectInfo{
				Key:          key,
				Size:         int64(len(body)),
				LastModified: time.Now().UTC().Truncate(time.Second),
				ContentType:  opts.ContentType,
				CacheControl: opts.CacheControl,
				Metadata:     opts.Metadata,
			},
		},
		done: make(chan error, 1),
	}
	return d.submit(ctx, op)
}

func (d *LevelDB) StatObject(_ context.Context, key string) (ObjectInfo, error) {
	b, err := d.db.Get([]byte(infoPrefix+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ObjectInfo{}, apperr.NotFound("leveldb.stat", errNoSuchKey(key))
	}
	if err != nil {
		return ObjectInfo{}, apperr.Unavailable("leveldb.stat", err)
	}
	var info ObjectInfo
	if err := decodeGob(b, &info); err != nil {
		return ObjectInfo{}, apperr.NotFound("leveldb.stat", fmt.Errorf("corrupt info for %s: %w", key, err))
	}
	return info, nil
}

func (d *LevelDB) GetObject(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	info, err := d.StatObject(ctx, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	b, err := d.db.Get([]byte(bodyPrefix+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ObjectInfo{}, apperr.NotFound("leveldb.get", errNoSuchKey(key))
	}
	if err != nil {
		return nil, ObjectInfo{}, apperr.Unavailable("leveldb.get", err)
	}

	d.mu.Lock()
	meta, exists := d.index[key]
	if exists {
		meta.LastAccess = time.Now().Unix()
		d.index[key] = meta
	}
	d.mu.Unlock()
	if exists {
		d.closeMu.RLock()
		if !d.closed {
			select {
			case d.ops <- diskOp{touch: key}:
			default:
				// writer is busy; the in-memory access time is enough for eviction
			}
		}
		d.closeMu.RUnlock()
	}
	return io.NopCloser(bytes.NewReader(b)), info, nil
}

func (d *LevelDB) DeleteObjects(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return d.submit(ctx, diskOp{del: keys, done: make(chan error, 1)})
}

func (d *LevelDB) submit(ctx context.Context, op diskOp) error {
	d.closeMu.RLock()
	if d.closed {
		d.closeMu.RUnlock()
		return apperr.Unavailable("leveldb.submit", errStoreClosed)
	}
	select {
	case d.ops <- op:
	case <-ctx.Done():
		d.closeMu.RUnlock()
		return ctx.Err()
	}
	d.closeMu.RUnlock()

	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *LevelDB) writerLoop() {
	defer close(d.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for op := range d.ops {
		var err error
		switch {
		case op.put != nil:
			err = d.applyPut(op.put)
		case len(op.del) > 0:
			err = d.applyDelete(op.del)
		case op.touch != "":
			d.applyTouch(op.touch)
		}
		if op.done != nil {
			op.done <- err
		}
	}
}

func (d *LevelDB) applyPut(p *diskPut) error {
	ib, err := encodeGob(p.info)
	if err != nil {
		return apperr.Invalid("leveldb.put", err)
	}
	size := int64(len(p.body))
	meta := diskMeta{Size: size, LastAccess: time.Now().Unix()}
	mb, err := encodeGob(meta)
	if err != nil {
		return apperr.Invalid("leveldb.put", err)
	}

	wb := new(leveldb.Batch)
	wb.Put([]byte(bodyPrefix+p.key), p.body)
	wb.Put([]byte(infoPrefix+p.key), ib)
	wb.Put([]byte(metaPrefix+p.key), mb)
	if err := d.db.Write(wb, nil); err != nil {
		return apperr.Unavailable("leveldb.put", err)
	}

	d.mu.Lock()
	d.totalSize += size - d.index[p.key].Size
	d.index[p.key] = meta
	over := d.maxBytes > 0 && d.totalSize > d.maxBytes
	d.mu.Unlock()

	if over {
		d.evictSome(p.key)
	}
	return nil
}

func (d *LevelDB) applyTouch(key string) {
	d.mu.Lock()
	meta, ok := d.index[key]
	d.mu.Unlock()
	if !ok {
		return
	}
	mb, err := encodeGob(meta)
	if err != nil {
		return
	}
	_ = d.db.Put([]byte(metaPrefix+key), mb, nil)
}

func (d *LevelDB) applyDelete(keys []string) error {
	wb := new(leveldb.Batch)
	for _, k := range keys {
		wb.Delete([]byte(bodyPrefix + k))
		wb.Delete([]byte(infoPrefix + k))
		wb.Delete([]byte(metaPrefix + k))
	}
	if err := d.db.Write(wb, nil); err != nil {
		return apperr.Unavailable("leveldb.delete", err)
	}

	d.mu.Lock()
	for _, k := range keys {
		if meta, ok := d.index[k]; ok {
			d.totalSize -= meta.Size
			delete(d.index, k)
		}
	}
	d.mu.Unlock()
	return nil
}

// evictSome drops the least recently read tenth of the objects, sparing keep.
func (d *LevelDB) evictSome(keep string) {
	type aged struct {
		key        string
		lastAccess int64
	}
	d.mu.Lock()
	items := make([]aged, 0, len(d.index))
	for k, m := range d.index {
		if k != keep {
			items = append(items, aged{k, m.LastAccess})
		}
	}
	d.mu.Unlock()
	if len(items) == 0 {
		return
	}

	sort.Slice(items, func(i, j int) bool { return items[i].lastAccess < items[j].lastAccess })
	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	victims := make([]string, 0, n)
	for _, it := range items[:n] {
		victims = append(victims, it.key)
	}
	if err := d.applyDelete(victims); err != nil {
		d.logger.Warn("eviction failed", zap.Int("count", n), zap.Error(err))
		return
	}
	d.logger.Debug("evicted objects", zap.Int("count", n), zap.Int64("total", d.TotalSize()))
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
