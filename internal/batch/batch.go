// Package batch splits bulk operations into backend-sized chunks and runs
// them concurrently without letting one failed chunk cancel the others.
package batch

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds in-flight chunks when callers pass limit <= 0.
const DefaultConcurrency = 8

// Chunk splits items into consecutive slices of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]T{items}
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end:end])
	}
	return out
}

// ChunkError records a chunk whose operation failed.
type ChunkError struct {
	Index int
	Size  int
	Err   error
}

// Each runs fn once per chunk, at most limit at a time, and returns the
// failed chunks ordered by index. fn errors are collected, never propagated
// to sibling chunks.
func Each[T any](ctx context.Context, chunks [][]T, limit int, fn func(ctx context.Context, index int, chunk []T) error) []ChunkError {
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	var (
		mu     sync.Mutex
		failed []ChunkError
	)
	g := new(errgroup.Group)
	g.SetLimit(limit)
	for i, c := range chunks {
		i, c := i, c // per-iteration copy (go 1.22 loop semantics)
		g.Go(func() error {
			if err := fn(ctx, i, c); err != nil {
				mu.Lock()
				failed = append(failed, ChunkError{Index: i, Size: len(c), Err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(failed, func(i, j int) bool { return failed[i].Index < failed[j].Index })
	return failed
}

// Result summarizes a best-effort bulk operation.
type Result struct {
	Requested int
	Failed    int
	Chunks    int
	Errors    []ChunkError
}

// Succeeded is the number of items in chunks that did not fail.
func (r Result) Succeeded() int { return r.Requested - r.Failed }

// Summarize folds chunk errors into a Result.
func Summarize(requested, chunks int, errs []ChunkError) Result {
	r := Result{Requested: requested, Chunks: chunks, Errors: errs}
	for _, e := range errs {
		r.Failed += e.Size
	}
	return r
}
