package logging

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// SizeStats tracks min/avg/max sizes of served bodies without locking.
type SizeStats struct {
	count atomic.Uint64
	total atomic.Uint64
	min   atomic.Uint64
	max   atomic.Uint64
}

func NewSizeStats() *SizeStats {
	s := &SizeStats{}
	s.min.Store(math.MaxUint64)
	return s
}

func (s *SizeStats) Observe(size int64) {
	if s == nil {
		return
	}
	if size < 0 {
		size = 0
	}
	n := uint64(size)
	s.count.Add(1)
	s.total.Add(n)
	for cur := s.min.Load(); n < cur && !s.min.CompareAndSwap(cur, n); cur = s.min.Load() {
	}
	for cur := s.max.Load(); n > cur && !s.max.CompareAndSwap(cur, n); cur = s.max.Load() {
	}
}

type SizeSnapshot struct {
	Count uint64
	Total uint64
	Min   uint64
	Avg   uint64
	Max   uint64
}

func (s *SizeStats) Snapshot() SizeSnapshot {
	count := s.count.Load()
	if count == 0 {
		return SizeSnapshot{}
	}
	total := s.total.Load()
	return SizeSnapshot{
		Count: count,
		Total: total,
		Min:   s.min.Load(),
		Avg:   total / count,
		Max:   s.max.Load(),
	}
}

// FormatBytes renders b with the largest unit that keeps it >= 1.
func FormatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%db", b)
	}
	v := float64(b)
	suffix := ""
	for _, s := range []string{"kb", "mb", "gb"} {
		v /= unit
		suffix = s
		if v < unit {
			break
		}
	}
	return strings.TrimSuffix(fmt.Sprintf("%.1f", v), ".0") + suffix
}
