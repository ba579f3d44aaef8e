// Package logging builds the process zap logger and the small log helpers
// shared by the edge server and workers.
package logging

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a production JSON logger, or a console logger when development
// is set. level is one of debug, info, warn, error; empty means info.
func New(level string, development bool) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(orDefault(level, "info"))))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Limited writes at most one line per interval and counts what it dropped.
// It keeps a failing backend on the hot path from flooding the log.
type Limited struct {
	logger   *zap.Logger
	interval time.Duration

	mu         sync.Mutex
	lastAt     time.Time
	suppressed int
}

func NewLimited(logger *zap.Logger, interval time.Duration) *Limited {
	return &Limited{logger: logger, interval: interval}
}

func (l *Limited) Warn(msg string, fields ...zap.Field) {
	if l == nil {
		return
	}
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		l.mu.Unlock()
		return
	}
	l.lastAt = now
	dropped := l.suppressed
	l.suppressed = 0
	l.mu.Unlock()

	if dropped > 0 {
		fields = append(fields, zap.Int("suppressed", dropped))
	}
	l.logger.Warn(msg, fields...)
}
