package dispatch

import (
	"context"
	"log/slog"
)

// DefaultLogMax is the number of records a Log keeps when no limit is set.
const DefaultLogMax = 10

// Log keeps the most recent records of a handler category. It records
// nothing until enabled.
type Log[R any] struct {
	enabled bool
	max     int
	records []R
}

// NewLog returns a disabled log holding at most max records.
func NewLog[R any](max int) *Log[R] {
	return &Log[R]{max: max}
}

func (l *Log[R]) Enable()        { l.enabled = true }
func (l *Log[R]) Disable()       { l.enabled = false }
func (l *Log[R]) Enabled() bool  { return l.enabled }
func (l *Log[R]) Records() []R   { return append([]R(nil), l.records...) }
func (l *Log[R]) Clear()         { l.records = nil }
func (l *Log[R]) SetMax(max int) { l.max = max }

// Add appends r if the log is enabled, dropping the oldest record when full.
func (l *Log[R]) Add(r R) {
	if !l.enabled {
		return
	}
	max := l.max
	if max <= 0 {
		max = DefaultLogMax
	}
	if len(l.records) >= max {
		l.records = append(l.records[:0], l.records[len(l.records)-max+1:]...)
	}
	l.records = append(l.records, r)
}

// Dump emits one record per entry to logger under a group named name. attrs
// converts an entry into slog key/value pairs.
func (l *Log[R]) Dump(logger *slog.Logger, name string, attrs func(R) []any) {
	if logger == nil {
		logger = slog.Default()
	}
	g := logger.WithGroup(name)
	logger.Info(name+": log", "records", len(l.records))
	for _, r := range l.records {
		g.Log(context.Background(), slog.LevelInfo, "record", attrs(r)...)
	}
}
