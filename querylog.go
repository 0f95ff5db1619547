package sqlgateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultLogCapacity  = 100
	DefaultMaxSQLLength = 500
)

// LogEntry records one execution attempt.
type LogEntry struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	SQL       string        `json:"sql"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

// QueryStats is derived from the retained entries on every call.
type QueryStats struct {
	TotalQueries    int           `json:"totalQueries"`
	SuccessRate     float64       `json:"successRate"`
	AverageDuration time.Duration `json:"averageDuration"`
	Slowest         *LogEntry     `json:"slowest,omitempty"`
}

// QueryLogger is a fixed-capacity ring buffer of recent executions. It
// records nothing while disabled.
type QueryLogger struct {
	mu        sync.Mutex
	enabled   bool
	entries   []LogEntry
	next      int
	full      bool
	maxSQLLen int
	now       func() time.Time
}

// NewQueryLogger keeps the last capacity entries. Non-positive sizes take the defaults.
func NewQueryLogger(enabled bool, capacity, maxSQLLength int) *QueryLogger {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	if maxSQLLength <= 0 {
		maxSQLLength = DefaultMaxSQLLength
	}
	return &QueryLogger{
		enabled:   enabled,
		entries:   make([]LogEntry, capacity),
		maxSQLLen: maxSQLLength,
		now:       time.Now,
	}
}

func (l *QueryLogger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

func (l *QueryLogger) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Log records one execution. It is a no-op while the logger is disabled.
func (l *QueryLogger) Log(sqlText string, d time.Duration, success bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return
	}

	if len(sqlText) > l.maxSQLLen {
		sqlText = sqlText[:l.maxSQLLen] + "..."
	}
	entry := LogEntry{
		ID:        uuid.NewString(),
		Timestamp: l.now(),
		SQL:       sqlText,
		Duration:  d,
		Success:   success,
	}
	if err != nil {
		entry.Error = err.Error()
	}

	l.entries[l.next] = entry
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

// Entries returns the retained entries, oldest first.
func (l *QueryLogger) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot()
}

func (l *QueryLogger) snapshot() []LogEntry {
	if !l.full {
		return append([]LogEntry(nil), l.entries[:l.next]...)
	}
	out := make([]LogEntry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}

// Stats summarizes the retained entries.
func (l *QueryLogger) Stats() QueryStats {
	l.mu.Lock()
	entries := l.snapshot()
	l.mu.Unlock()

	stats := QueryStats{TotalQueries: len(entries)}
	if len(entries) == 0 {
		return stats
	}

	var ok int
	var total time.Duration
	slowest := 0
	for i, e := range entries {
		if e.Success {
			ok++
		}
		total += e.Duration
		if e.Duration > entries[slowest].Duration {
			slowest = i
		}
	}
	stats.SuccessRate = float64(ok) / float64(len(entries))
	stats.AverageDuration = total / time.Duration(len(entries))
	stats.Slowest = &entries[slowest]
	return stats
}

// Reset drops every retained entry.
func (l *QueryLogger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.entries)
	l.next = 0
	l.full = false
}
