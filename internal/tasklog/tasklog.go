// Package tasklog keeps a bounded, task-scoped log of worker activity for
// live-tailing over a polling API.
package tasklog

import (
	"sync"
	"time"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Entry is a sequenced log line consumed by polling clients.
type Entry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
}

// Log stores recent entries for one task. Oldest entries drop past the cap.
type Log struct {
	mu         sync.RWMutex
	nextSeq    int64
	maxEntries int
	entries    []Entry
}

func NewLog(maxEntries int) *Log {
	if maxEntries <= 0 {
		maxEntries = 500
	}
	return &Log{
		maxEntries: maxEntries,
		entries:    make([]Entry, 0, maxEntries),
	}
}

// Append adds one entry, assigning sequence and timestamp.
func (l *Log) Append(level Level, message string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextSeq++
	e := Entry{
		Seq:       l.nextSeq,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
	}

	l.entries = append(l.entries, e)
	if len(l.entries) > l.maxEntries {
		trim := len(l.entries) - l.maxEntries
		l.entries = append([]Entry(nil), l.entries[trim:]...)
	}

	return e
}

// Since returns entries with sequence strictly greater than seq.
func (l *Log) Since(seq int64) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.entries) == 0 {
		return nil
	}

	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// Registry hands out one Log per task.
type Registry struct {
	mu         sync.Mutex
	maxEntries int
	logs       map[string]*Log
}

func NewRegistry(maxEntries int) *Registry {
	return &Registry{
		maxEntries: maxEntries,
		logs:       make(map[string]*Log),
	}
}

// For returns the log for a task, creating it on first use.
func (r *Registry) For(taskID string) *Log {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.logs[taskID]
	if !ok {
		l = NewLog(r.maxEntries)
		r.logs[taskID] = l
	}
	return l
}
