// Package logging sets up structured logging with logrus and a bounded
// in-memory history ring so a UI can show recent log lines without
// tailing a file, supplementing spec.md's ambient logging needs the way
// the teacher's log.Printf calls never could.
package logging

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Record is one captured log line.
type Record struct {
	Level   logrus.Level
	Message string
	Fields  logrus.Fields
}

// HistoryHook is a logrus.Hook that retains the last Capacity log entries
// for inspection (e.g. by a UI's "recent events" panel).
type HistoryHook struct {
	mu       sync.Mutex
	capacity int
	records  []Record
}

// NewHistoryHook returns a hook retaining at most capacity records.
func NewHistoryHook(capacity int) *HistoryHook {
	if capacity <= 0 {
		capacity = 200
	}
	return &HistoryHook{capacity: capacity}
}

func (h *HistoryHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *HistoryHook) Fire(entry *logrus.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, Record{Level: entry.Level, Message: entry.Message, Fields: entry.Data})
	if len(h.records) > h.capacity {
		h.records = h.records[len(h.records)-h.capacity:]
	}
	return nil
}

// Snapshot returns a copy of the retained records, oldest first.
func (h *HistoryHook) Snapshot() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Record, len(h.records))
	copy(out, h.records)
	return out
}

// New builds a logrus.Logger with text formatting and a HistoryHook
// attached, returning both so the caller can wire the hook to a UI.
func New(level logrus.Level, historyCapacity int) (*logrus.Logger, *HistoryHook) {
	log := logrus.New()
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	hook := NewHistoryHook(historyCapacity)
	log.AddHook(hook)
	return log, hook
}
