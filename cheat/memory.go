package cheat

import (
	"context"
	"sync"
	"time"
)

// MemorySink is a Sink kept in memory.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

var _ Sink = &MemorySink{}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append implements Sink.
func (m *MemorySink) Append(_ context.Context, f Finding) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := int64(len(m.entries) + 1)
	m.entries = append(m.entries, Entry{ID: id, Finding: f})
	return id, nil
}

// MarkProcessed implements Sink.
func (m *MemorySink) MarkProcessed(_ context.Context, id int64, moderatorID uint64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id <= 0 || id > int64(len(m.entries)) || !m.entries[id-1].ProcessedAt.IsZero() {
		return ErrEntryNotFound
	}
	m.entries[id-1].ProcessedAt = at
	m.entries[id-1].ProcessedBy = moderatorID
	return nil
}

// CountSince implements Sink.
func (m *MemorySink) CountSince(_ context.Context, userID uint64, severity Severity, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int
	for _, e := range m.entries {
		if e.UserID == userID && e.Severity == severity && e.At.After(since) {
			n++
		}
	}
	return n, nil
}

// Entries returns a copy of the log.
func (m *MemorySink) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}
