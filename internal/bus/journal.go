package bus

import "sync"

// JournalCap bounds the number of retained journal entries. Older entries are
// discarded as new ones arrive.
const JournalCap = 1000

// Journal is the append-only event log the bus writes every published event
// to. The SQLite store provides the durable implementation; MemoryJournal
// backs tests and journal-less runs.
type Journal interface {
	// Append records one event, trimming history beyond JournalCap.
	Append(evt Event) error
	// Recent returns up to limit entries, newest first.
	Recent(limit int) ([]Event, error)
}

// MemoryJournal is an in-memory ring of the most recent JournalCap events.
type MemoryJournal struct {
	mu      sync.Mutex
	entries []Event
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

// Append records evt, dropping the oldest entry past the cap.
func (j *MemoryJournal) Append(evt Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, evt)
	if len(j.entries) > JournalCap {
		j.entries = j.entries[len(j.entries)-JournalCap:]
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *MemoryJournal) Recent(limit int) ([]Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if limit <= 0 || limit > len(j.entries) {
		limit = len(j.entries)
	}
	out := make([]Event, 0, limit)
	for i := len(j.entries) - 1; i >= len(j.entries)-limit; i-- {
		out = append(out, j.entries[i])
	}
	return out, nil
}
