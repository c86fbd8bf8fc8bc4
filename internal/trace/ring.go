package trace

import (
	"io"
	"sync"
)

// RingSink keeps the last N records in memory (circular buffer) so they can
// be dumped after a crash.
type RingSink struct {
	mu       sync.RWMutex
	name     string
	records  []Record
	capacity int
	head     int  // next write position
	full     bool // has wrapped around
}

// NewRingSink creates a new RingSink with specified capacity.
func NewRingSink(name string, capacity int) *RingSink {
	if capacity <= 0 {
		capacity = 4096
	}

	return &RingSink{
		name:     name,
		records:  make([]Record, capacity),
		capacity: capacity,
	}
}

// Name returns the sink name used for threshold lookup.
func (s *RingSink) Name() string { return s.name }

// Write stores a copy of the record.
func (s *RingSink) Write(r *Record) error {
	stored := r.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[s.head] = stored
	s.head = (s.head + 1) % s.capacity

	if s.head == 0 {
		s.full = true
	}
	return nil
}

// Snapshot returns a copy of all stored records in chronological order.
func (s *RingSink) Snapshot() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.full {
		result := make([]Record, s.head)
		copy(result, s.records[:s.head])
		return result
	}

	result := make([]Record, s.capacity)
	copy(result, s.records[s.head:])
	copy(result[s.capacity-s.head:], s.records[:s.head])
	return result
}

// Dump writes all records to the provided writer in the specified format.
func (s *RingSink) Dump(w io.Writer, format Format) error {
	for _, r := range s.Snapshot() {
		if _, err := w.Write(FormatRecord(&r, format, nil)); err != nil {
			return err
		}
	}
	return nil
}
