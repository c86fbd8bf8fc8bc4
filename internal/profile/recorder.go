// Package profile records span enter/exit timestamps and exports them for
// trace viewers.
package profile

import (
	"fmt"
	"slices"
	"sync"

	"ktrace/internal/trace"
)

// Kind tags a profiler event.
type Kind uint8

const (
	// KindEnter marks a span entry.
	KindEnter Kind = iota + 1
	// KindExit marks a span exit.
	KindExit
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindEnter:
		return "enter"
	case KindExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Event is one span transition.
type Event struct {
	Hart     int    `msgpack:"h"`
	Instance uint64 `msgpack:"i"`
	Callsite uint64 `msgpack:"c"`
	Kind     Kind   `msgpack:"k"`
	Time     uint64 `msgpack:"t"`
}

// shard holds the events of one hart. Only that hart appends to it in normal
// operation, so the lock is uncontended except during export.
type shard struct {
	mu     sync.Mutex
	events []Event
}

// Recorder is a process-wide, concurrently appendable event buffer. It
// implements trace.Observer.
type Recorder struct {
	shards []shard
}

var _ trace.Observer = (*Recorder)(nil)

// NewRecorder creates a recorder with one shard per hart.
func NewRecorder(harts int) *Recorder {
	if harts <= 0 {
		harts = 1
	}
	r := &Recorder{shards: make([]shard, harts)}
	for i := range r.shards {
		r.shards[i].events = make([]Event, 0, 1024)
	}
	return r
}

func (r *Recorder) shardFor(hart int) *shard {
	if hart < 0 {
		hart = -hart
	}
	return &r.shards[hart%len(r.shards)]
}

func (r *Recorder) append(ev Event) {
	s := r.shardFor(ev.Hart)
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

// SpanEnter implements trace.Observer.
func (r *Recorder) SpanEnter(hart int, instance uint64, cs *trace.Callsite, now uint64) {
	r.append(Event{Hart: hart, Instance: instance, Callsite: cs.ID, Kind: KindEnter, Time: now})
}

// SpanExit implements trace.Observer.
func (r *Recorder) SpanExit(hart int, instance uint64, cs *trace.Callsite, now uint64) {
	r.append(Event{Hart: hart, Instance: instance, Callsite: cs.ID, Kind: KindExit, Time: now})
}

// Len returns the number of buffered events.
func (r *Recorder) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		n += len(s.events)
		s.mu.Unlock()
	}
	return n
}

// Events returns a copy of all events ordered by timestamp. Events of one
// hart keep their append order.
func (r *Recorder) Events() []Event {
	var out []Event
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		out = append(out, s.events...)
		s.mu.Unlock()
	}
	slices.SortStableFunc(out, func(a, b Event) int {
		switch {
		case a.Time < b.Time:
			return -1
		case a.Time > b.Time:
			return 1
		default:
			return 0
		}
	})
	return out
}

// HartEvents returns a copy of the events appended by one hart.
func (r *Recorder) HartEvents(hart int) []Event {
	s := r.shardFor(hart)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0, len(s.events))
	for _, ev := range s.events {
		if ev.Hart == hart {
			out = append(out, ev)
		}
	}
	return out
}

// Reset discards all buffered events.
func (r *Recorder) Reset() {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		s.events = s.events[:0]
		s.mu.Unlock()
	}
}

// Dump snapshots the buffer together with the callsites it references.
func (r *Recorder) Dump() *Dump {
	events := r.Events()
	used := make(map[uint64]struct{})
	for _, ev := range events {
		used[ev.Callsite] = struct{}{}
	}
	d := &Dump{
		Schema: dumpSchemaVersion,
		Harts:  len(r.shards),
		Events: events,
	}
	for _, cs := range trace.Callsites() {
		if _, ok := used[cs.ID]; !ok {
			continue
		}
		d.Callsites = append(d.Callsites, CallsiteInfo{
			ID:    cs.ID,
			Name:  cs.Name,
			Level: cs.Level.String(),
			File:  cs.File,
			Line:  cs.Line,
		})
	}
	return d
}

// Export snapshots the buffer and writes it to the non-empty destinations:
// a msgpack dump and/or a Chrome trace.
func (r *Recorder) Export(dumpPath, chromePath string) (*Dump, error) {
	d := r.Dump()
	if dumpPath != "" {
		if err := WriteDumpFile(dumpPath, d); err != nil {
			return d, fmt.Errorf("failed to write profile dump: %w", err)
		}
	}
	if chromePath != "" {
		if err := WriteChromeFile(chromePath, d); err != nil {
			return d, err
		}
	}
	return d, nil
}
