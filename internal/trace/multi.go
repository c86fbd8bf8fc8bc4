package trace

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// sinkEntry pairs a destination with its threshold.
type sinkEntry struct {
	sink   Sink
	level  atomic.Uint32
	errors atomic.Uint64
}

func (e *sinkEntry) threshold() Level { return Level(e.level.Load()) }

// sinkSet fans records out to every admitting sink. The set of sinks is fixed
// at construction; only thresholds change afterwards.
type sinkSet struct {
	entries []*sinkEntry
	max     atomic.Uint32 // most verbose threshold across all sinks
	// mu serializes threshold writers so max never lags the last store.
	mu sync.Mutex
}

func newSinkSet(cfgs []SinkConfig) (*sinkSet, error) {
	set := &sinkSet{entries: make([]*sinkEntry, 0, len(cfgs))}
	seen := make(map[string]struct{}, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.Sink == nil {
			return nil, fmt.Errorf("sink config without a sink")
		}
		name := cfg.Sink.Name()
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate sink name %q", name)
		}
		seen[name] = struct{}{}
		e := &sinkEntry{sink: cfg.Sink}
		e.level.Store(uint32(cfg.Level))
		set.entries = append(set.entries, e)
	}
	set.recompute()
	return set, nil
}

// setThreshold changes one sink's threshold and republishes max.
func (s *sinkSet) setThreshold(e *sinkEntry, level Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.level.Store(uint32(level))
	s.recompute()
}

// recompute must be called with mu held once the set is shared.
func (s *sinkSet) recompute() {
	var most Level
	for _, e := range s.entries {
		if l := e.threshold(); l > most {
			most = l
		}
	}
	s.max.Store(uint32(most))
}

func (s *sinkSet) lookup(name string) *sinkEntry {
	for _, e := range s.entries {
		if e.sink.Name() == name {
			return e
		}
	}
	return nil
}

// admitsAny is the cheap pre-check done before any formatting work.
func (s *sinkSet) admitsAny(level Level) bool {
	return Level(s.max.Load()).Admits(level)
}

// deliver writes rec to every admitting sink. A failing sink never prevents
// delivery to the others.
func (s *sinkSet) deliver(rec *Record, onErr func(string, error)) {
	for _, e := range s.entries {
		threshold := e.threshold()
		if !threshold.Admits(rec.Level) {
			continue
		}
		if err := e.sink.Write(rec.visibleTo(threshold)); err != nil {
			e.errors.Add(1)
			if onErr != nil {
				onErr(e.sink.Name(), err)
			}
		}
	}
}

func (s *sinkSet) flush() error {
	var firstErr error
	for _, e := range s.entries {
		if f, ok := e.sink.(interface{ Flush() error }); ok {
			if err := f.Flush(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *sinkSet) close() error {
	var firstErr error
	for _, e := range s.entries {
		if c, ok := e.sink.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
