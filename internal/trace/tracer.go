package trace

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Observer receives every span enter and exit. The profiler implements it.
// Both methods are called on the hart that owns the span and must not block.
type Observer interface {
	SpanEnter(hart int, instance uint64, cs *Callsite, now uint64)
	SpanExit(hart int, instance uint64, cs *Callsite, now uint64)
}

// SinkConfig registers a sink with its threshold.
type SinkConfig struct {
	Sink  Sink
	Level Level
}

// Config holds tracer configuration.
type Config struct {
	Harts         int          // number of execution contexts (default 1)
	Clock         Clock        // defaults to a monotonic clock
	Sinks         []SinkConfig // destinations and their thresholds
	Observer      Observer     // optional span observer (profiler)
	ObserverLevel Level        // most verbose span level passed to Observer
	// OnSinkError is told about failed sink writes. It must not log through
	// the tracer that reported the failure.
	OnSinkError func(sink string, err error)
}

// Tracer owns the hart table and the configured sinks.
type Tracer struct {
	harts       []*Hart
	sinks       *sinkSet
	observer    Observer
	obsLevel    Level
	clock       Clock
	onSinkError func(string, error)
}

// New creates a Tracer based on Config.
func New(cfg Config) (*Tracer, error) {
	if cfg.Harts <= 0 {
		cfg.Harts = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = NewMonotonicClock()
	}
	sinks, err := newSinkSet(cfg.Sinks)
	if err != nil {
		return nil, fmt.Errorf("failed to configure sinks: %w", err)
	}
	t := &Tracer{
		sinks:       sinks,
		observer:    cfg.Observer,
		obsLevel:    cfg.ObserverLevel,
		clock:       cfg.Clock,
		onSinkError: cfg.OnSinkError,
	}
	if t.observer == nil {
		t.obsLevel = LevelNone
	}
	t.harts = make([]*Hart, cfg.Harts)
	for i := range t.harts {
		t.harts[i] = &Hart{id: i, tracer: t, stack: make([]activeSpan, 0, 16)}
	}
	return t, nil
}

// Hart returns the execution context with the given index.
func (t *Tracer) Hart(id int) *Hart {
	if t == nil || id < 0 || id >= len(t.harts) {
		return nil
	}
	return t.harts[id]
}

// NumHarts returns the size of the hart table.
func (t *Tracer) NumHarts() int {
	if t == nil {
		return 0
	}
	return len(t.harts)
}

// Clock returns the tracer's time source.
func (t *Tracer) Clock() Clock { return t.clock }

// Enabled reports whether any sink admits level.
func (t *Tracer) Enabled(level Level) bool {
	return t != nil && t.sinks.admitsAny(level)
}

func (t *Tracer) observed(level Level) bool {
	return t.obsLevel.Admits(level)
}

// spanEnabled reports whether entering a span at level has any consumer.
func (t *Tracer) spanEnabled(level Level) bool {
	return t.sinks.admitsAny(level) || t.observed(level)
}

// SetThreshold changes the threshold of one sink. Other sinks are unaffected.
func (t *Tracer) SetThreshold(sink string, level Level) error {
	e := t.sinks.lookup(sink)
	if e == nil {
		return fmt.Errorf("unknown sink %q", sink)
	}
	t.sinks.setThreshold(e, level)
	return nil
}

// Threshold returns the threshold of a sink.
func (t *Tracer) Threshold(sink string) (Level, bool) {
	e := t.sinks.lookup(sink)
	if e == nil {
		return LevelNone, false
	}
	return e.threshold(), true
}

// WriteErrors returns the number of failed writes for a sink.
func (t *Tracer) WriteErrors(sink string) uint64 {
	e := t.sinks.lookup(sink)
	if e == nil {
		return 0
	}
	return e.errors.Load()
}

// Flush flushes every sink that buffers.
func (t *Tracer) Flush() error {
	if t == nil {
		return nil
	}
	return t.sinks.flush()
}

// Close flushes and closes every sink that owns a resource.
func (t *Tracer) Close() error {
	if t == nil {
		return nil
	}
	flushErr := t.sinks.flush()
	closeErr := t.sinks.close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// OpenOutput opens a writer for a sink path: "" or "-" mean stderr.
func OpenOutput(path string) (io.Writer, error) {
	if path == "" || path == "-" {
		return os.Stderr, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log output: %w", err)
	}
	return f, nil
}

// FormatForPath picks a record format from a file extension.
func FormatForPath(path string) Format {
	if strings.HasSuffix(path, ".ndjson") || strings.HasSuffix(path, ".jsonl") {
		return FormatNDJSON
	}
	return FormatText
}
