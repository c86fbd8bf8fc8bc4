package trace

import (
	"runtime"
	"sync"
	"sync/atomic"
)

var (
	globalCallsites uint64
	globalInstances uint64
)

// nextCallsiteID returns a process-wide callsite ID. IDs are never reused.
func nextCallsiteID() uint64 {
	return atomic.AddUint64(&globalCallsites, 1)
}

// nextInstanceID returns a unique ID for one entry into a span.
func nextInstanceID() uint64 {
	return atomic.AddUint64(&globalInstances, 1)
}

// Callsite describes one place in the source that creates spans. It is
// immutable after construction and lives for the whole process.
type Callsite struct {
	ID     uint64
	Name   string
	Level  Level
	Fields []Field
	File   string
	Line   int
}

var registry struct {
	mu    sync.RWMutex
	byID  map[uint64]*Callsite
	order []*Callsite
	byPC  sync.Map // callsiteKey -> *Callsite
}

type callsiteKey struct {
	pc    uintptr
	name  string
	level Level
}

func register(cs *Callsite) *Callsite {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.byID == nil {
		registry.byID = make(map[uint64]*Callsite)
	}
	registry.byID[cs.ID] = cs
	registry.order = append(registry.order, cs)
	return cs
}

// NewCallsite declares a callsite. It is meant for package-level variables:
//
//	var syscallSpan = trace.NewCallsite(trace.LevelDebug, "syscall")
func NewCallsite(level Level, name string, fields ...Field) *Callsite {
	cs := &Callsite{
		ID:     nextCallsiteID(),
		Name:   name,
		Level:  level,
		Fields: fields,
	}
	if _, file, line, ok := runtime.Caller(1); ok {
		cs.File, cs.Line = file, line
	}
	return register(cs)
}

// LookupCallsite returns the callsite with the given ID.
func LookupCallsite(id uint64) (*Callsite, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	cs, ok := registry.byID[id]
	return cs, ok
}

// Callsites returns every registered callsite in registration order.
func Callsites() []*Callsite {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	out := make([]*Callsite, len(registry.order))
	copy(out, registry.order)
	return out
}

// internCallsite returns the callsite for the frame skip levels above the
// caller, creating it on first use.
func internCallsite(skip int, level Level, name string) *Callsite {
	var pcs [1]uintptr
	if runtime.Callers(skip+2, pcs[:]) == 0 {
		return register(&Callsite{ID: nextCallsiteID(), Name: name, Level: level})
	}
	key := callsiteKey{pc: pcs[0], name: name, level: level}
	if cs, ok := registry.byPC.Load(key); ok {
		return cs.(*Callsite)
	}
	frame, _ := runtime.CallersFrames(pcs[:]).Next()
	cs := &Callsite{
		ID:    nextCallsiteID(),
		Name:  name,
		Level: level,
		File:  frame.File,
		Line:  frame.Line,
	}
	actual, loaded := registry.byPC.LoadOrStore(key, cs)
	if loaded {
		return actual.(*Callsite)
	}
	return register(cs)
}

// Span is an inert span description. Creating one has no effect on any
// context stack; it can be passed around freely until it is entered.
// The zero Span is disabled.
type Span struct {
	cs     *Callsite
	fields []Field
}

// Span creates a span for this callsite with additional instance fields.
func (c *Callsite) Span(fields ...Field) Span {
	return Span{cs: c, fields: fields}
}

// NewSpan creates a span whose callsite is the caller's source line.
func NewSpan(level Level, name string, fields ...Field) Span {
	return Span{cs: internCallsite(1, level, name), fields: fields}
}

// ErrorSpan creates an ERROR-level span.
func ErrorSpan(name string, fields ...Field) Span {
	return Span{cs: internCallsite(1, LevelError, name), fields: fields}
}

// WarnSpan creates a WARN-level span.
func WarnSpan(name string, fields ...Field) Span {
	return Span{cs: internCallsite(1, LevelWarn, name), fields: fields}
}

// InfoSpan creates an INFO-level span.
func InfoSpan(name string, fields ...Field) Span {
	return Span{cs: internCallsite(1, LevelInfo, name), fields: fields}
}

// DebugSpan creates a DEBUG-level span.
func DebugSpan(name string, fields ...Field) Span {
	return Span{cs: internCallsite(1, LevelDebug, name), fields: fields}
}

// TraceSpan creates a TRACE-level span.
func TraceSpan(name string, fields ...Field) Span {
	return Span{cs: internCallsite(1, LevelTrace, name), fields: fields}
}

// Callsite returns the span's callsite, or nil for the zero Span.
func (s Span) Callsite() *Callsite { return s.cs }

// Fields returns the instance fields.
func (s Span) Fields() []Field { return s.fields }

// Entered pushes the span onto h's context stack and returns the guard that
// pops it. Spans that neither a sink nor the observer admit return an inert
// guard.
func (s Span) Entered(h *Hart) *Guard {
	if s.cs == nil || h == nil || !h.tracer.spanEnabled(s.cs.Level) {
		return &Guard{}
	}
	inst := nextInstanceID()
	h.push(activeSpan{instance: inst, cs: s.cs, fields: s.fields})
	g := &Guard{hart: h, instance: inst, cs: s.cs}
	if h.tracer.observed(s.cs.Level) {
		g.observed = true
		h.tracer.observer.SpanEnter(h.id, inst, s.cs, h.tracer.clock.NowNanos())
	}
	return g
}

// Guard represents a span's occupancy of a context stack slot. It must be
// released on the hart that created it, in reverse order of creation, and
// never held across a suspension point.
type Guard struct {
	hart     *Hart
	instance uint64
	cs       *Callsite
	observed bool
	exited   bool
}

// Instance returns the span instance ID, or 0 for an inert guard.
func (g *Guard) Instance() uint64 {
	if g == nil {
		return 0
	}
	return g.instance
}

// Exit pops the span. Releasing a guard that is not on top of its hart's
// stack panics with *StackMismatchError. Exiting twice is a no-op.
func (g *Guard) Exit() {
	if g == nil || g.hart == nil || g.exited {
		return
	}
	g.exited = true
	h := g.hart
	h.pop(g.instance, g.cs)
	if g.observed {
		h.tracer.observer.SpanExit(h.id, g.instance, g.cs, h.tracer.clock.NowNanos())
	}
}
