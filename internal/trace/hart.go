package trace

import (
	"fmt"
	"strings"
)

// activeSpan is one slot of a context stack.
type activeSpan struct {
	instance uint64
	cs       *Callsite
	fields   []Field
	rendered string
	resolved bool
}

// StackMismatchError reports a guard released out of creation order.
type StackMismatchError struct {
	Hart         int
	Released     uint64
	ReleasedName string
	Top          uint64 // 0 when the stack was empty
	TopName      string
}

func (e *StackMismatchError) Error() string {
	if e.Top == 0 {
		return fmt.Sprintf("hart %d: exit of span %s#%d with an empty context stack", e.Hart, e.ReleasedName, e.Released)
	}
	return fmt.Sprintf("hart %d: exit of span %s#%d but top of context stack is %s#%d",
		e.Hart, e.ReleasedName, e.Released, e.TopName, e.Top)
}

// Hart is one execution context: a hardware thread and whatever task it is
// currently running. It owns its context stack, which only the code running
// on the hart may touch, so push and pop take no locks.
type Hart struct {
	id     int
	tracer *Tracer
	stack  []activeSpan
}

// ID returns the hart index.
func (h *Hart) ID() int {
	if h == nil {
		return -1
	}
	return h.id
}

// Tracer returns the tracer that owns the hart.
func (h *Hart) Tracer() *Tracer {
	if h == nil {
		return nil
	}
	return h.tracer
}

// Depth returns the number of spans currently entered on the hart.
func (h *Hart) Depth() int {
	if h == nil {
		return 0
	}
	return len(h.stack)
}

// Top returns the instance ID on top of the stack, or 0 if it is empty.
func (h *Hart) Top() uint64 {
	if h == nil || len(h.stack) == 0 {
		return 0
	}
	return h.stack[len(h.stack)-1].instance
}

func (h *Hart) push(s activeSpan) {
	h.stack = append(h.stack, s)
}

func (h *Hart) pop(instance uint64, cs *Callsite) {
	n := len(h.stack)
	if n == 0 {
		panic(&StackMismatchError{Hart: h.id, Released: instance, ReleasedName: cs.Name})
	}
	top := &h.stack[n-1]
	if top.instance != instance {
		panic(&StackMismatchError{
			Hart:         h.id,
			Released:     instance,
			ReleasedName: cs.Name,
			Top:          top.instance,
			TopName:      top.cs.Name,
		})
	}
	*top = activeSpan{}
	h.stack = h.stack[:n-1]
}

// Frames snapshots the context stack outer to inner. Frames of spans no sink
// admits are omitted and their fields are never rendered: such spans are on
// the stack only for the observer.
func (h *Hart) Frames() []Frame {
	if h == nil || len(h.stack) == 0 {
		return nil
	}
	var frames []Frame
	for i := range h.stack {
		s := &h.stack[i]
		if !h.tracer.Enabled(s.cs.Level) {
			continue
		}
		if !s.resolved {
			s.rendered = renderSpanFields(s.cs.Fields, s.fields)
			s.resolved = true
		}
		frames = append(frames, Frame{Name: s.cs.Name, Level: s.cs.Level, Fields: s.rendered})
	}
	return frames
}

func renderSpanFields(static, instance []Field) string {
	if len(static) == 0 && len(instance) == 0 {
		return ""
	}
	var sb strings.Builder
	renderFields(&sb, static)
	if len(static) > 0 && len(instance) > 0 {
		sb.WriteByte(' ')
	}
	renderFields(&sb, instance)
	return sb.String()
}

// Enabled reports whether any sink admits level.
func (h *Hart) Enabled(level Level) bool {
	return h != nil && h.tracer.Enabled(level)
}

// Log emits a record. args are only formatted when some sink admits level;
// with no args the format string is used verbatim.
func (h *Hart) Log(level Level, format string, args ...any) {
	if h == nil || !h.tracer.Enabled(level) {
		return
	}
	h.emit(level, format, args, nil)
}

// LogFields emits a record with structured fields.
func (h *Hart) LogFields(level Level, msg string, fields ...Field) {
	if h == nil || !h.tracer.Enabled(level) {
		return
	}
	h.emit(level, msg, nil, fields)
}

// Error logs at LevelError.
func (h *Hart) Error(format string, args ...any) { h.Log(LevelError, format, args...) }

// Warn logs at LevelWarn.
func (h *Hart) Warn(format string, args ...any) { h.Log(LevelWarn, format, args...) }

// Info logs at LevelInfo.
func (h *Hart) Info(format string, args ...any) { h.Log(LevelInfo, format, args...) }

// Debug logs at LevelDebug.
func (h *Hart) Debug(format string, args ...any) { h.Log(LevelDebug, format, args...) }

// Trace logs at LevelTrace.
func (h *Hart) Trace(format string, args ...any) { h.Log(LevelTrace, format, args...) }

func (h *Hart) emit(level Level, format string, args []any, fields []Field) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	rec := &Record{
		Time:    h.tracer.clock.NowNanos(),
		Level:   level,
		Hart:    h.id,
		Message: msg,
		Fields:  fields,
		Context: h.Frames(),
	}
	h.tracer.sinks.deliver(rec, h.tracer.onSinkError)
}
