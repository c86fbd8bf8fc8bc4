package trace

import "strings"

// Frame is a read-only snapshot of one entered span.
type Frame struct {
	Name   string
	Level  Level
	Fields string // rendered "k=v" pairs, empty when the span has none
}

// String renders the frame as name{fields}.
func (f Frame) String() string {
	if f.Fields == "" {
		return f.Name
	}
	return f.Name + "{" + f.Fields + "}"
}

// Record is a single log event. It only lives for the duration of one
// emission call; sinks must not retain it unless they copy it.
type Record struct {
	Time    uint64  // clock reading in nanoseconds
	Level   Level   // severity
	Hart    int     // emitting hart
	Message string  // formatted message
	Fields  []Field // event fields
	Context []Frame // context stack, outer to inner
}

// Breadcrumb renders the context as "outer > inner".
func (r *Record) Breadcrumb() string {
	if len(r.Context) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, f := range r.Context {
		if i > 0 {
			sb.WriteString(" > ")
		}
		sb.WriteString(f.Name)
		if f.Fields != "" {
			sb.WriteByte('{')
			sb.WriteString(f.Fields)
			sb.WriteByte('}')
		}
	}
	return sb.String()
}

// visibleTo returns the record as seen by a sink with the given threshold:
// frames of spans the sink does not admit are dropped. The original record is
// returned unchanged when nothing needs hiding.
func (r *Record) visibleTo(threshold Level) *Record {
	hidden := 0
	for _, f := range r.Context {
		if !threshold.Admits(f.Level) {
			hidden++
		}
	}
	if hidden == 0 {
		return r
	}
	cp := *r
	cp.Context = make([]Frame, 0, len(r.Context)-hidden)
	for _, f := range r.Context {
		if threshold.Admits(f.Level) {
			cp.Context = append(cp.Context, f)
		}
	}
	return &cp
}

// Clone returns a deep copy that is safe to retain.
func (r *Record) Clone() Record {
	cp := *r
	if len(r.Fields) > 0 {
		cp.Fields = make([]Field, len(r.Fields))
		for i, f := range r.Fields {
			// deferred values are resolved so the copy no longer references caller data
			if f.Value.Kind() == KindDeferred {
				f.Value = StringValue(f.Value.String())
			}
			cp.Fields[i] = f
		}
	}
	if len(r.Context) > 0 {
		cp.Context = append([]Frame(nil), r.Context...)
	}
	return cp
}
