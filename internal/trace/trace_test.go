package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

type captureSink struct {
	mu      sync.Mutex
	name    string
	records []Record
	err     error
}

func (s *captureSink) Name() string { return s.name }

func (s *captureSink) Write(r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, r.Clone())
	return nil
}

func (s *captureSink) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.records))
	for i, r := range s.records {
		out[i] = r.Message
	}
	return out
}

func newTestTracer(t *testing.T, harts int, sinks ...SinkConfig) *Tracer {
	t.Helper()
	tr, err := New(Config{Harts: harts, Clock: &ManualClock{Step: 1000}, Sinks: sinks})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr
}

func expectMismatch(t *testing.T, fn func()) *StackMismatchError {
	t.Helper()
	var got *StackMismatchError
	func() {
		defer func() {
			r := recover()
			if r == nil {
				t.Fatalf("expected panic on out-of-order exit")
			}
			err, ok := r.(*StackMismatchError)
			if !ok {
				t.Fatalf("expected *StackMismatchError, got %T: %v", r, r)
			}
			got = err
		}()
		fn()
	}()
	return got
}

func TestWellNestedSpansLeaveEmptyStack(t *testing.T) {
	tr := newTestTracer(t, 1, SinkConfig{Sink: &captureSink{name: "console"}, Level: LevelTrace})
	h := tr.Hart(0)

	var enter func(depth int)
	enter = func(depth int) {
		if depth == 0 {
			return
		}
		g := DebugSpan("level", Int("depth", depth)).Entered(h)
		defer g.Exit()
		if h.Depth() == 0 {
			t.Fatalf("span not pushed at depth %d", depth)
		}
		enter(depth - 1)
		enter(depth - 2)
	}
	enter(6)

	if h.Depth() != 0 {
		t.Fatalf("expected empty stack, got depth %d", h.Depth())
	}
}

func TestBreadcrumbOuterToInner(t *testing.T) {
	sink := &captureSink{name: "console"}
	tr := newTestTracer(t, 1, SinkConfig{Sink: sink, Level: LevelTrace})
	h := tr.Hart(0)

	a := InfoSpan("A").Entered(h)
	b := InfoSpan("B").Entered(h)
	c := InfoSpan("C").Entered(h)
	h.Info("inside")
	c.Exit()
	b.Exit()
	a.Exit()

	if len(sink.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(sink.records))
	}
	var names []string
	for _, f := range sink.records[0].Context {
		names = append(names, f.Name)
	}
	if got := strings.Join(names, ","); got != "A,B,C" {
		t.Fatalf("breadcrumb mismatch: want A,B,C, got %s", got)
	}
}

func TestHartTaskScenario(t *testing.T) {
	var buf bytes.Buffer
	sink := NewStreamSink("console", &buf, FormatText, nil)
	tr := newTestTracer(t, 1, SinkConfig{Sink: sink, Level: LevelInfo})
	h := tr.Hart(0)

	hart := InfoSpan("hart", Int("id", 0)).Entered(h)
	task := InfoSpan("task", Int("id", 7)).Entered(h)
	h.Info("started")
	task.Exit()
	hart.Exit()
	h.Info("idle")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	if !strings.HasSuffix(lines[0], "[ INFO] hart{id=0} > task{id=7}: started") {
		t.Errorf("unexpected first line: %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], "] [ INFO] idle") {
		t.Errorf("unexpected second line: %q", lines[1])
	}
}

func TestOutOfOrderExitPanics(t *testing.T) {
	tr := newTestTracer(t, 1, SinkConfig{Sink: &captureSink{name: "console"}, Level: LevelTrace})
	h := tr.Hart(0)

	outer := InfoSpan("outer").Entered(h)
	inner := InfoSpan("inner").Entered(h)

	err := expectMismatch(t, outer.Exit)
	if err.Released != outer.Instance() || err.Top != inner.Instance() {
		t.Fatalf("mismatch details wrong: %+v", err)
	}
	if err.TopName != "inner" || err.ReleasedName != "outer" {
		t.Fatalf("mismatch names wrong: %+v", err)
	}
	if !strings.Contains(err.Error(), "top of context stack is inner") {
		t.Fatalf("unexpected message: %v", err)
	}
}

func TestExitOnEmptyStackPanics(t *testing.T) {
	tr := newTestTracer(t, 2, SinkConfig{Sink: &captureSink{name: "console"}, Level: LevelTrace})
	g := InfoSpan("leaked").Entered(tr.Hart(0))
	// move the slot away to simulate a guard released on the wrong hart
	g.hart = tr.Hart(1)

	err := expectMismatch(t, g.Exit)
	if err.Top != 0 || err.Hart != 1 {
		t.Fatalf("unexpected error: %+v", err)
	}
}

func TestDoubleExitIsNoop(t *testing.T) {
	tr := newTestTracer(t, 1, SinkConfig{Sink: &captureSink{name: "console"}, Level: LevelTrace})
	h := tr.Hart(0)
	outer := InfoSpan("outer").Entered(h)
	g := InfoSpan("inner").Entered(h)
	g.Exit()
	g.Exit()
	if h.Depth() != 1 || h.Top() != outer.Instance() {
		t.Fatalf("second exit changed the stack: depth=%d", h.Depth())
	}
	outer.Exit()
}

func TestReentryProducesDistinctInstances(t *testing.T) {
	tr := newTestTracer(t, 1, SinkConfig{Sink: &captureSink{name: "console"}, Level: LevelTrace})
	h := tr.Hart(0)
	cs := NewCallsite(LevelInfo, "poll")

	seen := make(map[uint64]bool)
	for i := 0; i < 5; i++ {
		g := cs.Span(Int("i", i)).Entered(h)
		if seen[g.Instance()] {
			t.Fatalf("instance %d reused", g.Instance())
		}
		seen[g.Instance()] = true
		g.Exit()
	}
}

func TestNewSpanInternsCallsitePerLine(t *testing.T) {
	var ids []uint64
	for i := 0; i < 3; i++ {
		ids = append(ids, InfoSpan("loop").Callsite().ID)
	}
	if ids[0] != ids[1] || ids[1] != ids[2] {
		t.Fatalf("same line produced different callsites: %v", ids)
	}
	other := InfoSpan("loop").Callsite()
	if other.ID == ids[0] {
		t.Fatalf("different lines share callsite %d", other.ID)
	}
	if _, ok := LookupCallsite(other.ID); !ok {
		t.Fatalf("callsite %d not registered", other.ID)
	}
	if !strings.HasSuffix(other.File, "trace_test.go") || other.Line == 0 {
		t.Fatalf("callsite location not recorded: %s:%d", other.File, other.Line)
	}
}

func TestIndependentSinkThresholds(t *testing.T) {
	console := &captureSink{name: "console"}
	file := &captureSink{name: "file"}
	tr := newTestTracer(t, 1,
		SinkConfig{Sink: console, Level: LevelInfo},
		SinkConfig{Sink: file, Level: LevelWarn},
	)
	h := tr.Hart(0)

	h.Warn("warn")
	h.Info("info")
	h.Debug("debug")

	if got := strings.Join(console.messages(), ","); got != "warn,info" {
		t.Errorf("console got %q", got)
	}
	if got := strings.Join(file.messages(), ","); got != "warn" {
		t.Errorf("file got %q", got)
	}

	if err := tr.SetThreshold("file", LevelNone); err != nil {
		t.Fatalf("SetThreshold: %v", err)
	}
	h.Info("info2")
	if got := strings.Join(console.messages(), ","); got != "warn,info,info2" {
		t.Errorf("console decisions changed after file threshold change: %q", got)
	}
	if len(file.messages()) != 1 {
		t.Errorf("file received records after being disabled")
	}
	if err := tr.SetThreshold("missing", LevelInfo); err == nil {
		t.Errorf("expected error for unknown sink")
	}
}

func TestDisabledLevelIsNoop(t *testing.T) {
	tr := newTestTracer(t, 1, SinkConfig{Sink: &captureSink{name: "console"}, Level: LevelWarn})
	h := tr.Hart(0)

	rendered := 0
	lazy := Deferred("expensive", nil, func(any) string {
		rendered++
		return "x"
	})
	h.LogFields(LevelDebug, "skipped", lazy)
	h.Debug("skipped %v", lazy)

	g := DebugSpan("skipped", lazy).Entered(h)
	if h.Depth() != 0 {
		t.Fatalf("disabled span was pushed")
	}
	g.Exit()

	if rendered != 0 {
		t.Fatalf("deferred value rendered %d times for a disabled level", rendered)
	}
	if tr.Enabled(LevelInfo) || !tr.Enabled(LevelError) {
		t.Fatalf("Enabled disagrees with the sink threshold")
	}
}

func TestNoneNeverAdmits(t *testing.T) {
	for l := LevelNone; l <= LevelTrace; l++ {
		if LevelNone.Admits(l) {
			t.Errorf("NONE threshold admitted %s", l)
		}
		if l.Admits(LevelNone) {
			t.Errorf("%s threshold admitted NONE", l)
		}
	}
	if !LevelInfo.Admits(LevelWarn) || LevelInfo.Admits(LevelDebug) {
		t.Errorf("INFO threshold ordering wrong")
	}
}

func TestSinkFailureDoesNotBlockOthers(t *testing.T) {
	broken := &captureSink{name: "file", err: errors.New("disk error")}
	console := &captureSink{name: "console"}
	var reported []string
	tr, err := New(Config{
		Clock: &ManualClock{},
		Sinks: []SinkConfig{
			{Sink: broken, Level: LevelTrace},
			{Sink: console, Level: LevelTrace},
		},
		OnSinkError: func(sink string, err error) { reported = append(reported, sink+": "+err.Error()) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tr.Hart(0).Error("boom")

	if len(console.messages()) != 1 {
		t.Fatalf("console did not receive the record")
	}
	if tr.WriteErrors("file") != 1 {
		t.Fatalf("expected one write error, got %d", tr.WriteErrors("file"))
	}
	if len(reported) != 1 || reported[0] != "file: disk error" {
		t.Fatalf("unexpected error reports: %v", reported)
	}
}

func TestRenderPanicPropagates(t *testing.T) {
	tr := newTestTracer(t, 1, SinkConfig{Sink: NewStreamSink("console", &bytes.Buffer{}, FormatText, nil), Level: LevelTrace})
	defer func() {
		if r := recover(); r != "render failed" {
			t.Fatalf("expected render panic to propagate, got %v", r)
		}
	}()
	tr.Hart(0).LogFields(LevelInfo, "msg", Deferred("bad", nil, func(any) string { panic("render failed") }))
	t.Fatalf("unreachable")
}

func TestSinkOnlyShowsAdmittedSpans(t *testing.T) {
	console := &captureSink{name: "console"}
	file := &captureSink{name: "file"}
	tr := newTestTracer(t, 1,
		SinkConfig{Sink: console, Level: LevelTrace},
		SinkConfig{Sink: file, Level: LevelInfo},
	)
	h := tr.Hart(0)

	outer := InfoSpan("syscall").Entered(h)
	inner := TraceSpan("page_fault").Entered(h)
	h.Warn("slow")
	inner.Exit()
	outer.Exit()

	if got := console.records[0].Breadcrumb(); got != "syscall > page_fault" {
		t.Errorf("console breadcrumb %q", got)
	}
	if got := file.records[0].Breadcrumb(); got != "syscall" {
		t.Errorf("file breadcrumb %q", got)
	}
}

type countingObserver struct{ enters, exits int }

func (o *countingObserver) SpanEnter(int, uint64, *Callsite, uint64) { o.enters++ }
func (o *countingObserver) SpanExit(int, uint64, *Callsite, uint64)  { o.exits++ }

func TestObserverOnlySpanFieldsNeverRendered(t *testing.T) {
	console := &captureSink{name: "console"}
	obs := &countingObserver{}
	tr, err := New(Config{
		Harts:         1,
		Clock:         &ManualClock{},
		Sinks:         []SinkConfig{{Sink: console, Level: LevelInfo}},
		Observer:      obs,
		ObserverLevel: LevelTrace,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := tr.Hart(0)

	rendered := 0
	counted := Deferred("state", nil, func(any) string {
		rendered++
		return "x"
	})
	hot := TraceSpan("hot", counted).Entered(h)
	exploding := TraceSpan("cold", Deferred("bad", nil, func(any) string { panic("render failed") })).Entered(h)
	h.Info("msg")
	exploding.Exit()
	hot.Exit()

	if rendered != 0 {
		t.Fatalf("observer-only span fields rendered %d times", rendered)
	}
	if obs.enters != 2 || obs.exits != 2 {
		t.Fatalf("observer saw %d enters and %d exits, want 2 and 2", obs.enters, obs.exits)
	}
	if len(console.records) != 1 {
		t.Fatalf("console got %d records", len(console.records))
	}
	if ctx := console.records[0].Context; len(ctx) != 0 {
		t.Fatalf("console saw frames %+v", ctx)
	}
}

func TestConcurrentSetThresholdKeepsMaxCurrent(t *testing.T) {
	a := &captureSink{name: "a"}
	b := &captureSink{name: "b"}
	tr := newTestTracer(t, 1,
		SinkConfig{Sink: a, Level: LevelError},
		SinkConfig{Sink: b, Level: LevelError},
	)
	levels := []Level{LevelError, LevelWarn, LevelInfo, LevelDebug, LevelTrace}

	for round := 0; round < 200; round++ {
		var wg sync.WaitGroup
		for i, name := range []string{"a", "b"} {
			wg.Add(1)
			go func(name string, level Level) {
				defer wg.Done()
				if err := tr.SetThreshold(name, level); err != nil {
					t.Errorf("SetThreshold(%s): %v", name, err)
				}
			}(name, levels[(round+i*2)%len(levels)])
		}
		wg.Wait()

		la, _ := tr.Threshold("a")
		lb, _ := tr.Threshold("b")
		most := max(la, lb)
		if !tr.Enabled(most) {
			t.Fatalf("round %d: thresholds %s/%s but %s not enabled", round, la, lb, most)
		}
		if most < LevelTrace && tr.Enabled(most+1) {
			t.Fatalf("round %d: thresholds %s/%s but %s enabled", round, la, lb, most+1)
		}
	}
}

func TestHartsHaveIndependentStacks(t *testing.T) {
	sink := &captureSink{name: "console"}
	tr := newTestTracer(t, 4, SinkConfig{Sink: sink, Level: LevelInfo})

	var wg sync.WaitGroup
	for i := 0; i < tr.NumHarts(); i++ {
		wg.Add(1)
		go func(h *Hart) {
			defer wg.Done()
			for n := 0; n < 100; n++ {
				g := InfoSpan("hart", Int("id", h.ID())).Entered(h)
				h.Info("tick")
				g.Exit()
			}
		}(tr.Hart(i))
	}
	wg.Wait()

	for _, r := range sink.records {
		if len(r.Context) != 1 || r.Context[0].Fields != fmt.Sprintf("id=%d", r.Hart) {
			t.Fatalf("record on hart %d has foreign context %q", r.Hart, r.Breadcrumb())
		}
	}
	if len(sink.records) != 400 {
		t.Fatalf("expected 400 records, got %d", len(sink.records))
	}
}

func TestPerHartOrdering(t *testing.T) {
	var buf bytes.Buffer
	tr := newTestTracer(t, 1, SinkConfig{Sink: NewStreamSink("file", &buf, FormatNDJSON, nil), Level: LevelDebug})
	h := tr.Hart(0)
	for i := 0; i < 10; i++ {
		h.LogFields(LevelDebug, "seq", Int("n", i))
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	for i, line := range lines {
		if !strings.Contains(line, fmt.Sprintf(`"n":%d`, i)) {
			t.Fatalf("line %d out of order: %s", i, line)
		}
	}
}

func TestNDJSONKeepsRepeatedFieldKeys(t *testing.T) {
	var buf bytes.Buffer
	tr := newTestTracer(t, 1, SinkConfig{Sink: NewStreamSink("file", &buf, FormatNDJSON, nil), Level: LevelInfo})
	tr.Hart(0).LogFields(LevelInfo, "irq", Int("line", 3), Int("line", 7), String("line#2", "taken"))

	var got struct {
		Fields map[string]any `json:"fields"`
	}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	want := map[string]any{"line": float64(3), "line#2": float64(7), "line#2#2": "taken"}
	if len(got.Fields) != len(want) {
		t.Fatalf("fields = %v, want %v", got.Fields, want)
	}
	for k, v := range want {
		if got.Fields[k] != v {
			t.Errorf("fields[%q] = %v, want %v", k, got.Fields[k], v)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"NONE": LevelNone, "off": LevelNone, "error": LevelError, "WARN": LevelWarn,
		"Info": LevelInfo, "DEBUG": LevelDebug, "trace": LevelTrace,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Errorf("expected error for unknown level")
	}
}
