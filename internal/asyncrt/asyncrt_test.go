package asyncrt

import (
	"context"
	"strings"
	"testing"
	"time"

	"ktrace/internal/profile"
	"ktrace/internal/trace"
)

type harness struct {
	tracer *trace.Tracer
	rec    *profile.Recorder
	ring   *trace.RingSink
	exec   *Executor
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	rec := profile.NewRecorder(1)
	ring := trace.NewRingSink("ring", 64)
	tr, err := trace.New(trace.Config{
		Harts:         1,
		Clock:         &trace.ManualClock{Step: 10},
		Sinks:         []trace.SinkConfig{{Sink: ring, Level: trace.LevelTrace}},
		Observer:      rec,
		ObserverLevel: trace.LevelTrace,
	})
	if err != nil {
		t.Fatalf("trace.New: %v", err)
	}
	return &harness{tracer: tr, rec: rec, ring: ring, exec: NewExecutor(tr.Hart(0), cfg)}
}

func expectLeak(t *testing.T, fn func()) *LeakedGuardError {
	t.Helper()
	var got *LeakedGuardError
	func() {
		defer func() {
			r := recover()
			if r == nil {
				t.Fatalf("expected panic for guard held across suspension")
			}
			err, ok := r.(*LeakedGuardError)
			if !ok {
				t.Fatalf("expected *LeakedGuardError, got %T: %v", r, r)
			}
			got = err
		}()
		fn()
	}()
	return got
}

// checkNesting verifies that every exit closes the innermost open enter.
func checkNesting(t *testing.T, events []profile.Event) {
	t.Helper()
	var open []uint64
	for i, ev := range events {
		switch ev.Kind {
		case profile.KindEnter:
			open = append(open, ev.Instance)
		case profile.KindExit:
			if len(open) == 0 || open[len(open)-1] != ev.Instance {
				t.Fatalf("event %d: exit of %d does not close innermost open span %v", i, ev.Instance, open)
			}
			open = open[:len(open)-1]
		}
	}
	if len(open) != 0 {
		t.Fatalf("spans left open: %v", open)
	}
}

func TestInstrumentEntersOncePerStep(t *testing.T) {
	h := newHarness(t, Config{})
	fut := Instrument(Yield(3), trace.InfoSpan("task", trace.Int("id", 1)))
	h.exec.Spawn("yielder", fut)
	h.exec.RunUntilIdle()

	if fut.Steps() != 4 {
		t.Fatalf("steps = %d, want 4", fut.Steps())
	}
	events := h.rec.HartEvents(0)
	if len(events) != 8 {
		t.Fatalf("recorded %d events, want 8 (4 enter/exit pairs)", len(events))
	}
	for i := 0; i < len(events); i += 2 {
		if events[i].Kind != profile.KindEnter || events[i+1].Kind != profile.KindExit {
			t.Fatalf("events %d,%d are not an enter/exit pair", i, i+1)
		}
		if events[i].Instance != events[i+1].Instance {
			t.Fatalf("pair %d: enter %d exit %d", i/2, events[i].Instance, events[i+1].Instance)
		}
	}
	if d := h.exec.Hart().Depth(); d != 0 {
		t.Fatalf("depth after run = %d", d)
	}
}

func TestInstrumentedTasksDoNotInterleave(t *testing.T) {
	h := newHarness(t, Config{})
	step := func(name string) Future {
		n := 0
		return FutureFunc(func(cx *Context) PollOutcome {
			g := trace.DebugSpan("step", trace.String("task", name)).Entered(cx.Hart())
			cx.Hart().Info("poll %d", n)
			g.Exit()
			n++
			if n == 3 {
				return Ready(nil)
			}
			return Yielded()
		})
	}
	h.exec.Spawn("a", Instrument(step("a"), trace.InfoSpan("task", trace.String("name", "a"))))
	h.exec.Spawn("b", Instrument(step("b"), trace.InfoSpan("task", trace.String("name", "b"))))
	h.exec.RunUntilIdle()

	events := h.rec.HartEvents(0)
	if len(events) != 24 {
		t.Fatalf("recorded %d events, want 24", len(events))
	}
	checkNesting(t, events)

	records := h.ring.Snapshot()
	if len(records) != 6 {
		t.Fatalf("captured %d records, want 6", len(records))
	}
	want := []string{"a", "b", "a", "b", "a", "b"}
	for i, r := range records {
		if len(r.Context) != 2 {
			t.Fatalf("record %d: breadcrumb %q", i, r.Breadcrumb())
		}
		if r.Context[0].Fields != "name="+want[i] || r.Context[1].Fields != "task="+want[i] {
			t.Fatalf("record %d: breadcrumb %q, want task %s", i, r.Breadcrumb(), want[i])
		}
	}
}

func TestGuardHeldAcrossPollPanics(t *testing.T) {
	h := newHarness(t, Config{})
	h.exec.Spawn("leaky", FutureFunc(func(cx *Context) PollOutcome {
		trace.InfoSpan("held").Entered(cx.Hart())
		return Yielded()
	}))
	err := expectLeak(t, func() { h.exec.Step() })
	if err.Before != 0 || err.After != 1 || err.Task != 1 {
		t.Fatalf("unexpected error: %+v", err)
	}
}

func TestInstrumentDetectsLeakInsideStep(t *testing.T) {
	h := newHarness(t, Config{})
	inner := FutureFunc(func(cx *Context) PollOutcome {
		trace.DebugSpan("held").Entered(cx.Hart())
		return Parked(EventKey(1))
	})
	h.exec.Spawn("leaky", Instrument(inner, trace.InfoSpan("task")))
	err := expectLeak(t, func() { h.exec.Step() })
	if err.Before != 1 || err.After != 2 {
		t.Fatalf("unexpected error: %+v", err)
	}
}

func TestCancelAbandonsParkedTask(t *testing.T) {
	h := newHarness(t, Config{})
	fut := Instrument(Sleep(100), trace.InfoSpan("sleeper"))
	id := h.exec.Spawn("sleeper", fut)
	h.exec.Step()
	if task := h.exec.Task(id); task.Status != TaskWaiting {
		t.Fatalf("status = %s, want waiting", task.Status)
	}

	h.exec.Cancel(id)
	h.exec.RunUntilIdle()

	task := h.exec.Task(id)
	if task.Status != TaskDone || task.ResultKind != TaskResultCancelled {
		t.Fatalf("task not retired as cancelled: %+v", task)
	}
	if task.Future != nil {
		t.Fatalf("abandoned future still referenced")
	}
	if fut.Steps() != 1 {
		t.Fatalf("cancelled task polled again: %d steps", fut.Steps())
	}
	if d := h.exec.Hart().Depth(); d != 0 {
		t.Fatalf("depth after abandonment = %d", d)
	}
	checkNesting(t, h.rec.HartEvents(0))
}

func TestSleepAdvancesVirtualTime(t *testing.T) {
	var ticks []uint64
	h := newHarness(t, Config{OnTick: func(now uint64) { ticks = append(ticks, now) }})
	h.exec.Spawn("long", Sleep(10))
	h.exec.Spawn("short", Sleep(5))
	h.exec.RunUntilIdle()

	if len(ticks) != 2 || ticks[0] != 5 || ticks[1] != 10 {
		t.Fatalf("ticks = %v, want [5 10]", ticks)
	}
	if h.exec.Now() != 10 {
		t.Fatalf("now = %d, want 10", h.exec.Now())
	}
	if h.exec.Live() != 0 {
		t.Fatalf("live = %d", h.exec.Live())
	}
}

func TestTimerInterruptRunsInsideIRQSpan(t *testing.T) {
	var crumbs []string
	var h *harness
	h = newHarness(t, Config{
		TimerIRQ: trace.DebugSpan("kirq"),
		OnTick: func(now uint64) {
			h.exec.Hart().Trace("tick %d", now)
		},
	})
	h.exec.Spawn("a", Sleep(3))
	h.exec.Spawn("b", Sleep(3))
	h.exec.Spawn("c", Sleep(8))
	h.exec.RunUntilIdle()

	for _, r := range h.ring.Snapshot() {
		crumbs = append(crumbs, r.Message+"@"+r.Breadcrumb())
	}
	if len(crumbs) != 2 || crumbs[0] != "tick 3@kirq" || crumbs[1] != "tick 8@kirq" {
		t.Fatalf("tick records = %v", crumbs)
	}
	if h.exec.Interrupts() != 2 {
		t.Fatalf("interrupts = %d, want 2", h.exec.Interrupts())
	}
	if h.exec.Live() != 0 || h.exec.Hart().Depth() != 0 {
		t.Fatalf("live = %d depth = %d", h.exec.Live(), h.exec.Hart().Depth())
	}
	checkNesting(t, h.rec.HartEvents(0))
}

func TestTimerHandlerLeakPanics(t *testing.T) {
	var h *harness
	h = newHarness(t, Config{
		TimerIRQ: trace.DebugSpan("kirq"),
		OnTick: func(uint64) {
			trace.TraceSpan("held").Entered(h.exec.Hart())
		},
	})
	h.exec.Spawn("sleeper", Sleep(1))
	err := expectLeak(t, func() { h.exec.RunUntilIdle() })
	if err.Task != 0 || err.Before != 1 || err.After != 2 {
		t.Fatalf("unexpected error: %+v", err)
	}
	if !strings.Contains(err.Error(), "timer interrupt handler") {
		t.Fatalf("error text %q", err.Error())
	}
}

func TestCancelledSleeperDisarmsAlarm(t *testing.T) {
	ticks := 0
	h := newHarness(t, Config{OnTick: func(uint64) { ticks++ }})
	id := h.exec.Spawn("sleeper", Sleep(50))
	h.exec.Step()
	h.exec.Cancel(id)
	h.exec.RunUntilIdle()

	if ticks != 0 || h.exec.Now() != 0 {
		t.Fatalf("retired sleeper still advanced time: ticks=%d now=%d", ticks, h.exec.Now())
	}
}

func TestJoinReturnsResult(t *testing.T) {
	h := newHarness(t, Config{})
	worker := h.exec.Spawn("worker", Sequence(Yield(2), FutureFunc(func(*Context) PollOutcome { return Ready(42) })))
	waiter := h.exec.Spawn("waiter", Join(worker))
	h.exec.RunUntilIdle()

	task := h.exec.Task(waiter)
	if task.Status != TaskDone || task.ResultValue != 42 {
		t.Fatalf("join result = %v (%s)", task.ResultValue, task.Status)
	}
}

func TestWakeRemoteResumesParkedTask(t *testing.T) {
	h := newHarness(t, Config{})
	key := IRQKey(3)
	woken := false
	h.exec.Spawn("irq", FutureFunc(func(cx *Context) PollOutcome {
		if cx.Executor().Task(cx.Task()).Polls == 1 {
			return Parked(key)
		}
		woken = true
		return Ready(nil)
	}))
	h.exec.RunUntilIdle()
	if woken {
		t.Fatalf("task completed before wakeup")
	}

	go h.exec.WakeRemote(key)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.exec.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !woken {
		t.Fatalf("task was not resumed")
	}
}

func TestFuzzSchedulingIsDeterministic(t *testing.T) {
	order := func(seed uint64) []string {
		h := newHarness(t, Config{Fuzz: true, Seed: seed})
		var done []string
		for _, name := range []string{"a", "b", "c", "d"} {
			name := name
			h.exec.Spawn(name, Sequence(Yield(3), FutureFunc(func(*Context) PollOutcome {
				done = append(done, name)
				return Ready(nil)
			})))
		}
		h.exec.RunUntilIdle()
		checkNesting(t, h.rec.HartEvents(0))
		return done
	}
	first, second := order(7), order(7)
	if len(first) != 4 {
		t.Fatalf("completed %d tasks", len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("same seed gave different orders: %v vs %v", first, second)
		}
	}
}
