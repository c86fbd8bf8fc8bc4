// Package kernel simulates a small multi-hart kernel that drives the tracing
// core: one goroutine per hart, each running a cooperative executor whose
// tasks issue instrumented syscalls.
package kernel

import (
	"context"
	"fmt"
	"runtime/debug"

	"fortio.org/safecast"
	"golang.org/x/sync/errgroup"

	"ktrace/internal/asyncrt"
	"ktrace/internal/config"
	"ktrace/internal/trace"
)

var (
	hartCallsite    = trace.NewCallsite(trace.LevelInfo, "hart")
	taskCallsite    = trace.NewCallsite(trace.LevelInfo, "task")
	syscallCallsite = trace.NewCallsite(trace.LevelDebug, "syscall")
	irqCallsite     = trace.NewCallsite(trace.LevelDebug, "kirq")
)

// syscalls cycled through by every task.
var syscalls = []string{"getpid", "read", "write", "nanosleep", "sched_yield"}

// Options shapes the simulated workload.
type Options struct {
	Harts            int
	TasksPerHart     int
	SyscallsPerTask  int
	YieldsPerSyscall int
	SleepTicks       uint64
	Fuzz             bool
	Seed             uint64
}

// OptionsFromConfig converts the [kernel] section.
func OptionsFromConfig(cfg config.KernelConfig) Options {
	return Options{
		Harts:            cfg.Harts,
		TasksPerHart:     cfg.TasksPerHart,
		SyscallsPerTask:  cfg.SyscallsPerTask,
		YieldsPerSyscall: cfg.YieldsPerSyscall,
		SleepTicks:       cfg.TickInterval,
		Fuzz:             cfg.Fuzz,
		Seed:             cfg.Seed,
	}
}

// HartStats summarizes one hart after Run.
type HartStats struct {
	Hart     int
	Tasks    int
	Polls    uint64
	Ticks    int
	Syscalls int
	Now      uint64
}

// HartPanicError is returned when a hart dies on a fatal invariant violation,
// such as an out-of-order span exit or a guard held across a suspension.
type HartPanicError struct {
	Hart  int
	Value any
	Stack []byte
}

func (e *HartPanicError) Error() string {
	return fmt.Sprintf("hart %d panicked: %v", e.Hart, e.Value)
}

// Unwrap exposes the panic value when it is an error.
func (e *HartPanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Kernel owns the simulated harts.
type Kernel struct {
	opts     Options
	tracer   *trace.Tracer
	progress ProgressSink
	stats    []HartStats

	// taskHook replaces the task body; used by tests to inject faults.
	taskHook func(pid int) asyncrt.Future
}

// New creates a kernel on top of tracer. The tracer must have at least as
// many harts as requested.
func New(tracer *trace.Tracer, opts Options, progress ProgressSink) (*Kernel, error) {
	if tracer == nil {
		return nil, fmt.Errorf("missing tracer")
	}
	if opts.Harts <= 0 {
		return nil, fmt.Errorf("need at least one hart, got %d", opts.Harts)
	}
	if tracer.NumHarts() < opts.Harts {
		return nil, fmt.Errorf("tracer has %d harts, kernel needs %d", tracer.NumHarts(), opts.Harts)
	}
	if progress == nil {
		progress = nopSink{}
	}
	return &Kernel{
		opts:     opts,
		tracer:   tracer,
		progress: progress,
		stats:    make([]HartStats, opts.Harts),
	}, nil
}

// Run boots every hart and waits until all tasks have exited, a hart fails
// or ctx is cancelled.
func (k *Kernel) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for id := 0; id < k.opts.Harts; id++ {
		id := id
		g.Go(func() error {
			return k.runHart(gctx, id)
		})
	}
	return g.Wait()
}

// Stats returns per-hart counters. Only meaningful after Run returned.
func (k *Kernel) Stats() []HartStats {
	out := make([]HartStats, len(k.stats))
	copy(out, k.stats)
	return out
}

func (k *Kernel) runHart(ctx context.Context, id int) (err error) {
	h := k.tracer.Hart(id)
	stats := &k.stats[id]
	stats.Hart = id

	defer func() {
		if r := recover(); r != nil {
			// the hart span stays open: the profiler reports it as unmatched
			h.Error("hart panicked: %v", r)
			k.progress.OnEvent(Event{Hart: id, Status: StatusFailed})
			err = &HartPanicError{Hart: id, Value: r, Stack: debug.Stack()}
		}
	}()

	guard := hartCallsite.Span(trace.Int("id", id)).Entered(h)
	h.Info("hart online")

	hartSeed, convErr := safecast.Conv[uint64](id)
	if convErr != nil {
		return fmt.Errorf("hart %d: %w", id, convErr)
	}
	exec := asyncrt.NewExecutor(h, asyncrt.Config{
		Fuzz: k.opts.Fuzz,
		Seed: k.opts.Seed + hartSeed,
		TimerIRQ: irqCallsite.Span(),
		OnTick: func(now uint64) {
			stats.Ticks++
			h.Trace("tick %d", now)
		},
	})

	for t := 0; t < k.opts.TasksPerHart; t++ {
		pid := id*k.opts.TasksPerHart + t + 1
		body := k.taskBody(exec, id, pid)
		exec.Spawn(fmt.Sprintf("task-%d", pid), asyncrt.Instrument(body, taskCallsite.Span(trace.Int("pid", pid))))
		k.progress.OnEvent(Event{Hart: id, Task: pid, Status: StatusQueued})
		stats.Tasks++
	}

	runErr := exec.Run(ctx)
	stats.Polls = exec.Polls()
	stats.Now = exec.Now()
	if runErr != nil {
		h.Warn("hart stopped with %d live tasks: %v", exec.Live(), runErr)
		k.progress.OnEvent(Event{Hart: id, Status: StatusCancelled, Ticks: exec.Now()})
		guard.Exit()
		return fmt.Errorf("hart %d: %w", id, runErr)
	}
	h.Info("hart idle after %d polls", exec.Polls())
	guard.Exit()
	return nil
}

// taskBody is one user task: it issues SyscallsPerTask syscalls, each
// instrumented with its own span.
func (k *Kernel) taskBody(exec *asyncrt.Executor, hart, pid int) asyncrt.Future {
	if k.taskHook != nil {
		return k.taskHook(pid)
	}
	steps := make([]asyncrt.Future, 0, k.opts.SyscallsPerTask)
	for i := 0; i < k.opts.SyscallsPerTask; i++ {
		name := syscalls[(pid+i)%len(syscalls)]
		steps = append(steps, asyncrt.Instrument(k.syscall(hart, pid, name), syscallCallsite.Span(trace.String("name", name))))
	}
	seq := asyncrt.Sequence(steps...)
	started := false
	return asyncrt.FutureFunc(func(cx *asyncrt.Context) asyncrt.PollOutcome {
		if !started {
			started = true
			cx.Hart().Info("task started")
			k.progress.OnEvent(Event{Hart: hart, Task: pid, Status: StatusRunning, Ticks: exec.Now()})
		}
		if len(steps) == 0 {
			cx.Hart().Info("task exited")
			k.progress.OnEvent(Event{Hart: hart, Task: pid, Status: StatusDone, Ticks: exec.Now()})
			return asyncrt.Ready(pid)
		}
		out := seq.Poll(cx)
		if out.Done() {
			cx.Hart().Info("task exited")
			k.progress.OnEvent(Event{Hart: hart, Task: pid, Status: StatusDone, Ticks: exec.Now()})
			return asyncrt.Ready(pid)
		}
		return out
	})
}

// syscall builds the future for one system call. nanosleep parks on a timer;
// every other call yields YieldsPerSyscall times before returning.
func (k *Kernel) syscall(hart, pid int, name string) asyncrt.Future {
	stats := &k.stats[hart]
	var sleep asyncrt.Future
	if name == "nanosleep" && k.opts.SleepTicks > 0 {
		sleep = asyncrt.Sleep(k.opts.SleepTicks)
	}
	step := 0
	return asyncrt.FutureFunc(func(cx *asyncrt.Context) asyncrt.PollOutcome {
		h := cx.Hart()
		if step == 0 {
			stats.Syscalls++
			k.progress.OnEvent(Event{Hart: hart, Task: pid, Status: StatusSyscall, Syscall: name, Ticks: cx.Now()})
		}
		step++
		if sleep != nil {
			out := sleep.Poll(cx)
			if !out.Done() {
				h.Debug("sleeping until tick %d", cx.Now()+k.opts.SleepTicks)
				return out
			}
			h.Debug("woke at tick %d", cx.Now())
			return asyncrt.Ready(0)
		}
		if step <= k.opts.YieldsPerSyscall {
			h.Debug("step %d", step)
			return asyncrt.Yielded()
		}
		h.LogFields(trace.LevelDebug, "return", trace.Int("ret", 0), trace.Int("polls", step))
		return asyncrt.Ready(0)
	})
}
