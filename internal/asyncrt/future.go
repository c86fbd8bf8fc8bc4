package asyncrt

import "ktrace/internal/trace"

// Future is an asynchronous computation driven one step per Poll. A step
// must not block; it either completes or returns a suspended outcome.
type Future interface {
	Poll(cx *Context) PollOutcome
}

// FutureFunc adapts a step function to Future.
type FutureFunc func(cx *Context) PollOutcome

// Poll calls f(cx).
func (f FutureFunc) Poll(cx *Context) PollOutcome { return f(cx) }

// Context is handed to every Poll. It is only valid for the duration of the
// call.
type Context struct {
	exec *Executor
	task TaskID
}

// Hart returns the execution context the future is running on.
func (cx *Context) Hart() *trace.Hart {
	if cx == nil || cx.exec == nil {
		return nil
	}
	return cx.exec.hart
}

// Task returns the ID of the task being polled.
func (cx *Context) Task() TaskID {
	if cx == nil {
		return 0
	}
	return cx.task
}

// Cancelled reports whether the running task has been cancelled.
func (cx *Context) Cancelled() bool {
	if cx == nil || cx.exec == nil {
		return false
	}
	t := cx.exec.tasks[cx.task]
	return t != nil && t.Cancelled
}

// Now returns the executor's virtual tick count.
func (cx *Context) Now() uint64 {
	if cx == nil || cx.exec == nil {
		return 0
	}
	return cx.exec.now
}

// Executor returns the executor running the task.
func (cx *Context) Executor() *Executor {
	if cx == nil {
		return nil
	}
	return cx.exec
}

// Yield returns a future that suspends n times before completing with nil.
func Yield(n int) Future {
	remaining := n
	return FutureFunc(func(*Context) PollOutcome {
		if remaining <= 0 {
			return Ready(nil)
		}
		remaining--
		return Yielded()
	})
}

// Sleep returns a future that parks until ticks virtual ticks have passed.
func Sleep(ticks uint64) Future {
	var timer TimerID
	return FutureFunc(func(cx *Context) PollOutcome {
		e := cx.exec
		if timer == 0 {
			timer = e.TimerScheduleAfter(cx.task, ticks)
			return Parked(TimerKey(timer))
		}
		if e.TimerActive(timer) {
			return Parked(TimerKey(timer))
		}
		return Ready(nil)
	})
}

// Join returns a future that completes with the result of task id.
func Join(id TaskID) Future {
	return FutureFunc(func(cx *Context) PollOutcome {
		t := cx.exec.Task(id)
		if t == nil {
			return Ready(nil)
		}
		if t.Status != TaskDone {
			return Parked(JoinKey(id))
		}
		return Ready(t.ResultValue)
	})
}

// Sequence runs futures one after another and completes with the value of the
// last one. Each poll of the sequence polls exactly one inner future once.
func Sequence(futs ...Future) Future {
	idx := 0
	var last any
	return FutureFunc(func(cx *Context) PollOutcome {
		for idx < len(futs) {
			out := futs[idx].Poll(cx)
			if !out.Done() {
				return out
			}
			if out.Kind == PollDoneCancelled {
				return out
			}
			last = out.Value
			idx++
			if idx < len(futs) {
				// the next future starts on the next drive step
				return Yielded()
			}
		}
		return Ready(last)
	})
}
