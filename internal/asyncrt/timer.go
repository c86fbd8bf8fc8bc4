package asyncrt

import (
	"cmp"
	"slices"
)

// TimerID identifies an alarm armed on a hart's virtual timer.
type TimerID uint64

// alarm is one armed deadline and the task it wakes.
type alarm struct {
	id       TimerID
	deadline uint64
	task     TaskID
}

// compareAlarms orders alarms by deadline, then by arm order.
func compareAlarms(a, b alarm) int {
	if c := cmp.Compare(a.deadline, b.deadline); c != 0 {
		return c
	}
	return cmp.Compare(a.id, b.id)
}

// timerQueue is the hart's compare register: alarms sorted by expiry. The
// head is the next timer interrupt.
type timerQueue struct {
	alarms []alarm
	nextID TimerID
}

func (q *timerQueue) arm(deadline uint64, task TaskID) TimerID {
	q.nextID++
	a := alarm{id: q.nextID, deadline: deadline, task: task}
	i, _ := slices.BinarySearchFunc(q.alarms, a, compareAlarms)
	q.alarms = slices.Insert(q.alarms, i, a)
	return a.id
}

func (q *timerQueue) armed(id TimerID) bool {
	return slices.ContainsFunc(q.alarms, func(a alarm) bool { return a.id == id })
}

// disarmTask drops every alarm of a retired task so it no longer pulls
// virtual time forward.
func (q *timerQueue) disarmTask(task TaskID) {
	q.alarms = slices.DeleteFunc(q.alarms, func(a alarm) bool { return a.task == task })
}

func (q *timerQueue) next() (uint64, bool) {
	if len(q.alarms) == 0 {
		return 0, false
	}
	return q.alarms[0].deadline, true
}

// expire removes and returns the alarms due at now.
func (q *timerQueue) expire(now uint64) []alarm {
	n := 0
	for n < len(q.alarms) && q.alarms[n].deadline <= now {
		n++
	}
	due := slices.Clone(q.alarms[:n])
	q.alarms = slices.Delete(q.alarms, 0, n)
	return due
}

// TimerScheduleAfter arms an alarm that wakes taskID after delay ticks.
func (e *Executor) TimerScheduleAfter(taskID TaskID, delay uint64) TimerID {
	if e == nil {
		return 0
	}
	return e.timers.arm(e.now+delay, taskID)
}

// TimerActive reports whether an alarm has not fired yet.
func (e *Executor) TimerActive(id TimerID) bool {
	return e != nil && id != 0 && e.timers.armed(id)
}

// Interrupts returns the number of timer interrupts the hart has taken.
func (e *Executor) Interrupts() uint64 {
	if e == nil {
		return 0
	}
	return e.irqs
}

// timerInterrupt jumps virtual time to the next armed deadline and takes the
// timer interrupt on the hart: Config.TimerIRQ is entered, OnTick runs inside
// it, and every alarm due by then wakes its task. It reports false when no
// alarm is armed. A handler that returns with a span still entered panics
// with *LeakedGuardError for task 0.
func (e *Executor) timerInterrupt() bool {
	if e == nil {
		return false
	}
	deadline, ok := e.timers.next()
	if !ok {
		return false
	}
	e.now = deadline
	e.irqs++

	irq := e.cfg.TimerIRQ.Entered(e.hart)
	inside := e.hart.Depth()
	if e.cfg.OnTick != nil {
		e.cfg.OnTick(e.now)
	}
	if after := e.hart.Depth(); after != inside {
		panic(&LeakedGuardError{Hart: e.hart.ID(), Before: inside, After: after})
	}
	for _, a := range e.timers.expire(e.now) {
		e.Wake(a.task)
	}
	irq.Exit()
	return true
}
