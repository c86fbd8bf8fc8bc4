package asyncrt

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"ktrace/internal/trace"
)

// Executor runs async tasks for one hart with a deterministic FIFO scheduler
// by default. Fuzz scheduling is supported for reproducible interleavings.
//
// Everything except WakeRemote must be called from the goroutine that drives
// the executor.
type Executor struct {
	cfg         Config
	hart        *trace.Hart
	nextID      TaskID
	ready       []TaskID
	readySet    map[TaskID]struct{}
	tasks       map[TaskID]*Task
	waiters     map[WakerKey][]TaskID
	parked      map[TaskID]WakerKey
	current     TaskID
	rng         *rand.Rand
	now         uint64
	timers      timerQueue
	irqs        uint64
	live        int
	polls       uint64

	inboxMu sync.Mutex
	inbox   []WakerKey
	signal  chan struct{}
}

// TaskID identifies a spawned task.
type TaskID uint64

// TaskStatus describes task scheduling state.
type TaskStatus uint8

const (
	TaskReady TaskStatus = iota
	TaskRunning
	TaskWaiting
	TaskDone
)

// String returns the string representation of TaskStatus.
func (s TaskStatus) String() string {
	switch s {
	case TaskReady:
		return "ready"
	case TaskRunning:
		return "running"
	case TaskWaiting:
		return "waiting"
	case TaskDone:
		return "done"
	default:
		return "unknown"
	}
}

// TaskResultKind describes how a task completed.
type TaskResultKind uint8

const (
	TaskResultSuccess TaskResultKind = iota
	TaskResultCancelled
)

// Task stores executor-visible task state.
type Task struct {
	ID          TaskID
	Name        string
	Future      Future
	ResultKind  TaskResultKind
	ResultValue any
	Status      TaskStatus
	Cancelled   bool
	Polls       int
}

// Config configures executor scheduling behavior.
type Config struct {
	Fuzz bool
	Seed uint64
	// TimerIRQ is entered around each timer interrupt. The zero Span takes
	// the interrupt without a span.
	TimerIRQ trace.Span
	// OnTick is the timer interrupt handler. It runs whenever virtual time
	// advances, inside TimerIRQ and outside of any task.
	OnTick func(now uint64)
}

// LeakedGuardError reports a span guard that was still entered when a task
// suspended: the context stack depth after a poll differs from the depth
// before it. Task is 0 when the timer interrupt handler leaked the guard.
type LeakedGuardError struct {
	Hart   int
	Task   TaskID
	Before int
	After  int
}

func (e *LeakedGuardError) Error() string {
	if e.Task == 0 {
		return fmt.Sprintf("hart %d: timer interrupt handler returned with context stack depth %d (expected %d)",
			e.Hart, e.After, e.Before)
	}
	return fmt.Sprintf("hart %d: task %d suspended with context stack depth %d (expected %d): span guard held across suspension",
		e.Hart, e.Task, e.After, e.Before)
}

// NewExecutor constructs an executor for hart.
func NewExecutor(hart *trace.Hart, cfg Config) *Executor {
	exec := &Executor{
		cfg:      cfg,
		hart:     hart,
		nextID:   1,
		readySet: make(map[TaskID]struct{}),
		tasks:    make(map[TaskID]*Task),
		signal:   make(chan struct{}, 1),
	}
	if cfg.Fuzz {
		seed := cfg.Seed
		if seed == 0 {
			seed = 1
		}
		exec.rng = rand.New(rand.NewSource(int64(seed))) //nolint:gosec // deterministic scheduler seed
	}
	return exec
}

// Hart returns the hart this executor drives.
func (e *Executor) Hart() *trace.Hart {
	if e == nil {
		return nil
	}
	return e.hart
}

// Current returns the ID of the task being polled.
func (e *Executor) Current() TaskID {
	if e == nil {
		return 0
	}
	return e.current
}

// Task returns a task by ID.
func (e *Executor) Task(id TaskID) *Task {
	if e == nil {
		return nil
	}
	return e.tasks[id]
}

// Live returns the number of tasks that have not completed.
func (e *Executor) Live() int {
	if e == nil {
		return 0
	}
	return e.live
}

// Polls returns the total number of drive steps performed.
func (e *Executor) Polls() uint64 {
	if e == nil {
		return 0
	}
	return e.polls
}

// Now returns the virtual tick count.
func (e *Executor) Now() uint64 {
	if e == nil {
		return 0
	}
	return e.now
}

// Spawn registers a task and enqueues it for execution.
func (e *Executor) Spawn(name string, fut Future) TaskID {
	if e == nil || fut == nil {
		return 0
	}
	if e.nextID == 0 {
		e.nextID = 1
	}
	id := e.nextID
	e.nextID++

	e.tasks[id] = &Task{
		ID:     id,
		Name:   name,
		Future: fut,
		Status: TaskReady,
	}
	e.live++
	e.enqueue(id)
	return id
}

// NextReady returns the next ready task according to scheduler policy.
func (e *Executor) NextReady() (TaskID, bool) {
	if e == nil || len(e.ready) == 0 {
		return 0, false
	}
	for len(e.ready) > 0 {
		idx := 0
		if e.rng != nil {
			idx = e.rng.Intn(len(e.ready))
		}
		id := e.ready[idx]
		copy(e.ready[idx:], e.ready[idx+1:])
		e.ready = e.ready[:len(e.ready)-1]
		delete(e.readySet, id)
		task := e.tasks[id]
		if task == nil || task.Status == TaskDone {
			continue
		}
		return id, true
	}
	return 0, false
}

// Step polls the next ready task once. It reports false when nothing is
// ready. A poll is a suspension boundary: if the task returns with a
// different context stack depth than it started with, Step panics with
// *LeakedGuardError.
func (e *Executor) Step() bool {
	id, ok := e.NextReady()
	if !ok {
		return false
	}
	task := e.tasks[id]
	if task.Cancelled {
		e.MarkDone(id, TaskResultCancelled, nil)
		return true
	}

	before := e.hart.Depth()
	task.Status = TaskRunning
	task.Polls++
	e.polls++
	e.current = id
	out := task.Future.Poll(&Context{exec: e, task: id})
	e.current = 0
	if after := e.hart.Depth(); after != before {
		panic(&LeakedGuardError{Hart: e.hart.ID(), Task: id, Before: before, After: after})
	}

	switch out.Kind {
	case PollDoneSuccess:
		e.MarkDone(id, TaskResultSuccess, out.Value)
	case PollDoneCancelled:
		e.MarkDone(id, TaskResultCancelled, out.Value)
	case PollYielded:
		e.enqueue(id)
	case PollParked:
		if !out.ParkKey.IsValid() {
			panic(fmt.Sprintf("task %d parked on an invalid key", id))
		}
		e.parkTask(id, out.ParkKey)
	}
	return true
}

// RunUntilIdle polls until no task is ready. When only alarms are pending,
// virtual time jumps to the next deadline and the timer interrupt is taken.
// Tasks parked on keys nobody has
// woken yet stay parked.
func (e *Executor) RunUntilIdle() {
	for {
		e.drainInbox()
		if e.Step() {
			continue
		}
		if !e.timerInterrupt() {
			return
		}
	}
}

// Run drives the executor until every task is done or ctx is cancelled.
// Parked tasks are resumed by WakeRemote from other goroutines.
func (e *Executor) Run(ctx context.Context) error {
	for {
		e.RunUntilIdle()
		if e.live == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.signal:
		}
	}
}

// Wake enqueues a task if it is not done.
func (e *Executor) Wake(id TaskID) {
	if e == nil {
		return
	}
	task := e.tasks[id]
	if task == nil || task.Status == TaskDone {
		return
	}
	if key, ok := e.parked[id]; ok {
		e.removeWaiter(key, id)
		delete(e.parked, id)
	}
	e.enqueue(id)
}

// WakeKeyOne wakes the oldest task waiting on a key.
func (e *Executor) WakeKeyOne(key WakerKey) {
	if e == nil || !key.IsValid() {
		return
	}
	waiters := e.waiters[key]
	if len(waiters) == 0 {
		return
	}
	id := waiters[0]
	waiters = waiters[1:]
	if len(waiters) == 0 {
		delete(e.waiters, key)
	} else {
		e.waiters[key] = waiters
	}
	delete(e.parked, id)
	e.Wake(id)
}

// WakeKeyAll wakes all tasks waiting on a key.
func (e *Executor) WakeKeyAll(key WakerKey) {
	if e == nil || !key.IsValid() {
		return
	}
	waiters := e.waiters[key]
	if len(waiters) == 0 {
		return
	}
	delete(e.waiters, key)
	for _, id := range waiters {
		delete(e.parked, id)
		e.Wake(id)
	}
}

// WakeRemote wakes every task parked on key. It is safe to call from any
// goroutine, e.g. a simulated interrupt on another hart.
func (e *Executor) WakeRemote(key WakerKey) {
	if e == nil || !key.IsValid() {
		return
	}
	e.inboxMu.Lock()
	e.inbox = append(e.inbox, key)
	e.inboxMu.Unlock()
	select {
	case e.signal <- struct{}{}:
	default:
	}
}

func (e *Executor) drainInbox() {
	e.inboxMu.Lock()
	keys := e.inbox
	e.inbox = nil
	e.inboxMu.Unlock()
	for _, key := range keys {
		e.WakeKeyAll(key)
	}
}

// MarkDone marks a task as completed and wakes join waiters.
func (e *Executor) MarkDone(id TaskID, kind TaskResultKind, result any) {
	if e == nil {
		return
	}
	task := e.tasks[id]
	if task == nil || task.Status == TaskDone {
		return
	}
	task.ResultKind = kind
	task.ResultValue = result
	task.Status = TaskDone
	// drop the future so an abandoned computation is released
	task.Future = nil
	e.live--
	e.timers.disarmTask(id)
	if key, ok := e.parked[id]; ok {
		e.removeWaiter(key, id)
		delete(e.parked, id)
	}
	e.WakeKeyAll(JoinKey(id))
}

// Cancel abandons a task. It is never polled again; a parked task is woken so
// the executor can retire it.
func (e *Executor) Cancel(id TaskID) {
	if e == nil {
		return
	}
	task := e.tasks[id]
	if task == nil || task.Status == TaskDone {
		return
	}
	task.Cancelled = true
	e.Wake(id)
}

func (e *Executor) enqueue(id TaskID) {
	if e == nil {
		return
	}
	if e.readySet == nil {
		e.readySet = make(map[TaskID]struct{})
	}
	if _, ok := e.readySet[id]; ok {
		return
	}
	e.ready = append(e.ready, id)
	e.readySet[id] = struct{}{}
	if task := e.tasks[id]; task != nil && task.Status != TaskDone {
		task.Status = TaskReady
	}
}

func (e *Executor) parkTask(id TaskID, key WakerKey) {
	if e == nil || !key.IsValid() {
		return
	}
	task := e.tasks[id]
	if task == nil || task.Status == TaskDone {
		return
	}
	if e.waiters == nil {
		e.waiters = make(map[WakerKey][]TaskID)
	}
	if e.parked == nil {
		e.parked = make(map[TaskID]WakerKey)
	}
	if prev, ok := e.parked[id]; ok {
		if prev == key {
			task.Status = TaskWaiting
			return
		}
		e.removeWaiter(prev, id)
	}
	e.parked[id] = key
	e.waiters[key] = append(e.waiters[key], id)
	task.Status = TaskWaiting
}

func (e *Executor) removeWaiter(key WakerKey, id TaskID) {
	if e == nil {
		return
	}
	waiters := e.waiters[key]
	for i, waiter := range waiters {
		if waiter == id {
			copy(waiters[i:], waiters[i+1:])
			waiters = waiters[:len(waiters)-1]
			break
		}
	}
	if len(waiters) == 0 {
		delete(e.waiters, key)
		return
	}
	e.waiters[key] = waiters
}
