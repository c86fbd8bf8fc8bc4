package kernel

// Status captures the scheduling state of a simulated task.
type Status string

const (
	// StatusQueued indicates the task is spawned but not yet polled.
	StatusQueued Status = "queued"
	// StatusRunning indicates the task has started executing.
	StatusRunning Status = "running"
	// StatusSyscall indicates the task entered a syscall.
	StatusSyscall Status = "syscall"
	// StatusDone indicates the task exited.
	StatusDone Status = "done"
	// StatusCancelled indicates the task was abandoned.
	StatusCancelled Status = "cancelled"
	// StatusFailed indicates the hart running the task panicked.
	StatusFailed Status = "failed"
)

// Event reports progress for one task (or for a whole hart when Task is 0).
type Event struct {
	Hart    int
	Task    int
	Status  Status
	Syscall string
	Ticks   uint64
}

// ProgressSink consumes progress events.
type ProgressSink interface {
	OnEvent(Event)
}

// ChannelSink forwards events into a channel.
type ChannelSink struct {
	Ch chan<- Event
}

func (s ChannelSink) OnEvent(evt Event) {
	if s.Ch == nil {
		return
	}
	s.Ch <- evt
}

type nopSink struct{}

func (nopSink) OnEvent(Event) {}
