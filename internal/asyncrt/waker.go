package asyncrt

// WakerKind identifies a wait queue category.
type WakerKind uint8

const (
	// WakerInvalid indicates an invalid waker key.
	WakerInvalid WakerKind = iota
	// WakerJoin indicates a join wait queue.
	WakerJoin
	// WakerTimer indicates a timer wait queue.
	WakerTimer
	// WakerIRQ indicates a device interrupt wait queue.
	WakerIRQ
	// WakerEvent indicates a generic kernel event wait queue.
	WakerEvent
)

// WakerKey identifies a wait queue entry.
type WakerKey struct {
	Kind WakerKind
	A    uint64
	B    uint64
}

// IsValid reports whether the key is usable for waiting.
func (k WakerKey) IsValid() bool {
	return k.Kind != WakerInvalid
}

// JoinKey builds a join wait key for a target task.
func JoinKey(target TaskID) WakerKey {
	return WakerKey{Kind: WakerJoin, A: uint64(target)}
}

// TimerKey builds a wait key for a timer.
func TimerKey(timerID TimerID) WakerKey {
	return WakerKey{Kind: WakerTimer, A: uint64(timerID)}
}

// IRQKey builds a wait key for an interrupt line.
func IRQKey(line uint32) WakerKey {
	return WakerKey{Kind: WakerIRQ, A: uint64(line)}
}

// EventKey builds a wait key for an arbitrary kernel event.
func EventKey(id uint64) WakerKey {
	return WakerKey{Kind: WakerEvent, A: id}
}

// PollOutcomeKind reports how a poll iteration completed.
type PollOutcomeKind uint8

const (
	// PollDoneSuccess indicates the task completed successfully.
	PollDoneSuccess PollOutcomeKind = iota
	// PollDoneCancelled indicates the task observed cancellation and stopped.
	PollDoneCancelled
	// PollYielded indicates the task yielded and wants to run again.
	PollYielded
	// PollParked indicates the task is parked until its key is woken.
	PollParked
)

// String returns the string representation of PollOutcomeKind.
func (k PollOutcomeKind) String() string {
	switch k {
	case PollDoneSuccess:
		return "done"
	case PollDoneCancelled:
		return "cancelled"
	case PollYielded:
		return "yielded"
	case PollParked:
		return "parked"
	default:
		return "unknown"
	}
}

// PollOutcome describes the outcome of polling a future once.
type PollOutcome struct {
	Kind    PollOutcomeKind
	Value   any
	ParkKey WakerKey
}

// Done reports whether the outcome completes the future.
func (o PollOutcome) Done() bool {
	return o.Kind == PollDoneSuccess || o.Kind == PollDoneCancelled
}

// Ready completes a future with a value.
func Ready(v any) PollOutcome { return PollOutcome{Kind: PollDoneSuccess, Value: v} }

// Cancelled completes a future that stopped because it was cancelled.
func Cancelled() PollOutcome { return PollOutcome{Kind: PollDoneCancelled} }

// Yielded suspends a future and requeues it immediately.
func Yielded() PollOutcome { return PollOutcome{Kind: PollYielded} }

// Parked suspends a future until key is woken.
func Parked(key WakerKey) PollOutcome { return PollOutcome{Kind: PollParked, ParkKey: key} }
