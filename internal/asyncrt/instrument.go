package asyncrt

import "ktrace/internal/trace"

// Instrumented attaches a span to a future. The span is entered around every
// drive step and exited before the step returns, so it is only on the hart's
// context stack while the future is actually executing.
type Instrumented struct {
	inner Future
	span  trace.Span
	steps int
}

// Instrument wraps fut so that each Poll runs inside span. The wrapper
// completes exactly when fut does and with the same outcome.
func Instrument(fut Future, span trace.Span) *Instrumented {
	return &Instrumented{inner: fut, span: span}
}

// Steps returns how many times the wrapper has been polled.
func (i *Instrumented) Steps() int { return i.steps }

// Span returns the attached span.
func (i *Instrumented) Span() trace.Span { return i.span }

// Poll enters the span, polls the inner future once and exits the span,
// whatever the inner outcome. If the inner step leaves any guard of its own
// on the stack, Poll panics with *LeakedGuardError before exiting.
func (i *Instrumented) Poll(cx *Context) PollOutcome {
	h := cx.Hart()
	i.steps++
	g := i.span.Entered(h)
	expected := h.Depth()
	out := i.inner.Poll(cx)
	if got := h.Depth(); got != expected || (g.Instance() != 0 && h.Top() != g.Instance()) {
		panic(&LeakedGuardError{Hart: h.ID(), Task: cx.Task(), Before: expected, After: got})
	}
	g.Exit()
	return out
}
