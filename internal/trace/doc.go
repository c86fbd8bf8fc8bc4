// Package trace is the logging and span-context core of the kernel.
//
// Every hart owns a context stack of entered spans. Log records emitted on a
// hart carry a snapshot of that stack as their breadcrumb:
//
//	[    0.000042] [ INFO] hart{id=0} > task{id=7}: started
//
// # Spans and guards
//
// A Span is inert until it is entered on a hart:
//
//	g := trace.InfoSpan("task", trace.Int("id", 7)).Entered(h)
//	defer g.Exit()
//
// Guards must be released in reverse order of creation. Releasing any guard
// other than the top of the stack panics with *StackMismatchError, because
// continuing would mislabel every later line on that hart.
//
// A guard must never be held across a suspension point of an asynchronous
// task. Use asyncrt.Instrument to attach a span to a future instead.
//
// # Levels and sinks
//
// Each sink has its own threshold. Before doing any formatting work the
// tracer checks whether any sink admits the record's level, so a disabled
// level costs a single comparison. Each sink only shows the spans whose level
// it admits.
//
// # Profiling
//
// An Observer (see package profile) sees every enter and exit with a
// timestamp from the tracer's Clock.
package trace
