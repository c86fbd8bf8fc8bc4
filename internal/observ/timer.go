// Package observ times the phases of a ktrace invocation (config, boot, run,
// export) against a trace.Clock.
package observ

import (
	"fmt"
	"strings"

	"ktrace/internal/trace"
)

// Phase records the duration and metadata of one command phase.
type Phase struct {
	Name  string
	Start uint64 // ns
	Dur   uint64 // ns
	Note  string
	done  bool
}

// Timer tracks the execution time of multiple phases.
type Timer struct {
	clock  trace.Clock
	phases []Phase
}

// NewTimer creates a Timer reading clock; nil means a monotonic clock.
func NewTimer(clock trace.Clock) *Timer {
	if clock == nil {
		clock = trace.NewMonotonicClock()
	}
	return &Timer{clock: clock, phases: make([]Phase, 0, 8)}
}

// Begin starts a new phase and returns its index.
func (t *Timer) Begin(name string) int {
	t.phases = append(t.phases, Phase{Name: name, Start: t.clock.NowNanos()})
	return len(t.phases) - 1
}

// End finishes a phase by its index. Ending a phase twice keeps the first
// measurement.
func (t *Timer) End(idx int, note string) {
	if idx < 0 || idx >= len(t.phases) {
		return
	}
	p := &t.phases[idx]
	if p.done {
		return
	}
	now := t.clock.NowNanos()
	if now > p.Start {
		p.Dur = now - p.Start
	}
	p.Note = note
	p.done = true
}

// PhaseReport is the serializable form of a phase.
type PhaseReport struct {
	Name       string  `json:"name"`
	DurationMS float64 `json:"duration_ms"`
	Note       string  `json:"note,omitempty"`
}

// Report aggregates all finished phases.
type Report struct {
	TotalMS float64       `json:"total_ms"`
	Phases  []PhaseReport `json:"phases"`
}

// Report lists finished phases and their total in milliseconds.
func (t *Timer) Report() Report {
	var report Report
	var total uint64
	for _, phase := range t.phases {
		if !phase.done {
			continue
		}
		total += phase.Dur
		report.Phases = append(report.Phases, PhaseReport{
			Name:       phase.Name,
			DurationMS: nanosToMillis(phase.Dur),
			Note:       phase.Note,
		})
	}
	report.TotalMS = nanosToMillis(total)
	return report
}

// Summary returns a human-readable table of all finished phases.
func (t *Timer) Summary() string {
	report := t.Report()
	var b strings.Builder
	b.WriteString("timings:\n")
	for _, p := range report.Phases {
		fmt.Fprintf(&b, "  %-20s %7.2f ms", p.Name, p.DurationMS)
		if p.Note != "" {
			b.WriteString("  // " + p.Note)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "  %-20s %7.2f ms\n", "total", report.TotalMS)
	return b.String()
}

func nanosToMillis(ns uint64) float64 {
	return float64(ns) / 1e6
}
