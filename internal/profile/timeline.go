package profile

import (
	"fmt"
	"slices"
)

// Interval is one reconstructed span instance.
type Interval struct {
	Name      string
	Callsite  uint64
	Instance  uint64
	Hart      int
	Start     uint64 // ns
	End       uint64 // ns
	Unmatched bool
	Children  []*Interval
}

// Duration is the wall time between enter and exit.
func (iv *Interval) Duration() uint64 {
	if iv.End < iv.Start {
		return 0
	}
	return iv.End - iv.Start
}

// Self is the duration not covered by children.
func (iv *Interval) Self() uint64 {
	d := iv.Duration()
	for _, c := range iv.Children {
		cd := c.Duration()
		if cd >= d {
			return 0
		}
		d -= cd
	}
	return d
}

// Walk visits iv and its descendants depth first.
func (iv *Interval) Walk(fn func(iv *Interval, depth int)) {
	iv.walk(fn, 0)
}

func (iv *Interval) walk(fn func(*Interval, int), depth int) {
	fn(iv, depth)
	for _, c := range iv.Children {
		c.walk(fn, depth+1)
	}
}

// Timeline holds per-hart interval trees.
type Timeline struct {
	Harts   map[int][]*Interval
	Orphans int
}

// HartIDs returns the harts present in the timeline in ascending order.
func (t *Timeline) HartIDs() []int {
	ids := make([]int, 0, len(t.Harts))
	for h := range t.Harts {
		ids = append(ids, h)
	}
	slices.Sort(ids)
	return ids
}

// Walk visits every interval of every hart.
func (t *Timeline) Walk(fn func(iv *Interval, depth int)) {
	for _, h := range t.HartIDs() {
		for _, root := range t.Harts[h] {
			root.Walk(fn)
		}
	}
}

// BuildTimeline rebuilds interval trees from Chrome trace events. An end
// event closes the nearest open begin with the same instance on its thread.
// Begins without an end are closed at the thread's last timestamp and
// flagged unmatched; ends without a begin are counted as orphans.
func BuildTimeline(events []ChromeEvent) (*Timeline, error) {
	tl := &Timeline{Harts: make(map[int][]*Interval)}
	open := make(map[int][]*Interval)
	last := make(map[int]uint64)

	for i := range events {
		ev := &events[i]
		if ev.Ph != PhaseBegin && ev.Ph != PhaseEnd && ev.Ph != PhaseInstant {
			continue
		}
		ts, err := microsToNs(ev.Ts)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		if ts > last[ev.Tid] {
			last[ev.Tid] = ts
		}
		if _, ok := tl.Harts[ev.Tid]; !ok {
			tl.Harts[ev.Tid] = nil
		}
		inst, hasInst := argUint(ev.Args, "instance")
		cs, _ := argUint(ev.Args, "callsite")

		switch ev.Ph {
		case PhaseBegin:
			iv := &Interval{
				Name:      ev.Name,
				Callsite:  cs,
				Instance:  inst,
				Hart:      ev.Tid,
				Start:     ts,
				Unmatched: argBool(ev.Args, "unmatched"),
			}
			stack := open[ev.Tid]
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, iv)
			} else {
				tl.Harts[ev.Tid] = append(tl.Harts[ev.Tid], iv)
			}
			open[ev.Tid] = append(stack, iv)
		case PhaseEnd:
			stack := open[ev.Tid]
			pos := -1
			for j := len(stack) - 1; j >= 0; j-- {
				if (!hasInst && stack[j].Name == ev.Name) || (hasInst && stack[j].Instance == inst) {
					pos = j
					break
				}
			}
			if pos < 0 {
				tl.Orphans++
				continue
			}
			// anything opened above the match never saw its own end
			for j := len(stack) - 1; j > pos; j-- {
				stack[j].End = ts
				stack[j].Unmatched = true
			}
			stack[pos].End = ts
			if argBool(ev.Args, "synthesized") {
				stack[pos].Unmatched = true
			}
			open[ev.Tid] = stack[:pos]
		case PhaseInstant:
			if argBool(ev.Args, "orphan") {
				tl.Orphans++
			}
		}
	}

	for tid, stack := range open {
		for _, iv := range stack {
			iv.End = last[tid]
			iv.Unmatched = true
		}
	}
	return tl, nil
}

// TimelineFromDump exports d and rebuilds its interval trees.
func TimelineFromDump(d *Dump) (*Timeline, error) {
	return BuildTimeline(ToChrome(d).TraceEvents)
}
