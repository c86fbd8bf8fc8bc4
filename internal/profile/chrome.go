package profile

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"fortio.org/safecast"
)

// Chrome trace phases used by the exporter.
const (
	PhaseBegin    = "B"
	PhaseEnd      = "E"
	PhaseInstant  = "i"
	PhaseMetadata = "M"
)

// ChromeTimeUnit is the displayTimeUnit written by ToChrome.
const ChromeTimeUnit = "ns"

// ChromeEvent is one entry of the Chrome Trace Event format.
type ChromeEvent struct {
	Name  string         `json:"name"`
	Cat   string         `json:"cat,omitempty"`
	Ph    string         `json:"ph"`
	Ts    float64        `json:"ts"`
	Pid   int            `json:"pid"`
	Tid   int            `json:"tid"`
	Scope string         `json:"s,omitempty"`
	Args  map[string]any `json:"args,omitempty"`
}

// ChromeTrace is the JSON object form of a Chrome trace file.
type ChromeTrace struct {
	DisplayTimeUnit string        `json:"displayTimeUnit"`
	TraceEvents     []ChromeEvent `json:"traceEvents"`
}

// nsToMicros converts a nanosecond timestamp to the microsecond unit the
// format requires.
func nsToMicros(ns uint64) float64 {
	return float64(ns) / 1000
}

func microsToNs(us float64) (uint64, error) {
	if math.IsNaN(us) || math.IsInf(us, 0) {
		return 0, fmt.Errorf("invalid timestamp %v", us)
	}
	return safecast.Conv[uint64](int64(math.Round(us * 1000)))
}

type openSpan struct {
	instance uint64
	index    int
}

// ToChrome converts a dump to Chrome trace events. Each hart becomes one
// thread. Exits without a recorded enter become instant events; enters left
// open at the end of the buffer are flagged unmatched and closed by a
// synthesized end at the hart's last timestamp.
func ToChrome(d *Dump) *ChromeTrace {
	out := &ChromeTrace{DisplayTimeUnit: ChromeTimeUnit}
	levels := make(map[uint64]string, len(d.Callsites))
	names := make(map[uint64]string, len(d.Callsites))
	for _, cs := range d.Callsites {
		levels[cs.ID] = strings.ToLower(cs.Level)
		names[cs.ID] = cs.Name
	}
	nameOf := func(id uint64) string {
		if name, ok := names[id]; ok {
			return name
		}
		name := unknownCallsite(id)
		names[id] = name
		return name
	}

	harts := make([]int, 0, d.Harts)
	seen := make(map[int]bool)
	addHart := func(h int) {
		if !seen[h] {
			seen[h] = true
			harts = append(harts, h)
		}
	}
	for h := 0; h < d.Harts; h++ {
		addHart(h)
	}
	for _, ev := range d.Events {
		addHart(ev.Hart)
	}
	out.TraceEvents = append(out.TraceEvents, ChromeEvent{
		Name: "process_name",
		Ph:   PhaseMetadata,
		Args: map[string]any{"name": "kernel"},
	})
	for _, h := range harts {
		out.TraceEvents = append(out.TraceEvents, ChromeEvent{
			Name: "thread_name",
			Ph:   PhaseMetadata,
			Tid:  h,
			Args: map[string]any{"name": fmt.Sprintf("hart %d", h)},
		})
	}

	open := make(map[int][]openSpan)
	last := make(map[int]uint64)
	for _, ev := range d.Events {
		last[ev.Hart] = ev.Time
		name := nameOf(ev.Callsite)
		switch ev.Kind {
		case KindEnter:
			open[ev.Hart] = append(open[ev.Hart], openSpan{instance: ev.Instance, index: len(out.TraceEvents)})
			out.TraceEvents = append(out.TraceEvents, ChromeEvent{
				Name: name,
				Cat:  levels[ev.Callsite],
				Ph:   PhaseBegin,
				Ts:   nsToMicros(ev.Time),
				Tid:  ev.Hart,
				Args: map[string]any{"instance": ev.Instance, "callsite": ev.Callsite},
			})
		case KindExit:
			stack := open[ev.Hart]
			pos := -1
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i].instance == ev.Instance {
					pos = i
					break
				}
			}
			if pos < 0 {
				out.TraceEvents = append(out.TraceEvents, ChromeEvent{
					Name:  name,
					Cat:   levels[ev.Callsite],
					Ph:    PhaseInstant,
					Ts:    nsToMicros(ev.Time),
					Tid:   ev.Hart,
					Scope: "t",
					Args:  map[string]any{"instance": ev.Instance, "callsite": ev.Callsite, "orphan": true},
				})
				continue
			}
			open[ev.Hart] = append(stack[:pos], stack[pos+1:]...)
			out.TraceEvents = append(out.TraceEvents, ChromeEvent{
				Name: name,
				Cat:  levels[ev.Callsite],
				Ph:   PhaseEnd,
				Ts:   nsToMicros(ev.Time),
				Tid:  ev.Hart,
				Args: map[string]any{"instance": ev.Instance, "callsite": ev.Callsite},
			})
		}
	}

	for _, h := range harts {
		stack := open[h]
		for i := len(stack) - 1; i >= 0; i-- {
			begin := &out.TraceEvents[stack[i].index]
			begin.Args["unmatched"] = true
			out.TraceEvents = append(out.TraceEvents, ChromeEvent{
				Name: begin.Name,
				Cat:  begin.Cat,
				Ph:   PhaseEnd,
				Ts:   nsToMicros(last[h]),
				Tid:  h,
				Args: map[string]any{
					"instance":    stack[i].instance,
					"callsite":    begin.Args["callsite"],
					"synthesized": true,
				},
			})
		}
	}
	return out
}

// WriteChrome writes the dump as Chrome trace JSON.
func WriteChrome(w io.Writer, d *Dump) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(ToChrome(d)); err != nil {
		return fmt.Errorf("failed to write chrome trace: %w", err)
	}
	return nil
}

// WriteChromeFile writes the dump as Chrome trace JSON to path.
func WriteChromeFile(path string, d *Dump) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteChrome(f, d); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadChrome parses a Chrome trace. Both the object form and the bare array
// form are accepted.
func ReadChrome(r io.Reader) (*ChromeTrace, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(data))
	var ct ChromeTrace
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &ct.TraceEvents); err != nil {
			return nil, fmt.Errorf("failed to parse chrome trace: %w", err)
		}
		return &ct, nil
	}
	if err := json.Unmarshal(data, &ct); err != nil {
		return nil, fmt.Errorf("failed to parse chrome trace: %w", err)
	}
	return &ct, nil
}

// argUint reads a numeric argument decoded from JSON.
func argUint(args map[string]any, key string) (uint64, bool) {
	switch v := args[key].(type) {
	case float64:
		if v < 0 || v != math.Trunc(v) {
			return 0, false
		}
		return uint64(v), true
	case uint64:
		return v, true
	case int:
		n, err := safecast.Conv[uint64](v)
		return n, err == nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		u, err := safecast.Conv[uint64](n)
		return u, err == nil
	default:
		return 0, false
	}
}

func argBool(args map[string]any, key string) bool {
	b, ok := args[key].(bool)
	return ok && b
}
