package fuzztests

import (
	"bytes"
	"testing"

	"ktrace/internal/profile"
)

const maxFuzzInput = 64 << 10

// seedDumps are small buffers covering nesting, crash tails and orphan exits.
func seedDumps() []*profile.Dump {
	callsites := []profile.CallsiteInfo{
		{ID: 1, Name: "hart", Level: "INFO"},
		{ID: 2, Name: "task", Level: "DEBUG"},
		{ID: 3, Name: "syscall", Level: "TRACE"},
	}
	enter := func(hart int, inst, cs, ts uint64) profile.Event {
		return profile.Event{Hart: hart, Instance: inst, Callsite: cs, Kind: profile.KindEnter, Time: ts}
	}
	exit := func(hart int, inst, cs, ts uint64) profile.Event {
		return profile.Event{Hart: hart, Instance: inst, Callsite: cs, Kind: profile.KindExit, Time: ts}
	}
	return []*profile.Dump{
		{Schema: 1, Harts: 1, Callsites: callsites, Events: []profile.Event{
			enter(0, 1, 1, 0), enter(0, 2, 2, 10), enter(0, 3, 3, 20),
			exit(0, 3, 3, 30), exit(0, 2, 2, 40), exit(0, 1, 1, 50),
		}},
		{Schema: 1, Harts: 2, Callsites: callsites, Events: []profile.Event{
			enter(0, 1, 1, 0), enter(1, 2, 1, 5), enter(0, 3, 2, 10), exit(1, 2, 1, 15),
		}},
		{Schema: 1, Harts: 1, Callsites: callsites[:1], Events: []profile.Event{
			exit(0, 9, 2, 10), enter(0, 1, 1, 20), exit(0, 1, 1, 30),
		}},
		{Schema: 1},
	}
}

func addDumpSeeds(f *testing.F) {
	for _, d := range seedDumps() {
		var buf bytes.Buffer
		if err := d.Encode(&buf); err != nil {
			f.Fatalf("encode seed: %v", err)
		}
		f.Add(buf.Bytes())
	}
	f.Add([]byte{})
}

func addChromeSeeds(f *testing.F) {
	for _, d := range seedDumps() {
		var buf bytes.Buffer
		if err := profile.WriteChrome(&buf, d); err != nil {
			f.Fatalf("write seed: %v", err)
		}
		f.Add(buf.Bytes())
	}
	f.Add([]byte(`[{"name":"x","ph":"E","ts":1,"tid":0}]`))
	f.Add([]byte(`{"traceEvents":[{"name":"x","ph":"B","ts":-1,"tid":3}]}`))
	f.Add([]byte(`[]`))
}

func clamp(input []byte) []byte {
	if len(input) > maxFuzzInput {
		return append([]byte(nil), input[:maxFuzzInput]...)
	}
	return append([]byte(nil), input...)
}
