package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"ktrace/internal/config"
	"ktrace/internal/profile"
	"ktrace/internal/trace"
)

const (
	consoleSinkName = "console"
	fileSinkName    = "file"
	crashSinkName   = "crash"

	crashRingSize = 1024
)

type tracingOptions struct {
	color bool
	// deferConsole buffers console records while the progress view owns the
	// terminal; they are replayed by cleanup.
	deferConsole bool
	// crashLog keeps the most recent records of every level in memory so
	// they can be written out if a hart dies.
	crashLog bool
	stderr   io.Writer
}

type tracingSetup struct {
	tracer   *trace.Tracer
	recorder *profile.Recorder
	crash    *trace.RingSink
	cleanup  func()
}

// setupTracing builds the tracer described by cfg: a console sink, an
// optional file sink and an optional profiler.
func setupTracing(cfg *config.Config, opts tracingOptions) (*tracingSetup, error) {
	stderr := opts.stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	consoleFormat, err := trace.ParseFormat(cfg.Console.Format)
	if err != nil {
		return nil, err
	}
	var consoleOut io.Writer = stderr
	var deferred *bytes.Buffer
	if opts.deferConsole {
		deferred = &bytes.Buffer{}
		consoleOut = deferred
	}
	var palette *trace.Palette
	if consoleFormat == trace.FormatText {
		palette = trace.NewPalette(opts.color)
	}
	sinks := []trace.SinkConfig{{
		Sink:  trace.NewStreamSink(consoleSinkName, consoleOut, consoleFormat, palette),
		Level: cfg.Console.Level,
	}}

	if cfg.File.Level != trace.LevelNone {
		out, err := trace.OpenOutput(cfg.File.Path)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, trace.SinkConfig{
			Sink:  trace.NewStreamSink(fileSinkName, out, cfg.FileFormat(), nil),
			Level: cfg.File.Level,
		})
	}

	var crash *trace.RingSink
	if opts.crashLog {
		crash = trace.NewRingSink(crashSinkName, crashRingSize)
		sinks = append(sinks, trace.SinkConfig{Sink: crash, Level: trace.LevelTrace})
	}

	tcfg := trace.Config{
		Harts: cfg.Kernel.Harts,
		Sinks: sinks,
		OnSinkError: func(sink string, err error) {
			fmt.Fprintf(stderr, "trace: %s sink write error: %v\n", sink, err)
		},
	}
	var rec *profile.Recorder
	if cfg.ProfilingEnabled() {
		rec = profile.NewRecorder(cfg.Kernel.Harts)
		tcfg.Observer = rec
		tcfg.ObserverLevel = cfg.Profile.Level
	}

	tracer, err := trace.New(tcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	cleanup := func() {
		if err := tracer.Flush(); err != nil {
			fmt.Fprintf(stderr, "trace: flush error: %v\n", err)
		}
		if deferred != nil {
			if _, err := deferred.WriteTo(stderr); err != nil {
				fmt.Fprintf(stderr, "trace: replay error: %v\n", err)
			}
		}
		if err := tracer.Close(); err != nil {
			fmt.Fprintf(stderr, "trace: close error: %v\n", err)
		}
	}
	return &tracingSetup{tracer: tracer, recorder: rec, crash: crash, cleanup: cleanup}, nil
}

// writeCrashLog writes the records retained by the crash ring as text.
func writeCrashLog(path string, ring *trace.RingSink) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create crash log: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	if err := ring.Dump(f, trace.FormatText); err != nil {
		return fmt.Errorf("failed to write crash log: %w", err)
	}
	return nil
}
