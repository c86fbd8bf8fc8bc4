package main

import (
	"context"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"ktrace/internal/kernel"
	"ktrace/internal/trace"
	"ktrace/internal/ui"
)

type kernelOutcome struct {
	k   *kernel.Kernel
	err error
}

// runKernelWithUI runs the kernel on a background goroutine while the
// progress view consumes its events on the terminal.
func runKernelWithUI(ctx context.Context, title string, tracer *trace.Tracer, opts kernel.Options) (*kernel.Kernel, error) {
	events := make(chan kernel.Event, 256)
	k, err := kernel.New(tracer, opts, kernel.ChannelSink{Ch: events})
	if err != nil {
		return nil, err
	}
	outcomeCh := make(chan kernelOutcome, 1)

	go func() {
		runErr := k.Run(ctx)
		outcomeCh <- kernelOutcome{k: k, err: runErr}
		close(events)
	}()

	layout := ui.Layout{Harts: opts.Harts, TasksPerHart: opts.TasksPerHart, SyscallsPerTask: opts.SyscallsPerTask}
	model := ui.NewProgressModel(title, layout, events)
	program := tea.NewProgram(model, tea.WithOutput(os.Stdout))
	_, uiErr := program.Run()
	if uiErr != nil {
		// keep the kernel from blocking on a channel nobody reads any more
		go func() {
			for range events {
			}
		}()
	}
	outcome := <-outcomeCh
	if uiErr != nil {
		return outcome.k, uiErr
	}
	return outcome.k, outcome.err
}
