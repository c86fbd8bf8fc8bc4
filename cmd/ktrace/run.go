package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"fortio.org/safecast"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"ktrace/internal/config"
	"ktrace/internal/kernel"
	"ktrace/internal/metrics"
	"ktrace/internal/observ"
	"ktrace/internal/trace"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot the simulated kernel with tracing enabled",
	Long: `Boot the simulated multi-hart kernel. Sink thresholds come from
ktrace.toml, then KERNEL_CLOG/KERNEL_FLOG/KERNEL_SLOG, then flags.`,
	Args: cobra.NoArgs,
	RunE: runExecution,
}

func init() {
	registerRunFlags(runCmd)
}

func registerRunFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "path to ktrace.toml (default: searched upward from the working directory)")
	cmd.Flags().Int("harts", 0, "number of harts")
	cmd.Flags().Int("tasks", 0, "tasks spawned per hart")
	cmd.Flags().Int("syscalls", 0, "syscalls issued per task")
	cmd.Flags().String("clog", "", "console threshold (NONE|ERROR|WARN|INFO|DEBUG|TRACE)")
	cmd.Flags().String("flog", "", "file threshold")
	cmd.Flags().String("slog", "", "profiler threshold")
	cmd.Flags().String("log-file", "", "file sink path (.ndjson/.jsonl select NDJSON)")
	cmd.Flags().String("profile-out", "", "write the profiler buffer as msgpack")
	cmd.Flags().String("chrome-out", "", "write the profiler buffer as Chrome trace JSON")
	cmd.Flags().String("crash-log", "", "write the last records of every level here if a hart panics")
	cmd.Flags().String("metrics-file", "", "write run counters in the Prometheus text format")
	cmd.Flags().String("ui", "auto", "progress UI mode (auto|on|off)")
	cmd.Flags().Bool("fuzz", false, "randomize task scheduling")
	cmd.Flags().Uint64("seed", 0, "scheduler seed used with --fuzz")
}

func runExecution(cmd *cobra.Command, args []string) (err error) {
	showTimings, err := cmd.Root().PersistentFlags().GetBool("timings")
	if err != nil {
		return fmt.Errorf("failed to get timings flag: %w", err)
	}
	stopProfiling, err := setupProfiling(cmd)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, stopProfiling())
	}()

	timer := observ.NewTimer(nil)
	if showTimings {
		defer func() {
			fmt.Fprint(cmd.ErrOrStderr(), timer.Summary())
		}()
	}

	phase := timer.Begin("config")
	cfg, err := loadRunConfig(cmd)
	timer.End(phase, "")
	if err != nil {
		return err
	}

	uiValue, err := cmd.Flags().GetString("ui")
	if err != nil {
		return fmt.Errorf("failed to get ui flag: %w", err)
	}
	mode, err := readUIMode(uiValue)
	if err != nil {
		return err
	}
	useTUI := shouldUseTUI(mode)

	colorValue, err := rootColor(cmd, cfg.Console.Color)
	if err != nil {
		return err
	}
	colored, err := colorEnabled(colorValue, os.Stderr)
	if err != nil {
		return err
	}

	crashLog, err := cmd.Flags().GetString("crash-log")
	if err != nil {
		return fmt.Errorf("failed to get crash-log flag: %w", err)
	}
	metricsFile, err := cmd.Flags().GetString("metrics-file")
	if err != nil {
		return fmt.Errorf("failed to get metrics-file flag: %w", err)
	}
	var m *metrics.Metrics
	if metricsFile != "" {
		m = metrics.New()
	}

	phase = timer.Begin("boot")
	setup, err := setupTracing(cfg, tracingOptions{
		color:        colored,
		deferConsole: useTUI,
		crashLog:     crashLog != "",
		stderr:       cmd.ErrOrStderr(),
	})
	timer.End(phase, "")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	opts := kernel.OptionsFromConfig(cfg.Kernel)
	var k *kernel.Kernel
	var runErr error
	phase = timer.Begin("run")
	if useTUI {
		k, runErr = runKernelWithUI(ctx, "booting kernel", setup.tracer, opts)
	} else {
		k, runErr = runKernel(ctx, setup.tracer, opts)
	}
	timer.End(phase, fmt.Sprintf("%d harts", opts.Harts))
	setup.cleanup()
	if m != nil {
		m.ObserveSinks(setup.tracer, consoleSinkName, fileSinkName, crashSinkName)
	}

	// the buffer is exported even after a hart failure: unmatched spans show
	// where each hart was when it died
	if setup.recorder != nil {
		phase = timer.Begin("export")
		d, err := setup.recorder.Export(cfg.Profile.Dump, cfg.Profile.Chrome)
		timer.End(phase, "")
		if err != nil {
			return errors.Join(runErr, err)
		}
		if m != nil {
			m.ObserveProfiler(len(d.Events))
		}
		if !rootQuiet(cmd) {
			printProfileSummary(cmd.OutOrStdout(), len(d.Events), cfg.Profile)
		}
	}
	if k != nil && !rootQuiet(cmd) {
		printHartStats(cmd.OutOrStdout(), k.Stats())
	}

	var hp *kernel.HartPanicError
	failed := errors.As(runErr, &hp)
	if m != nil {
		if k != nil {
			m.ObserveHarts(k.Stats())
		}
		if failed {
			m.ObserveFailure(1)
		}
		if err := m.WriteFile(metricsFile); err != nil {
			runErr = errors.Join(runErr, err)
		}
	}
	if failed {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s\n%s", hp.Error(), hp.Stack)
		if setup.crash != nil {
			if err := writeCrashLog(crashLog, setup.crash); err != nil {
				runErr = errors.Join(runErr, err)
			} else {
				fmt.Fprintf(cmd.ErrOrStderr(), "crash log written to %s\n", crashLog)
			}
		}
	}
	if errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("interrupted: %w", runErr)
	}
	return runErr
}

func runKernel(ctx context.Context, tracer *trace.Tracer, opts kernel.Options) (*kernel.Kernel, error) {
	k, err := kernel.New(tracer, opts, nil)
	if err != nil {
		return nil, err
	}
	return k, k.Run(ctx)
}

// loadRunConfig layers defaults, the config file, environment overrides and
// flags, then validates the result.
func loadRunConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	path, err := flags.GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	if path == "" {
		found, ok, err := config.Find(".")
		if err != nil {
			return nil, err
		}
		if ok {
			path = found
		}
	}
	cfg := config.Default()
	if path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	levelFlags := []struct {
		name  string
		level *trace.Level
	}{
		{"clog", &cfg.Console.Level},
		{"flog", &cfg.File.Level},
		{"slog", &cfg.Profile.Level},
	}
	for _, lf := range levelFlags {
		if !flags.Changed(lf.name) {
			continue
		}
		raw, err := flags.GetString(lf.name)
		if err != nil {
			return nil, fmt.Errorf("failed to get %s flag: %w", lf.name, err)
		}
		lvl, err := trace.ParseLevel(raw)
		if err != nil {
			return nil, fmt.Errorf("--%s: %w", lf.name, err)
		}
		*lf.level = lvl
	}

	intFlags := []struct {
		name string
		dst  *int
	}{
		{"harts", &cfg.Kernel.Harts},
		{"tasks", &cfg.Kernel.TasksPerHart},
		{"syscalls", &cfg.Kernel.SyscallsPerTask},
	}
	for _, f := range intFlags {
		if !flags.Changed(f.name) {
			continue
		}
		v, err := flags.GetInt(f.name)
		if err != nil {
			return nil, fmt.Errorf("failed to get %s flag: %w", f.name, err)
		}
		*f.dst = v
	}

	stringFlags := []struct {
		name string
		dst  *string
	}{
		{"log-file", &cfg.File.Path},
		{"profile-out", &cfg.Profile.Dump},
		{"chrome-out", &cfg.Profile.Chrome},
	}
	for _, f := range stringFlags {
		if !flags.Changed(f.name) {
			continue
		}
		v, err := flags.GetString(f.name)
		if err != nil {
			return nil, fmt.Errorf("failed to get %s flag: %w", f.name, err)
		}
		*f.dst = v
	}
	// a log file without an explicit threshold records everything the
	// console would
	if flags.Changed("log-file") && cfg.File.Level == trace.LevelNone && !flags.Changed("flog") {
		cfg.File.Level = cfg.Console.Level
	}
	// an output path without a profiler threshold profiles every span
	if (cfg.Profile.Dump != "" || cfg.Profile.Chrome != "") && cfg.Profile.Level == trace.LevelNone && !flags.Changed("slog") {
		cfg.Profile.Level = trace.LevelTrace
	}

	if flags.Changed("fuzz") {
		if cfg.Kernel.Fuzz, err = flags.GetBool("fuzz"); err != nil {
			return nil, fmt.Errorf("failed to get fuzz flag: %w", err)
		}
	}
	if flags.Changed("seed") {
		if cfg.Kernel.Seed, err = flags.GetUint64("seed"); err != nil {
			return nil, fmt.Errorf("failed to get seed flag: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func printProfileSummary(out io.Writer, events int, prof config.ProfileConfig) {
	fmt.Fprintf(out, "profiler: %d events at %s", events, prof.Level)
	if prof.Dump != "" {
		fmt.Fprintf(out, ", dump %s%s", prof.Dump, fileSize(prof.Dump))
	}
	if prof.Chrome != "" {
		fmt.Fprintf(out, ", chrome trace %s%s", prof.Chrome, fileSize(prof.Chrome))
	}
	fmt.Fprintln(out)
}

// fileSize renders " (12 kB)" for an existing file and nothing otherwise.
func fileSize(path string) string {
	if path == "-" {
		return ""
	}
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	size, err := safecast.Conv[uint64](info.Size())
	if err != nil {
		return ""
	}
	return " (" + humanize.Bytes(size) + ")"
}

func printHartStats(out io.Writer, stats []kernel.HartStats) {
	for _, st := range stats {
		fmt.Fprintf(out, "hart %d: %d tasks, %d syscalls, %d polls, %d ticks, virtual time %d\n",
			st.Hart, st.Tasks, st.Syscalls, st.Polls, st.Ticks, st.Now)
	}
}
