// Package config loads ktrace.toml and applies the KERNEL_*LOG environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"ktrace/internal/trace"
)

// FileName is the configuration file looked up by Find.
const FileName = "ktrace.toml"

// Environment variables overriding sink thresholds.
const (
	EnvConsole = "KERNEL_CLOG"
	EnvFile    = "KERNEL_FLOG"
	EnvProfile = "KERNEL_SLOG"
)

// MaxHarts bounds the simulated hart count.
const MaxHarts = 64

// Config is the full run configuration.
type Config struct {
	Console ConsoleConfig `toml:"console"`
	File    FileConfig    `toml:"file"`
	Profile ProfileConfig `toml:"profile"`
	Kernel  KernelConfig  `toml:"kernel"`
}

// ConsoleConfig configures the console sink.
type ConsoleConfig struct {
	Level  trace.Level `toml:"level"`
	Color  string      `toml:"color"` // auto|on|off
	Format string      `toml:"format"`
}

// FileConfig configures the file sink.
type FileConfig struct {
	Level  trace.Level `toml:"level"`
	Path   string      `toml:"path"`
	Format string      `toml:"format"` // empty: derived from the path
}

// ProfileConfig configures the span profiler.
type ProfileConfig struct {
	Level  trace.Level `toml:"level"`
	Dump   string      `toml:"dump"`   // msgpack buffer dump
	Chrome string      `toml:"chrome"` // Chrome trace JSON
}

// KernelConfig shapes the simulated workload.
type KernelConfig struct {
	Harts            int    `toml:"harts"`
	TasksPerHart     int    `toml:"tasks_per_hart"`
	SyscallsPerTask  int    `toml:"syscalls_per_task"`
	YieldsPerSyscall int    `toml:"yields_per_syscall"`
	TickInterval     uint64 `toml:"tick_interval"`
	Fuzz             bool   `toml:"fuzz"`
	Seed             uint64 `toml:"seed"`
}

// Default returns the configuration used when nothing else is given.
func Default() Config {
	return Config{
		Console: ConsoleConfig{Level: trace.LevelInfo, Color: "auto", Format: "text"},
		File:    FileConfig{Level: trace.LevelNone},
		Profile: ProfileConfig{Level: trace.LevelNone},
		Kernel: KernelConfig{
			Harts:            2,
			TasksPerHart:     4,
			SyscallsPerTask:  3,
			YieldsPerSyscall: 2,
			TickInterval:     4,
		},
	}
}

// Find walks up from startDir looking for ktrace.toml.
func Find(startDir string) (string, bool, error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}

// Load reads path over the defaults. Keys missing from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// ApplyEnv applies the threshold overrides found through lookup. Pass
// os.LookupEnv in production.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	targets := []struct {
		name  string
		level *trace.Level
	}{
		{EnvConsole, &c.Console.Level},
		{EnvFile, &c.File.Level},
		{EnvProfile, &c.Profile.Level},
	}
	for _, t := range targets {
		raw, ok := lookup(t.name)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		lvl, err := trace.ParseLevel(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", t.name, err)
		}
		*t.level = lvl
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Kernel.Harts < 1 || c.Kernel.Harts > MaxHarts {
		errs = append(errs, fmt.Errorf("kernel.harts must be between 1 and %d, got %d", MaxHarts, c.Kernel.Harts))
	}
	if c.Kernel.TasksPerHart < 0 {
		errs = append(errs, fmt.Errorf("kernel.tasks_per_hart must not be negative"))
	}
	if c.Kernel.SyscallsPerTask < 0 {
		errs = append(errs, fmt.Errorf("kernel.syscalls_per_task must not be negative"))
	}
	if c.Kernel.YieldsPerSyscall < 0 {
		errs = append(errs, fmt.Errorf("kernel.yields_per_syscall must not be negative"))
	}
	switch c.Console.Color {
	case "", "auto", "on", "off":
	default:
		errs = append(errs, fmt.Errorf("console.color must be auto|on|off, got %q", c.Console.Color))
	}
	if _, err := trace.ParseFormat(c.Console.Format); err != nil {
		errs = append(errs, fmt.Errorf("console.format: %w", err))
	}
	if _, err := trace.ParseFormat(c.File.Format); err != nil {
		errs = append(errs, fmt.Errorf("file.format: %w", err))
	}
	if c.File.Level != trace.LevelNone && strings.TrimSpace(c.File.Path) == "" {
		errs = append(errs, fmt.Errorf("file.level is %s but file.path is empty", c.File.Level))
	}
	return errors.Join(errs...)
}

// FileFormat resolves the file sink format, deriving it from the path when
// not set explicitly.
func (c *Config) FileFormat() trace.Format {
	if c.File.Format == "" {
		return trace.FormatForPath(c.File.Path)
	}
	f, err := trace.ParseFormat(c.File.Format)
	if err != nil {
		return trace.FormatText
	}
	return f
}

// ProfilingEnabled reports whether the profiler records anything.
func (c *Config) ProfilingEnabled() bool {
	return c.Profile.Level != trace.LevelNone
}
