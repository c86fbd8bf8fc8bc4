package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"

	"ktrace/internal/config"
	"ktrace/internal/profile"
	"ktrace/internal/trace"
	"ktrace/internal/version"
)

// buildReport describes what this binary produces and accepts: the build
// fingerprint plus the trace and dump formats it speaks.
type buildReport struct {
	Version     string   `json:"version"`
	Commit      string   `json:"commit"`
	CommitMsg   string   `json:"commit_message,omitempty"`
	Built       string   `json:"built,omitempty"`
	Go          string   `json:"go"`
	Platform    string   `json:"platform"`
	DumpSchema  uint16   `json:"dump_schema"`
	DumpFormats []string `json:"dump_formats"`
	ChromeUnit  string   `json:"chrome_time_unit"`
	Levels      []string `json:"levels"`
	MaxHarts    int      `json:"max_harts"`

	banner string
}

var versionCmd = newVersionCmd()

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show the build fingerprint and supported trace formats",
		Args:  cobra.NoArgs,
		RunE:  runVersion,
	}
	cmd.Flags().String("format", "pretty", "output format (pretty|json)")
	cmd.Flags().Bool("full", false, "include commit message and build date")
	return cmd
}

func runVersion(cmd *cobra.Command, _ []string) error {
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return fmt.Errorf("failed to get format flag: %w", err)
	}
	full, err := cmd.Flags().GetBool("full")
	if err != nil {
		return fmt.Errorf("failed to get full flag: %w", err)
	}

	switch strings.ToLower(format) {
	case "json":
		return writeReportJSON(cmd.OutOrStdout(), collectBuildReport(false, full))
	case "pretty":
		colorValue, err := rootColor(cmd, "")
		if err != nil {
			return err
		}
		colored, err := colorEnabled(colorValue, os.Stdout)
		if err != nil {
			return err
		}
		writeReportPretty(cmd.OutOrStdout(), collectBuildReport(colored, full))
		return nil
	default:
		return fmt.Errorf("unsupported format %q (must be pretty or json)", format)
	}
}

func collectBuildReport(colored, full bool) buildReport {
	r := buildReport{
		Version:     strings.TrimSpace(version.Version),
		Commit:      strings.TrimSpace(version.GitCommit),
		Go:          runtime.Version(),
		Platform:    runtime.GOOS + "/" + runtime.GOARCH,
		DumpSchema:  profile.SchemaVersion(),
		DumpFormats: []string{"msgpack", "msgpack" + profile.CompressedExt},
		ChromeUnit:  profile.ChromeTimeUnit,
		MaxHarts:    config.MaxHarts,
		banner:      version.Banner(colored),
	}
	if r.Version == "" {
		r.Version = "dev"
	}
	for l := trace.LevelNone; l <= trace.LevelTrace; l++ {
		r.Levels = append(r.Levels, l.String())
	}
	if r.Commit == "" {
		r.Commit = vcsRevision()
	}
	if full {
		r.CommitMsg = valueOrUnknown(strings.TrimSpace(version.GitMessage))
		r.Built = valueOrUnknown(strings.TrimSpace(version.BuildDate))
	}
	r.Commit = valueOrUnknown(r.Commit)
	return r
}

// vcsRevision falls back to the revision the go tool stamped, if any.
func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}

func writeReportPretty(out io.Writer, r buildReport) {
	fmt.Fprintf(out, "ktrace %s (%s, %s)\n", r.banner, r.Go, r.Platform)
	fmt.Fprintf(out, "commit:      %s\n", r.Commit)
	if r.CommitMsg != "" {
		fmt.Fprintf(out, "message:     %s\n", r.CommitMsg)
	}
	if r.Built != "" {
		fmt.Fprintf(out, "built:       %s\n", r.Built)
	}
	fmt.Fprintf(out, "dump schema: v%d (%s)\n", r.DumpSchema, strings.Join(r.DumpFormats, ", "))
	fmt.Fprintf(out, "chrome unit: %s\n", r.ChromeUnit)
	fmt.Fprintf(out, "levels:      %s\n", strings.Join(r.Levels, " "))
	fmt.Fprintf(out, "max harts:   %d\n", r.MaxHarts)
}

func writeReportJSON(out io.Writer, r buildReport) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func valueOrUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
