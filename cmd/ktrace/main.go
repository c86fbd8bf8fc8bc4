package main

import (
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"ktrace/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "ktrace",
	Short: "Multi-hart kernel tracing and span profiling",
	Long: `ktrace drives a simulated multi-hart kernel through the span tracer,
writes leveled logs with context breadcrumbs and exports span profiles
for Chrome-compatible trace viewers.`,
	SilenceUsage: true,
}

// main registers subcommands and persistent flags, then executes the root
// command. If command execution returns an error, the process exits with
// status code 1.
func main() {
	rootCmd.Version = version.Version

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().String("color", "auto", "colorize output (auto|on|off)")
	rootCmd.PersistentFlags().Bool("quiet", false, "suppress non-essential output")
	rootCmd.PersistentFlags().Bool("timings", false, "show timing information")
	rootCmd.PersistentFlags().String("cpu-profile", "", "write a pprof CPU profile of ktrace itself")
	rootCmd.PersistentFlags().String("mem-profile", "", "write a pprof heap profile of ktrace itself")
	rootCmd.PersistentFlags().String("runtime-trace", "", "write a Go runtime trace of ktrace itself")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// isTerminal reports whether f is attached to a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
