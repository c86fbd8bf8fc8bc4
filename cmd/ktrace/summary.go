package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"ktrace/internal/profile"
	"ktrace/internal/report"
)

var summaryCmd = &cobra.Command{
	Use:   "summary <dump|trace.json>",
	Short: "Summarize span time per callsite",
	Long: `Summarize a profiler dump (msgpack) or a Chrome trace JSON file:
count, total, self and max time for every span name.`,
	Args: cobra.ExactArgs(1),
	RunE: runSummary,
}

func init() {
	summaryCmd.Flags().Int("limit", 0, "show at most N rows (0 for all)")
	summaryCmd.Flags().Int("width", 28, "span name column width")
}

func runSummary(cmd *cobra.Command, args []string) error {
	tl, err := loadTimeline(args[0])
	if err != nil {
		return err
	}
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return fmt.Errorf("failed to get limit flag: %w", err)
	}
	width, err := cmd.Flags().GetInt("width")
	if err != nil {
		return fmt.Errorf("failed to get width flag: %w", err)
	}
	colorValue, err := rootColor(cmd, "")
	if err != nil {
		return err
	}
	colored, err := colorEnabled(colorValue, os.Stdout)
	if err != nil {
		return err
	}
	return report.Render(cmd.OutOrStdout(), report.Summarize(tl), report.Options{
		Color:     colored,
		NameWidth: width,
		Limit:     limit,
	})
}

// loadTimeline accepts either export format; .json files are read as Chrome
// traces, anything else as a msgpack dump.
func loadTimeline(path string) (*profile.Timeline, error) {
	if strings.HasSuffix(strings.ToLower(path), ".json") {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		ct, err := profile.ReadChrome(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return profile.BuildTimeline(ct.TraceEvents)
	}
	d, err := profile.ReadDumpFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return profile.TimelineFromDump(d)
}
