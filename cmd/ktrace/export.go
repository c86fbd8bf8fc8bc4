package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"ktrace/internal/profile"
)

var exportCmd = &cobra.Command{
	Use:   "export <dump>",
	Short: "Convert a profiler dump to Chrome trace JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runExport,
}

func init() {
	exportCmd.Flags().StringP("output", "o", "", "output path (default: <dump>.json, - for stdout)")
}

func runExport(cmd *cobra.Command, args []string) error {
	d, err := profile.ReadDumpFile(args[0])
	if err != nil {
		return err
	}
	out, err := cmd.Flags().GetString("output")
	if err != nil {
		return fmt.Errorf("failed to get output flag: %w", err)
	}
	if out == "" {
		base := strings.TrimSuffix(args[0], profile.CompressedExt)
		out = strings.TrimSuffix(base, filepath.Ext(base)) + ".json"
	}
	if out == "-" {
		return profile.WriteChrome(cmd.OutOrStdout(), d)
	}
	if err := profile.WriteChromeFile(out, d); err != nil {
		return err
	}
	if !rootQuiet(cmd) {
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d events to %s\n", len(d.Events), out)
	}
	return nil
}
