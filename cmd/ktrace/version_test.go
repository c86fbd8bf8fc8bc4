package main

import (
	"encoding/json"
	"strings"
	"testing"

	"ktrace/internal/config"
	"ktrace/internal/profile"
	"ktrace/internal/version"
)

func TestVersionJSONReportsFormats(t *testing.T) {
	root, stdout := newTestRoot(newVersionCmd(), "version", "--format", "json")
	if err := root.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	var got struct {
		Version     string   `json:"version"`
		Commit      string   `json:"commit"`
		Built       string   `json:"built"`
		DumpSchema  uint16   `json:"dump_schema"`
		DumpFormats []string `json:"dump_formats"`
		ChromeUnit  string   `json:"chrome_time_unit"`
		Levels      []string `json:"levels"`
		MaxHarts    int      `json:"max_harts"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal %q: %v", stdout.String(), err)
	}
	if got.Version != version.Version || got.Commit == "" {
		t.Fatalf("fingerprint = %q/%q", got.Version, got.Commit)
	}
	if got.Built != "" {
		t.Fatalf("build date shown without --full: %q", got.Built)
	}
	if got.DumpSchema != profile.SchemaVersion() || got.ChromeUnit != "ns" || got.MaxHarts != config.MaxHarts {
		t.Fatalf("unexpected capabilities: %+v", got)
	}
	if strings.Join(got.DumpFormats, ",") != "msgpack,msgpack.lz4" {
		t.Fatalf("dump formats = %v", got.DumpFormats)
	}
	if strings.Join(got.Levels, ",") != "NONE,ERROR,WARN,INFO,DEBUG,TRACE" {
		t.Fatalf("levels = %v", got.Levels)
	}
}

func TestVersionPrettyFull(t *testing.T) {
	root, stdout := newTestRoot(newVersionCmd(), "version", "--full")
	if err := root.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	out := stdout.String()
	for _, want := range []string{
		"ktrace " + version.Version + " (",
		"built:       unknown",
		"dump schema: v1 (msgpack, msgpack.lz4)",
		"levels:      NONE ERROR WARN INFO DEBUG TRACE",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Errorf("colored output with --color off:\n%s", out)
	}
}

func TestVersionRejectsUnknownFormat(t *testing.T) {
	root, _ := newTestRoot(newVersionCmd(), "version", "--format", "yaml")
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), `unsupported format "yaml"`) {
		t.Fatalf("expected format error, got %v", err)
	}
}
