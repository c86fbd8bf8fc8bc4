package version

import (
	"strings"
	"testing"
)

func withVersion(t *testing.T, v string) {
	t.Helper()
	orig := Version
	Version = v
	t.Cleanup(func() { Version = orig })
}

func TestBannerPlain(t *testing.T) {
	withVersion(t, "1.2.3-rc.1")
	if got := Banner(false); got != "1.2.3-rc.1" {
		t.Fatalf("Banner(false) = %q", got)
	}
}

func TestBannerColored(t *testing.T) {
	withVersion(t, "1.2.3-rc.1+build.7")
	got := Banner(true)
	if !strings.Contains(got, "\x1b[") {
		t.Fatalf("expected ANSI escapes in %q", got)
	}
	if !strings.HasSuffix(got, "-rc.1+build.7") {
		t.Fatalf("suffix not preserved: %q", got)
	}
	for _, part := range []string{"1", "2", "3"} {
		if !strings.Contains(got, part) {
			t.Fatalf("component %s missing from %q", part, got)
		}
	}
}

func TestBannerFallbacks(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "dev"},
		{"  ", "dev"},
		{"nightly", "nightly"},
		{"1.2", "1.2"},
	}
	for _, tt := range tests {
		withVersion(t, tt.in)
		if got := Banner(true); got != tt.want {
			t.Errorf("Banner(true) with %q = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOptionalFieldsDefaultEmpty(t *testing.T) {
	if GitCommit != "" || GitMessage != "" || BuildDate != "" {
		t.Fatalf("build metadata should be empty unless set via -ldflags")
	}
}
