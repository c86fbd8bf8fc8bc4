// Package report aggregates profiler timelines into per-callsite summaries.
package report

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"ktrace/internal/profile"
)

// Row aggregates every interval of one span name.
type Row struct {
	Name      string
	Count     int
	Unmatched int
	Total     uint64 // ns
	Self      uint64 // ns
	Max       uint64 // ns
}

// Summary is the result of Summarize.
type Summary struct {
	Rows    []Row
	Harts   int
	Orphans int
}

// Summarize folds a timeline into rows ordered by total time, largest first.
// Intervals nested inside an interval of the same name count toward Count
// and Self but not toward Total, so recursion is not double counted.
func Summarize(tl *profile.Timeline) Summary {
	byName := make(map[string]*Row)
	var order []string
	var visit func(iv *profile.Interval, active map[string]int)
	visit = func(iv *profile.Interval, active map[string]int) {
		row, ok := byName[iv.Name]
		if !ok {
			row = &Row{Name: iv.Name}
			byName[iv.Name] = row
			order = append(order, iv.Name)
		}
		row.Count++
		if iv.Unmatched {
			row.Unmatched++
		}
		d := iv.Duration()
		if active[iv.Name] == 0 {
			row.Total += d
		}
		row.Self += iv.Self()
		if d > row.Max {
			row.Max = d
		}
		active[iv.Name]++
		for _, c := range iv.Children {
			visit(c, active)
		}
		active[iv.Name]--
	}
	for _, h := range tl.HartIDs() {
		for _, root := range tl.Harts[h] {
			visit(root, make(map[string]int))
		}
	}

	s := Summary{Harts: len(tl.Harts), Orphans: tl.Orphans}
	for _, name := range order {
		s.Rows = append(s.Rows, *byName[name])
	}
	slices.SortStableFunc(s.Rows, func(a, b Row) int {
		switch {
		case a.Total > b.Total:
			return -1
		case a.Total < b.Total:
			return 1
		default:
			return strings.Compare(a.Name, b.Name)
		}
	})
	return s
}

// Options controls table rendering.
type Options struct {
	Color     bool
	NameWidth int
	Limit     int // 0 means all rows
}

// Render writes the summary as an aligned table.
func Render(w io.Writer, s Summary, opts Options) error {
	nameWidth := opts.NameWidth
	if nameWidth <= 0 {
		nameWidth = 28
	}
	p := message.NewPrinter(language.English)
	header := lipgloss.NewStyle()
	warn := lipgloss.NewStyle()
	if opts.Color {
		header = header.Bold(true).Foreground(lipgloss.Color("7"))
		warn = warn.Foreground(lipgloss.Color("3"))
	}

	var b strings.Builder
	b.WriteString(header.Render(fmt.Sprintf("%s %8s %14s %14s %14s",
		pad("span", nameWidth), "count", "total", "self", "max")))
	b.WriteString("\n")

	rows := s.Rows
	if opts.Limit > 0 && len(rows) > opts.Limit {
		rows = rows[:opts.Limit]
	}
	for _, r := range rows {
		line := fmt.Sprintf("%s %8s %14s %14s %14s",
			pad(r.Name, nameWidth),
			p.Sprintf("%d", r.Count),
			FormatNanos(r.Total),
			FormatNanos(r.Self),
			FormatNanos(r.Max))
		b.WriteString(line)
		if r.Unmatched > 0 {
			b.WriteString(" ")
			b.WriteString(warn.Render(p.Sprintf("(%d unmatched)", r.Unmatched)))
		}
		b.WriteString("\n")
	}
	b.WriteString(p.Sprintf("%d spans across %d harts", len(s.Rows), s.Harts))
	if s.Orphans > 0 {
		b.WriteString(", ")
		b.WriteString(warn.Render(p.Sprintf("%d orphan exits", s.Orphans)))
	}
	b.WriteString("\n")

	_, err := io.WriteString(w, b.String())
	return err
}

// FormatNanos renders a nanosecond duration with a unit suited to its size.
func FormatNanos(ns uint64) string {
	switch {
	case ns >= 1_000_000_000:
		return fmt.Sprintf("%.2fs", float64(ns)/1e9)
	case ns >= 1_000_000:
		return fmt.Sprintf("%.2fms", float64(ns)/1e6)
	case ns >= 1_000:
		return fmt.Sprintf("%.2fµs", float64(ns)/1e3)
	default:
		return fmt.Sprintf("%dns", ns)
	}
}

// pad fits value into exactly width terminal cells.
func pad(value string, width int) string {
	if runewidth.StringWidth(value) > width {
		if width <= 3 {
			return runewidth.Truncate(value, width, "")
		}
		value = runewidth.Truncate(value, width-3, "...")
	}
	return runewidth.FillRight(value, width)
}
