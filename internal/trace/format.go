package trace

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
)

// Format represents the output format for records.
type Format uint8

const (
	FormatText   Format = iota // human-readable text
	FormatNDJSON               // newline-delimited JSON
)

// String returns the string representation of Format.
func (f Format) String() string {
	switch f {
	case FormatText:
		return "text"
	case FormatNDJSON:
		return "ndjson"
	default:
		return "unknown"
	}
}

// ParseFormat converts a string to Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "ndjson", "json":
		return FormatNDJSON, nil
	default:
		return FormatText, fmt.Errorf("invalid log format: %q (expected: text|ndjson)", s)
	}
}

// Palette colors the text format. A nil Palette renders plain text.
type Palette struct {
	levels [LevelTrace + 1]*color.Color
	span   *color.Color
}

// NewPalette builds the console palette. When enabled is false every color is
// forced off regardless of terminal detection.
func NewPalette(enabled bool) *Palette {
	p := &Palette{
		span: color.New(color.FgWhite, color.Bold),
	}
	p.levels[LevelError] = color.New(color.FgRed)
	p.levels[LevelWarn] = color.New(color.FgHiYellow)
	p.levels[LevelInfo] = color.New(color.FgBlue)
	p.levels[LevelDebug] = color.New(color.FgGreen)
	p.levels[LevelTrace] = color.New(color.FgHiBlack)
	for _, c := range append(p.levels[LevelError:], p.span) {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p *Palette) level(l Level, s string) string {
	if p == nil || int(l) >= len(p.levels) || p.levels[l] == nil {
		return s
	}
	return p.levels[l].Sprint(s)
}

func (p *Palette) spanName(s string) string {
	if p == nil {
		return s
	}
	return p.span.Sprint(s)
}

// FormatRecord formats a record according to the specified format.
func FormatRecord(r *Record, format Format, p *Palette) []byte {
	switch format {
	case FormatNDJSON:
		return formatNDJSON(r)
	default:
		return formatText(r, p)
	}
}

// formatText renders
//
//	[    0.001234] [ INFO] hart{id=0} > task{id=7}: started key=value
func formatText(r *Record, p *Palette) []byte {
	var sb strings.Builder

	secs := float64(r.Time) / 1e9
	sb.WriteByte('[')
	sb.WriteString(fmt.Sprintf("%12.6f", secs))
	sb.WriteString("] ")

	sb.WriteString(p.level(r.Level, fmt.Sprintf("[%5s]", r.Level.String())))
	sb.WriteByte(' ')

	for i, f := range r.Context {
		if i > 0 {
			sb.WriteString(" > ")
		}
		sb.WriteString(p.spanName(f.Name))
		if f.Fields != "" {
			sb.WriteByte('{')
			sb.WriteString(f.Fields)
			sb.WriteByte('}')
		}
	}
	if len(r.Context) > 0 {
		sb.WriteString(": ")
	}

	sb.WriteString(r.Message)
	if len(r.Fields) > 0 {
		sb.WriteByte(' ')
		renderFields(&sb, r.Fields)
	}
	sb.WriteByte('\n')
	return []byte(sb.String())
}

type jsonFrame struct {
	Name   string `json:"name"`
	Level  string `json:"level"`
	Fields string `json:"fields,omitempty"`
}

type jsonRecord struct {
	Time    uint64         `json:"time_ns"`
	Level   string         `json:"level"`
	Hart    int            `json:"hart"`
	Context []jsonFrame    `json:"context,omitempty"`
	Message string         `json:"msg"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// formatNDJSON formats a record as newline-delimited JSON.
func formatNDJSON(r *Record) []byte {
	j := jsonRecord{
		Time:    r.Time,
		Level:   r.Level.String(),
		Hart:    r.Hart,
		Message: r.Message,
	}
	if len(r.Context) > 0 {
		j.Context = make([]jsonFrame, len(r.Context))
		for i, f := range r.Context {
			j.Context[i] = jsonFrame{Name: f.Name, Level: f.Level.String(), Fields: f.Fields}
		}
	}
	if len(r.Fields) > 0 {
		j.Fields = make(map[string]any, len(r.Fields))
		for _, f := range r.Fields {
			v := f.Value.Any()
			// NaN and Inf are not representable in JSON
			if fv, ok := v.(float64); ok && !isFinite(fv) {
				v = strconv.FormatFloat(fv, 'g', -1, 64)
			}
			j.Fields[uniqueKey(j.Fields, f.Key)] = v
		}
	}

	data, err := json.Marshal(j)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"level":%q,"msg":%q,"error":%q}`, r.Level.String(), r.Message, err.Error()))
	}
	data = append(data, '\n')
	return data
}

// uniqueKey returns key, or key#2, key#3 and so on when a record repeats a
// field name, so no value is lost in the JSON object.
func uniqueKey(fields map[string]any, key string) string {
	if _, taken := fields[key]; !taken {
		return key
	}
	for n := 2; ; n++ {
		k := key + "#" + strconv.Itoa(n)
		if _, taken := fields[k]; !taken {
			return k
		}
	}
}

func isFinite(f float64) bool {
	return f-f == 0
}
