package trace

import (
	"fmt"
	"strings"
)

// Level controls logging verbosity. Lower values are more severe.
type Level uint8

const (
	// LevelNone disables a sink or marks a record that nothing admits.
	LevelNone  Level = iota // disabled
	LevelError              // unrecoverable conditions
	LevelWarn               // suspicious but tolerated
	LevelInfo               // lifecycle milestones
	LevelDebug              // developer detail
	LevelTrace              // everything, including hot paths
)

var levelNames = [...]string{"NONE", "ERROR", "WARN", "INFO", "DEBUG", "TRACE"}

// String returns the upper-case level name.
func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "UNKNOWN"
}

// ParseLevel converts a string to a Level. OFF is accepted as an alias of NONE.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NONE", "OFF":
		return LevelNone, nil
	case "ERROR":
		return LevelError, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "INFO":
		return LevelInfo, nil
	case "DEBUG":
		return LevelDebug, nil
	case "TRACE":
		return LevelTrace, nil
	default:
		return LevelNone, fmt.Errorf("invalid level: %q (expected: NONE|ERROR|WARN|INFO|DEBUG|TRACE)", s)
	}
}

// Admits reports whether a sink with threshold l accepts records at level r.
// LevelNone never admits and is never admitted.
func (l Level) Admits(r Level) bool {
	return r != LevelNone && l != LevelNone && r <= l
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so levels can be decoded
// straight from TOML configuration.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
