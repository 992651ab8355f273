package logging

import (
	"strings"
	"sync/atomic"
)

// Level represents a log level
type Level int32

const (
	// DebugLevel logs per-message traffic and decision steps
	DebugLevel Level = iota
	// InfoLevel is the default
	InfoLevel
	// WarnLevel marks recoverable anomalies: stale graphs, dropped events, name-only merges
	WarnLevel
	// ErrorLevel marks failures that degrade a tier
	ErrorLevel
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l Level) String() string {
	if l < DebugLevel || l > ErrorLevel {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel maps debug, info, warn (or warning) and error to a Level.
// Anything else is InfoLevel.
func ParseLevel(s string) Level {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "warning") {
		return WarnLevel
	}
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i)
		}
	}
	return InfoLevel
}

// Format selects the line encoding of a StreamLogger
type Format int

const (
	// FormatJSON writes one JSON object per line
	FormatJSON Format = iota
	// FormatText writes "time LEVEL msg key=value ..." lines
	FormatText
)

// ParseFormat maps "text" to FormatText; everything else is JSON
func ParseFormat(s string) Format {
	if strings.EqualFold(strings.TrimSpace(s), "text") {
		return FormatText
	}
	return FormatJSON
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value any
}

// Logger is implemented by StreamLogger, Recorder and NopLogger
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	// With returns a child carrying fields on every line
	With(fields ...Field) Logger
	SetLevel(level Level)
	GetLevel() Level
}

// levelVar is shared by a logger and its children so SIGHUP reloads
// reach every component
type levelVar struct{ v atomic.Int32 }

func newLevelVar(l Level) *levelVar {
	lv := &levelVar{}
	lv.set(l)
	return lv
}

func (lv *levelVar) get() Level  { return Level(lv.v.Load()) }
func (lv *levelVar) set(l Level) { lv.v.Store(int32(l)) }

// merge appends call-site fields to preset ones. A repeated key keeps its
// first position and takes the last value.
func merge(preset, call []Field) []Field {
	if len(call) == 0 {
		return preset
	}
	out := make([]Field, 0, len(preset)+len(call))
	out = append(out, preset...)
	for _, f := range call {
		replaced := false
		for i := range out {
			if out[i].Key == f.Key {
				out[i].Value = f.Value
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, f)
		}
	}
	return out
}

// NopLogger discards everything
type NopLogger struct{}

func (NopLogger) Debug(string, ...Field)  {}
func (NopLogger) Info(string, ...Field)   {}
func (NopLogger) Warn(string, ...Field)   {}
func (NopLogger) Error(string, ...Field)  {}
func (n NopLogger) With(...Field) Logger  { return n }
func (NopLogger) SetLevel(Level)          {}
func (NopLogger) GetLevel() Level         { return InfoLevel }

// NewNopLogger returns a NopLogger
func NewNopLogger() Logger {
	return NopLogger{}
}

// OrNop returns l, or a NopLogger when l is nil
func OrNop(l Logger) Logger {
	if l == nil {
		return NopLogger{}
	}
	return l
}
