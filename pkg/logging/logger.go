// Package logging is the structured logger shared by every tier
// component. One process writes one stream; components tag their lines
// with With.
package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// stream is the writer and lock a logger shares with its children, so
// lines from one tier's components never interleave
type stream struct {
	mu     sync.Mutex
	w      io.Writer
	format Format
	now    func() time.Time
}

// StreamLogger writes JSON or text lines to an io.Writer
type StreamLogger struct {
	out    *stream
	level  *levelVar
	fields []Field
}

// New creates a logger writing lines in format
func New(w io.Writer, format Format, level Level) *StreamLogger {
	return &StreamLogger{
		out:   &stream{w: w, format: format, now: time.Now},
		level: newLevelVar(level),
	}
}

func (l *StreamLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }
func (l *StreamLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields) }
func (l *StreamLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields) }
func (l *StreamLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }

// With returns a child sharing this logger's stream and level
func (l *StreamLogger) With(fields ...Field) Logger {
	return &StreamLogger{out: l.out, level: l.level, fields: merge(l.fields, fields)}
}

// SetLevel changes the level of this logger and every child
func (l *StreamLogger) SetLevel(level Level) { l.level.set(level) }

func (l *StreamLogger) GetLevel() Level { return l.level.get() }

func (l *StreamLogger) log(level Level, msg string, call []Field) {
	if level < l.level.get() {
		return
	}
	fields := merge(l.fields, call)
	ts := l.out.now().UTC().Format(time.RFC3339Nano)

	var line []byte
	if l.out.format == FormatText {
		line = textLine(ts, level, msg, fields)
	} else {
		line = jsonLine(ts, level, msg, fields)
	}

	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	_, _ = l.out.w.Write(line)
}

// jsonLine renders {"time","level","msg",<fields...>} with fields in
// call order. Fields may not shadow the three fixed keys.
func jsonLine(ts string, level Level, msg string, fields []Field) []byte {
	var b bytes.Buffer
	b.WriteString(`{"time":`)
	writeJSON(&b, ts)
	b.WriteString(`,"level":`)
	writeJSON(&b, level.String())
	b.WriteString(`,"msg":`)
	writeJSON(&b, msg)
	for _, f := range fields {
		switch f.Key {
		case "time", "level", "msg":
			continue
		}
		b.WriteByte(',')
		writeJSON(&b, f.Key)
		b.WriteByte(':')
		writeJSON(&b, f.Value)
	}
	b.WriteString("}\n")
	return b.Bytes()
}

func writeJSON(b *bytes.Buffer, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(fmt.Sprintf("!marshal: %v", err))
	}
	b.Write(data)
}

func textLine(ts string, level Level, msg string, fields []Field) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s %s", ts, level, msg)
	for _, f := range fields {
		v := fmt.Sprint(f.Value)
		if v == "" || strings.ContainsAny(v, " \t\"=") {
			v = fmt.Sprintf("%q", v)
		}
		fmt.Fprintf(&b, " %s=%s", f.Key, v)
	}
	b.WriteByte('\n')
	return []byte(b.String())
}
