package logging

import (
	"sync"
)

// Record is one captured log call
type Record struct {
	Level   Level
	Message string
	Fields  map[string]any
}

// Recorder is a Logger that keeps every entry in memory. Tests use it to
// assert on warnings without parsing output.
type Recorder struct {
	mu      *sync.Mutex
	records *[]Record
	level   *levelVar
	fields  []Field
}

// NewRecorder creates an empty recorder accepting every level
func NewRecorder() *Recorder {
	return &Recorder{
		mu:      &sync.Mutex{},
		records: &[]Record{},
		level:   newLevelVar(DebugLevel),
	}
}

func (r *Recorder) record(level Level, msg string, fields []Field) {
	if level < r.level.get() {
		return
	}
	merged := merge(r.fields, fields)
	m := make(map[string]any, len(merged))
	for _, f := range merged {
		m[f.Key] = f.Value
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.records = append(*r.records, Record{Level: level, Message: msg, Fields: m})
}

func (r *Recorder) Debug(msg string, fields ...Field) { r.record(DebugLevel, msg, fields) }
func (r *Recorder) Info(msg string, fields ...Field)  { r.record(InfoLevel, msg, fields) }
func (r *Recorder) Warn(msg string, fields ...Field)  { r.record(WarnLevel, msg, fields) }
func (r *Recorder) Error(msg string, fields ...Field) { r.record(ErrorLevel, msg, fields) }

// With returns a recorder sharing this one's storage
func (r *Recorder) With(fields ...Field) Logger {
	return &Recorder{mu: r.mu, records: r.records, level: r.level, fields: merge(r.fields, fields)}
}

func (r *Recorder) SetLevel(level Level) { r.level.set(level) }
func (r *Recorder) GetLevel() Level      { return r.level.get() }

// Records returns a copy of everything logged so far
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(*r.records))
	copy(out, *r.records)
	return out
}

// Messages returns the messages logged at the given level
func (r *Recorder) Messages(level Level) []string {
	var out []string
	for _, rec := range r.Records() {
		if rec.Level == level {
			out = append(out, rec.Message)
		}
	}
	return out
}
