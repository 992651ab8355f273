package logging

import "time"

func String(key, value string) Field { return Field{Key: key, Value: value} }
func Int(key string, value int) Field { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }
func Any(key string, value any) Field { return Field{Key: key, Value: value} }

// Duration is rendered with time.Duration's String form
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

// Error is keyed "error"; a nil error logs null
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Keys shared by the tier components

func Component(name string) Field { return String("component", name) }

// Tier names the process role: hub, mid or cloud
func Tier(name string) Field { return String("tier", name) }

func HubID(id string) Field     { return String("hub_id", id) }
func MidID(id string) Field     { return String("mid_id", id) }
func Channel(name string) Field { return String("channel", name) }
func Rule(name string) Field    { return String("rule", name) }
func State(s string) Field      { return String("state", s) }
func Action(name string) Field  { return String("action", name) }
func Path(p string) Field       { return String("path", p) }
func NodeID(id int) Field       { return Int("node_id", id) }
func Count(n int) Field         { return Int("count", n) }

// Reason is an escalation reason code
func Reason(r string) Field { return String("reason", r) }

// RevTS is a root revision timestamp in milliseconds
func RevTS(ts int64) Field { return Int64("rev_ts", ts) }

// Step is the 1-based index of a decision loop iteration
func Step(n int) Field { return Int("step", n) }
