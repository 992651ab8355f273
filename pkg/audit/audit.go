// Package audit records the outcome of every escalation decision. Events
// are kept in a bounded in-memory ring and optionally in PostgreSQL.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcomes recorded for a decision
const (
	OutcomeNoop            = "noop"
	OutcomeEscalate        = "escalate"
	OutcomePublished       = "published"
	OutcomeBudgetExhausted = "budget_exhausted"
	OutcomeError           = "error"
)

// Event is one audited escalation decision
type Event struct {
	ID        string         `json:"id" db:"id"`
	Timestamp time.Time      `json:"timestamp" db:"ts"`
	Tier      string         `json:"tier" db:"tier"`
	TierID    string         `json:"tier_id" db:"tier_id"`
	HubID     string         `json:"hub_id,omitempty" db:"hub_id"`
	MidID     string         `json:"mid_id,omitempty" db:"mid_id"`
	RequestID string         `json:"request_id,omitempty" db:"request_id"`
	Reason    string         `json:"reason,omitempty" db:"reason"`
	Outcome   string         `json:"outcome" db:"outcome"`
	Steps     int            `json:"steps" db:"steps"`
	Rules     []string       `json:"rules,omitempty" db:"rules"`
	Error     string         `json:"error,omitempty" db:"error"`
	Metadata  map[string]any `json:"metadata,omitempty" db:"metadata"`
}

// Filter represents filtering criteria for audit events
type Filter struct {
	Tier      string
	HubID     string
	Outcome   string
	StartTime *time.Time
	EndTime   *time.Time
}

func (f *Filter) matches(e *Event) bool {
	if f == nil {
		return true
	}
	if f.Tier != "" && e.Tier != f.Tier {
		return false
	}
	if f.HubID != "" && e.HubID != f.HubID {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	return true
}

// Logger is implemented by every audit sink
type Logger interface {
	Log(ctx context.Context, event *Event) error
}

// stamp fills the ID and timestamp if unset
func stamp(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
}

// MemoryLogger keeps the last N events. It backs GET /audit when no
// database is configured and always runs alongside one.
type MemoryLogger struct {
	mu   sync.RWMutex
	ring []*Event // grows to cap, then wraps
	next int      // slot the next event overwrites once full
}

func NewMemoryLogger(size int) *MemoryLogger {
	return &MemoryLogger{ring: make([]*Event, 0, max(size, 1))}
}

func (l *MemoryLogger) Log(_ context.Context, event *Event) error {
	if event == nil {
		return errors.New("audit: nil event")
	}
	stamp(event)

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.ring) < cap(l.ring) {
		l.ring = append(l.ring, event)
		return nil
	}
	l.ring[l.next] = event
	l.next = (l.next + 1) % len(l.ring)
	return nil
}

// ordered returns the ring oldest first; the caller holds mu
func (l *MemoryLogger) ordered() []*Event {
	out := make([]*Event, 0, len(l.ring))
	out = append(out, l.ring[l.next:]...)
	return append(out, l.ring[:l.next]...)
}

// Events returns stored events matching filter, oldest first
func (l *MemoryLogger) Events(filter *Filter) []*Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	all := l.ordered()
	out := all[:0]
	for _, e := range all {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// Recent returns up to n events, newest first
func (l *MemoryLogger) Recent(n int) []*Event {
	l.mu.RLock()
	all := l.ordered()
	l.mu.RUnlock()

	n = min(max(n, 0), len(all))
	out := make([]*Event, n)
	for i := range out {
		out[i] = all[len(all)-1-i]
	}
	return out
}

func (l *MemoryLogger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ring)
}

// Reset drops every stored event
func (l *MemoryLogger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring = l.ring[:0]
	clear(l.ring[:cap(l.ring)])
	l.next = 0
}

// multi fans one event out to several sinks
type multi []Logger

// Multi returns a Logger that writes to every non-nil sink. Every sink is
// tried; their errors are joined.
func Multi(loggers ...Logger) Logger {
	out := make(multi, 0, len(loggers))
	for _, l := range loggers {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

func (m multi) Log(ctx context.Context, event *Event) error {
	if event == nil {
		return errors.New("audit: nil event")
	}
	stamp(event)

	var errs []error
	for _, l := range m {
		if err := l.Log(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// String renders an event on one line
func (e *Event) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s/%s", e.Timestamp.Format(time.RFC3339), e.Tier, e.TierID)
	for _, kv := range [][2]string{{"hub", e.HubID}, {"reason", e.Reason}, {"outcome", e.Outcome}} {
		if kv[1] != "" {
			fmt.Fprintf(&b, " %s=%s", kv[0], kv[1])
		}
	}
	fmt.Fprintf(&b, " steps=%d", e.Steps)
	if e.Error != "" {
		b.WriteString(" error=" + e.Error)
	}
	return b.String()
}
