package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestMemoryLogger_Log(t *testing.T) {
	logger := NewMemoryLogger(10)

	event := &Event{Tier: "mid", TierID: "mid_floor_1", HubID: "alpha", Reason: "no_stored_rules", Outcome: OutcomeEscalate}
	if err := logger.Log(context.Background(), event); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	if event.ID == "" {
		t.Error("Event ID should be assigned")
	}
	if event.Timestamp.IsZero() {
		t.Error("Event timestamp should be assigned")
	}
	if got := logger.Len(); got != 1 {
		t.Errorf("Expected 1 event, got %d", got)
	}

	if err := logger.Log(context.Background(), nil); err == nil {
		t.Error("Expected error for nil event")
	}
}

func TestMemoryLogger_CircularBuffer(t *testing.T) {
	logger := NewMemoryLogger(3)

	for i := 0; i < 5; i++ {
		_ = logger.Log(context.Background(), &Event{Tier: "cloud", HubID: fmt.Sprintf("hub%d", i), Outcome: OutcomeNoop})
	}

	if got := logger.Len(); got != 3 {
		t.Fatalf("Expected 3 events after wrap, got %d", got)
	}

	events := logger.Events(nil)
	want := []string{"hub2", "hub3", "hub4"}
	for i, e := range events {
		if e.HubID != want[i] {
			t.Errorf("events[%d] = %s, want %s", i, e.HubID, want[i])
		}
	}

	recent := logger.Recent(2)
	if len(recent) != 2 || recent[0].HubID != "hub4" || recent[1].HubID != "hub3" {
		t.Errorf("unexpected recent events: %v", recent)
	}

	if got := len(logger.Recent(10)); got != 3 {
		t.Errorf("Recent(10) returned %d events, want 3", got)
	}
}

func TestMemoryLogger_Filter(t *testing.T) {
	logger := NewMemoryLogger(100)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	_ = logger.Log(ctx, &Event{Timestamp: old, Tier: "mid", HubID: "alpha", Outcome: OutcomeEscalate})
	_ = logger.Log(ctx, &Event{Tier: "cloud", HubID: "alpha", Outcome: OutcomePublished})
	_ = logger.Log(ctx, &Event{Tier: "cloud", HubID: "beta", Outcome: OutcomeBudgetExhausted})

	since := time.Now().Add(-time.Minute)
	tests := []struct {
		name   string
		filter *Filter
		want   int
	}{
		{"nil filter", nil, 3},
		{"by tier", &Filter{Tier: "cloud"}, 2},
		{"by hub", &Filter{HubID: "alpha"}, 2},
		{"by outcome", &Filter{Outcome: OutcomePublished}, 1},
		{"combined", &Filter{Tier: "cloud", HubID: "beta"}, 1},
		{"start time", &Filter{StartTime: &since}, 2},
		{"end time", &Filter{EndTime: &since}, 1},
		{"no match", &Filter{Tier: "hub"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(logger.Events(tt.filter)); got != tt.want {
				t.Errorf("Events() returned %d events, want %d", got, tt.want)
			}
		})
	}
}

func TestMemoryLogger_Clear(t *testing.T) {
	logger := NewMemoryLogger(5)
	_ = logger.Log(context.Background(), &Event{Outcome: OutcomeNoop})
	logger.Reset()

	if got := logger.Len(); got != 0 {
		t.Errorf("Expected 0 events after Clear, got %d", got)
	}
}

func TestMemoryLogger_Concurrent(t *testing.T) {
	logger := NewMemoryLogger(1000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = logger.Log(context.Background(), &Event{Outcome: OutcomeNoop})
				logger.Recent(5)
			}
		}()
	}
	wg.Wait()

	if got := logger.Len(); got != 500 {
		t.Errorf("Expected 500 events, got %d", got)
	}
}

type failingLogger struct{ err error }

func (f failingLogger) Log(context.Context, *Event) error { return f.err }

func TestMulti(t *testing.T) {
	a := NewMemoryLogger(5)
	b := NewMemoryLogger(5)
	broken := errors.New("sink down")

	logger := Multi(a, nil, failingLogger{broken}, b)
	event := &Event{Tier: "cloud", Outcome: OutcomePublished}

	err := logger.Log(context.Background(), event)
	if !errors.Is(err, broken) {
		t.Errorf("Expected joined sink error, got %v", err)
	}

	// Every healthy sink still sees the same event
	if a.Len() != 1 || b.Len() != 1 {
		t.Fatalf("Expected one event in each sink, got %d and %d", a.Len(), b.Len())
	}
	if a.Recent(1)[0].ID != b.Recent(1)[0].ID {
		t.Error("Sinks should share the event ID")
	}
}

func TestEvent_String(t *testing.T) {
	e := &Event{
		Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Tier:      "mid",
		TierID:    "mid_floor_1",
		HubID:     "alpha",
		Reason:    "no_matched_rules",
		Outcome:   OutcomeBudgetExhausted,
		Steps:     10,
		Error:     "oracle timeout",
	}

	s := e.String()
	for _, want := range []string{"2024-01-02T03:04:05Z", "mid/mid_floor_1", "hub=alpha", "outcome=budget_exhausted", "steps=10", "error=oracle timeout"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q, missing %q", s, want)
		}
	}
}

func TestRecentQuery(t *testing.T) {
	start := time.Now()
	query, args := recentQuery(&Filter{Tier: "cloud", Outcome: OutcomePublished, StartTime: &start}, 20)

	if !strings.Contains(query, "WHERE tier = $1 AND outcome = $2 AND ts >= $3") {
		t.Errorf("unexpected WHERE clause: %s", query)
	}
	if !strings.HasSuffix(query, "ORDER BY ts DESC LIMIT $4") {
		t.Errorf("unexpected tail: %s", query)
	}
	if len(args) != 4 || args[3] != 20 {
		t.Errorf("unexpected args: %v", args)
	}

	query, args = recentQuery(nil, 0)
	if strings.Contains(query, "WHERE") {
		t.Errorf("nil filter should not add WHERE: %s", query)
	}
	if len(args) != 1 || args[0] != 100 {
		t.Errorf("expected default limit 100, got %v", args)
	}
}

// TestPostgresStore runs against a real database when CLUSO_TEST_PG_URL is set
func TestPostgresStore(t *testing.T) {
	url := os.Getenv("CLUSO_TEST_PG_URL")
	if url == "" {
		t.Skip("CLUSO_TEST_PG_URL not set")
	}

	ctx := context.Background()
	store, err := NewPostgresStore(ctx, url)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	defer store.Close()

	hub := fmt.Sprintf("hub_%d", time.Now().UnixNano())
	event := &Event{
		Tier:     "cloud",
		TierID:   "cloud",
		HubID:    hub,
		Outcome:  OutcomePublished,
		Rules:    []string{"lights_on"},
		Metadata: map[string]any{"via": "mid_floor_1"},
	}
	if err := store.Log(ctx, event); err != nil {
		t.Fatalf("Log: %v", err)
	}

	events, err := store.Recent(ctx, &Filter{HubID: hub}, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].ID != event.ID || events[0].Rules[0] != "lights_on" || events[0].Metadata["via"] != "mid_floor_1" {
		t.Errorf("unexpected event: %+v", events[0])
	}
}
