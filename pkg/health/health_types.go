package health

import (
	"context"
	"encoding/json"
	"sort"
	"time"
)

// Status of one check or of a whole report
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	default:
		return 0
	}
}

// worse returns the more severe of a and b
func worse(a, b Status) Status {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Millis encodes a duration as fractional milliseconds
type Millis time.Duration

func (m Millis) MarshalJSON() ([]byte, error) {
	return json.Marshal(float64(m) / float64(time.Millisecond))
}

func (m *Millis) UnmarshalJSON(data []byte) error {
	var ms float64
	if err := json.Unmarshal(data, &ms); err != nil {
		return err
	}
	*m = Millis(ms * float64(time.Millisecond))
	return nil
}

// Check is the result of one probe
type Check struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
	Took      Millis         `json:"took_ms"`
}

// CheckFunc runs one probe. ctx carries the request deadline.
type CheckFunc func(ctx context.Context) Check

// Report is the outcome of one liveness or readiness pass. Checks are
// sorted by name.
type Report struct {
	Status Status    `json:"status"`
	Time   time.Time `json:"time"`
	Uptime float64   `json:"uptime_seconds"`
	Checks []Check   `json:"checks"`
}

// Find returns the named check
func (r Report) Find(name string) (Check, bool) {
	i := sort.Search(len(r.Checks), func(i int) bool { return r.Checks[i].Name >= name })
	if i < len(r.Checks) && r.Checks[i].Name == name {
		return r.Checks[i], true
	}
	return Check{}, false
}
