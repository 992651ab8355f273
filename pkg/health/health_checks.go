package health

import (
	"context"
	"time"
)

// TierStateCheck reports the agent state. DEGRADED is degraded; INIT and
// AWAITING_GRAPH are unhealthy when ready is set, since the tier cannot
// act on events yet.
func TierStateCheck(state func() string, ready bool) CheckFunc {
	return func(ctx context.Context) Check {
		s := state()
		check := Check{
			Name:    "tier_state",
			Message: s,
			Details: map[string]any{"state": s},
		}

		switch s {
		case "DEGRADED":
			check.Status = StatusDegraded
		case "INIT", "AWAITING_GRAPH":
			if ready {
				check.Status = StatusUnhealthy
			} else {
				check.Status = StatusHealthy
			}
		default:
			check.Status = StatusHealthy
		}
		return check
	}
}

// BrokerCheck pings the message broker within timeout
func BrokerCheck(ping func(ctx context.Context) error, timeout time.Duration) CheckFunc {
	return PingCheck("broker", ping, timeout)
}

// PingCheck reports a dependency unhealthy when ping fails within timeout
func PingCheck(name string, ping func(ctx context.Context) error, timeout time.Duration) CheckFunc {
	return func(ctx context.Context) Check {
		check := Check{
			Name: name,
		}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := ping(ctx); err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
		} else {
			check.Status = StatusHealthy
			check.Message = "Connected"
		}
		return check
	}
}

// GraphCheck reports the size of the canonical graph and how old its
// revision is. A graph older than maxAge is degraded; maxAge 0 disables
// the age test.
func GraphCheck(graph func() (nodes int, revTS int64), maxAge time.Duration) CheckFunc {
	return func(ctx context.Context) Check {
		check := Check{
			Name:    "graph",
			Details: make(map[string]any),
		}

		nodes, revTS := graph()
		check.Details["nodes"] = nodes
		check.Details["rev_ts"] = revTS

		if nodes == 0 {
			check.Status = StatusDegraded
			check.Message = "No graph loaded"
			return check
		}

		if maxAge > 0 && revTS > 0 {
			age := time.Since(time.UnixMilli(revTS))
			check.Details["age_seconds"] = age.Seconds()
			if age > maxAge {
				check.Status = StatusDegraded
				check.Message = "Graph revision is old"
				return check
			}
		}

		check.Status = StatusHealthy
		check.Message = "Graph loaded"
		return check
	}
}

// PendingCheck reports how full the pending-event buffer is
func PendingCheck(pending func() (size, capacity int)) CheckFunc {
	return func(ctx context.Context) Check {
		check := Check{
			Name:    "pending_events",
			Details: make(map[string]any),
		}

		size, capacity := pending()
		check.Details["size"] = size
		check.Details["capacity"] = capacity

		if capacity > 0 && size >= capacity {
			check.Status = StatusDegraded
			check.Message = "Pending buffer full"
		} else {
			check.Status = StatusHealthy
		}
		return check
	}
}
