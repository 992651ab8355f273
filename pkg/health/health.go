// Package health aggregates liveness and readiness checks for a tier
// process and serves them over HTTP.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// checkSet is a named set of probes safe for concurrent registration
type checkSet struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

func (s *checkSet) add(name string, fn CheckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checks == nil {
		s.checks = make(map[string]CheckFunc)
	}
	s.checks[name] = fn
}

func (s *checkSet) copy() map[string]CheckFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]CheckFunc, len(s.checks))
	for k, v := range s.checks {
		out[k] = v
	}
	return out
}

// HealthChecker holds a tier's liveness and readiness probes
type HealthChecker struct {
	live    checkSet
	ready   checkSet
	started time.Time
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{started: time.Now()}
}

// RegisterCheck adds a liveness probe, replacing one of the same name
func (hc *HealthChecker) RegisterCheck(name string, check CheckFunc) {
	hc.live.add(name, check)
}

// RegisterReadinessCheck adds a readiness probe
func (hc *HealthChecker) RegisterReadinessCheck(name string, check CheckFunc) {
	hc.ready.add(name, check)
}

// Check runs the liveness probes
func (hc *HealthChecker) Check(ctx context.Context) Report {
	return hc.run(ctx, hc.live.copy())
}

// CheckReadiness runs the readiness probes
func (hc *HealthChecker) CheckReadiness(ctx context.Context) Report {
	return hc.run(ctx, hc.ready.copy())
}

// run probes concurrently; the report status is the worst check status
func (hc *HealthChecker) run(ctx context.Context, probes map[string]CheckFunc) Report {
	report := Report{
		Status: StatusHealthy,
		Time:   time.Now(),
		Uptime: time.Since(hc.started).Seconds(),
		Checks: make([]Check, 0, len(probes)),
	}

	results := make(chan Check, len(probes))
	var wg sync.WaitGroup
	for name, fn := range probes {
		wg.Add(1)
		go func(name string, fn CheckFunc) {
			defer wg.Done()
			start := time.Now()
			c := fn(ctx)
			if c.Name == "" {
				c.Name = name
			}
			c.CheckedAt = start
			c.Took = Millis(time.Since(start))
			results <- c
		}(name, fn)
	}
	wg.Wait()
	close(results)

	for c := range results {
		report.Checks = append(report.Checks, c)
		report.Status = worse(report.Status, c.Status)
	}
	sort.Slice(report.Checks, func(i, j int) bool { return report.Checks[i].Name < report.Checks[j].Name })
	return report
}
