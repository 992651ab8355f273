package graphql

import "fmt"

// LimitConfig bounds the nodes list query
type LimitConfig struct {
	DefaultLimit int // used when the query omits limit
	MaxLimit     int
}

// DefaultLimitConfig is sized for one building graph
func DefaultLimitConfig() *LimitConfig {
	return &LimitConfig{DefaultLimit: 500, MaxLimit: 5000}
}

// ValidateLimitConfig requires 0 < DefaultLimit <= MaxLimit
func ValidateLimitConfig(c *LimitConfig) error {
	switch {
	case c.DefaultLimit <= 0:
		return fmt.Errorf("graphql: default limit %d must be positive", c.DefaultLimit)
	case c.MaxLimit < c.DefaultLimit:
		return fmt.Errorf("graphql: max limit %d below default limit %d", c.MaxLimit, c.DefaultLimit)
	}
	return nil
}

// applyLimit maps a missing (negative) limit to the default and caps the
// rest at MaxLimit
func applyLimit(requested int, c *LimitConfig) int {
	if requested < 0 {
		return c.DefaultLimit
	}
	return min(requested, c.MaxLimit)
}
