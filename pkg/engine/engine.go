// Package engine runs rewrite rules against a tier's state file. The
// rewriting itself happens in an external rule engine binary; this
// package only drives it and classifies what it reports.
package engine

import (
	"context"
	"fmt"
)

// Outcome classifies one rule application
type Outcome int

const (
	// NoMatch means the redex did not occur in the state, or the engine
	// ran out of time deciding.
	NoMatch Outcome = iota
	// Matched means the rule could apply. Result.Applied says whether the
	// state file was rewritten.
	Matched
	// Failed means the engine could not be run at all
	Failed
)

func (o Outcome) String() string {
	switch o {
	case NoMatch:
		return "no_match"
	case Matched:
		return "matched"
	case Failed:
		return "engine_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the typed outcome of Apply
type Result struct {
	Outcome Outcome
	Applied bool
	Output  string
	Err     error
}

// Engine applies the rule stored at rulePath to the state at statePath,
// rewriting the state file in place on success.
type Engine interface {
	Apply(ctx context.Context, rulePath, statePath string) Result
}

// Func adapts a function to Engine
type Func func(ctx context.Context, rulePath, statePath string) Result

// Apply calls f
func (f Func) Apply(ctx context.Context, rulePath, statePath string) Result {
	return f(ctx, rulePath, statePath)
}
