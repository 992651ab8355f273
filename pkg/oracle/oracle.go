// Package oracle asks an external decision maker (a chat model) what a
// tier should do about an escalated event, and turns its free-text reply
// into a typed decision.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultTimeout bounds one oracle call
const DefaultTimeout = 60 * time.Second

// Oracle maps a prompt to a free-text reply
type Oracle interface {
	Decide(ctx context.Context, prompt string) (string, error)
}

// Func adapts a function to Oracle
type Func func(ctx context.Context, prompt string) (string, error)

// Decide calls f
func (f Func) Decide(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Ask calls the oracle under timeout and parses the reply. It never
// returns an error: failures become Unparseable or Timeout decisions.
func Ask(ctx context.Context, o Oracle, prompt string, timeout time.Duration) Decision {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	text, err := o.Decide(ctx, prompt)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Decision{Kind: KindTimeout, Raw: text, Err: context.DeadlineExceeded}
	}
	if err != nil {
		return Decision{Kind: KindUnparseable, Raw: text, Err: err}
	}
	return ParseDecision(text)
}

// New builds an oracle from a backend string: "openai/<model>" or
// "ollama/<model>".
func New(backend string, opts Options) (Oracle, error) {
	kind, model, ok := strings.Cut(backend, "/")
	if !ok || model == "" {
		return nil, fmt.Errorf("oracle backend %q: want <openai|ollama>/<model>", backend)
	}
	switch kind {
	case "openai":
		return NewOpenAI(opts.APIKey, opts.BaseURL, model)
	case "ollama":
		return NewOllama(model, opts.OllamaBinary), nil
	default:
		return nil, fmt.Errorf("unsupported oracle backend %q", kind)
	}
}

// Options carries backend credentials and paths
type Options struct {
	APIKey       string
	BaseURL      string
	OllamaBinary string
}
