package oracle

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Ollama pipes the prompt into `ollama run <model>`
type Ollama struct {
	Binary string
	Model  string
}

// NewOllama creates a local-model backend. binary defaults to "ollama".
func NewOllama(model, binary string) *Ollama {
	if binary == "" {
		binary = "ollama"
	}
	return &Ollama{Binary: binary, Model: model}
}

// Decide implements Oracle. The caller's context bounds the run.
func (o *Ollama) Decide(ctx context.Context, prompt string) (string, error) {
	cmd := exec.CommandContext(ctx, o.Binary, "run", o.Model)
	cmd.Stdin = strings.NewReader(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return stdout.String(), ctx.Err()
		}
		return stdout.String(), fmt.Errorf("ollama run %s: %w: %s", o.Model, err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
