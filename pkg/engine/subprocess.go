package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/dd0wney/cluso-bigraph/pkg/logging"
)

// DefaultTimeout bounds one engine invocation
const DefaultTimeout = 15 * time.Second

const (
	canApplyMarker = "Can apply rule:"
	appliedMarker  = "Rule applied successfully!"
)

// Subprocess runs `<Binary> [Args...] <rule> <state>` and parses its
// stdout.
type Subprocess struct {
	Binary  string
	Args    []string
	Timeout time.Duration
	Logger  logging.Logger
}

// NewSubprocess creates an engine around binary with the default timeout
func NewSubprocess(binary string, logger logging.Logger) *Subprocess {
	return &Subprocess{Binary: binary, Timeout: DefaultTimeout, Logger: logging.OrNop(logger)}
}

// Apply implements Engine. A timeout is reported as NoMatch; a binary
// that cannot be started is Failed.
func (s *Subprocess) Apply(ctx context.Context, rulePath, statePath string) Result {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string(nil), s.Args...), rulePath, statePath)
	cmd := exec.CommandContext(ctx, s.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	out := stdout.String()
	logger := logging.OrNop(s.Logger)

	if ctx.Err() == context.DeadlineExceeded {
		logger.Warn("rule engine timed out", logging.Path(rulePath), logging.Duration("timeout", timeout))
		return Result{Outcome: NoMatch, Output: out, Err: ctx.Err()}
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return Result{Outcome: Failed, Output: out, Err: fmt.Errorf("start rule engine %s: %w", s.Binary, err)}
	}

	res := Classify(out, err == nil)
	if err != nil && res.Outcome == NoMatch {
		res.Err = fmt.Errorf("rule engine exited: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	logger.Debug("rule engine finished",
		logging.Path(rulePath),
		logging.String("outcome", res.Outcome.String()),
		logging.Bool("applied", res.Applied))
	return res
}

// Classify interprets engine stdout. An explicit "Can apply rule" line
// decides the outcome; without one the exit status does.
func Classify(stdout string, exitOK bool) Result {
	res := Result{Outcome: NoMatch, Output: stdout}
	sawVerdict := false
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, canApplyMarker):
			sawVerdict = true
			verdict := strings.TrimSpace(strings.TrimPrefix(line, canApplyMarker))
			if strings.EqualFold(verdict, "true") {
				res.Outcome = Matched
			} else {
				res.Outcome = NoMatch
			}
		case strings.HasPrefix(line, appliedMarker):
			res.Applied = true
		}
	}
	if !sawVerdict && exitOK {
		res.Outcome = Matched
		res.Applied = true
	}
	if res.Outcome == NoMatch {
		res.Applied = false
	}
	return res
}
