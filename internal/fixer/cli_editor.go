package fixer

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/clintrovert/autofix/pkg/types"
)

// ErrToolNotFound means the external edit tool is not installed
var ErrToolNotFound = errors.New("edit tool not found")

const (
	maxLoggedOutput = 4096
	// waitDelay bounds how long output pipes may stay open after the tool
	// is killed.
	waitDelay = 10 * time.Second
)

// CLIEditor runs an external AI-assisted edit tool in the checkout, passing
// the prompt as the final argument.
type CLIEditor struct {
	command string
	args    []string
	logger  *zap.Logger
}

// NewCLIEditor creates an editor that runs command with args
func NewCLIEditor(command string, args []string, logger *zap.Logger) *CLIEditor {
	return &CLIEditor{command: command, args: args, logger: logger}
}

// Check verifies the command is on PATH
func (e *CLIEditor) Check() error {
	if _, err := exec.LookPath(e.command); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrToolNotFound, e.command, err)
	}
	return nil
}

// Edit runs the tool and waits for it to exit
func (e *CLIEditor) Edit(ctx context.Context, dir string, pr types.PullRequestRef, bugs []types.BugRecord) error {
	args := append(append([]string{}, e.args...), buildPrompt(pr, bugs))

	cmd := exec.CommandContext(ctx, e.command, args...)
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay
	output, err := cmd.CombinedOutput()

	e.logger.Debug("edit tool output",
		zap.String("pr", pr.String()),
		zap.String("output", tail(string(output), maxLoggedOutput)),
	)
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%s timed out", e.command)
	}
	if err != nil {
		return fmt.Errorf("%s: %w: %s", e.command, err, tail(string(output), 512))
	}
	return nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
