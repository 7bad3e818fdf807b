// Package fixer applies fixes for reported bugs to a pull request branch.
package fixer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clintrovert/autofix/internal/github"
	"github.com/clintrovert/autofix/pkg/types"
)

// Result describes a pushed fix commit
type Result struct {
	CommitID  string
	FixedBugs []types.BugRecord
}

// Editor edits a checked-out working tree to fix bugs
type Editor interface {
	// Check verifies the editor can run at all
	Check() error
	Edit(ctx context.Context, dir string, pr types.PullRequestRef, bugs []types.BugRecord) error
}

// Workspace clones pull request branches and publishes commits
type Workspace interface {
	CheckoutPR(ctx context.Context, pr types.PullRequestRef) (*github.Checkout, error)
	Commit(c *github.Checkout, message string) (string, error)
	Push(ctx context.Context, c *github.Checkout) error
}

// Executor runs the editor on a pull request branch and pushes the result.
// Running it again for bugs it already fixed yields no change.
type Executor struct {
	workspace Workspace
	editor    Editor
	timeout   time.Duration
	logger    *zap.Logger
}

// NewExecutor creates a new fix executor. timeout bounds a single editor run.
func NewExecutor(workspace Workspace, editor Editor, timeout time.Duration, logger *zap.Logger) *Executor {
	return &Executor{
		workspace: workspace,
		editor:    editor,
		timeout:   timeout,
		logger:    logger,
	}
}

// Check verifies the external edit tooling is available
func (e *Executor) Check() error {
	return e.editor.Check()
}

// FixOnBranch fixes bugs on the head branch of pr. It returns nil when the
// editor made no changes.
func (e *Executor) FixOnBranch(ctx context.Context, pr types.PullRequestRef, bugs []types.BugRecord) (*Result, error) {
	if len(bugs) == 0 {
		return nil, nil
	}

	checkout, err := e.workspace.CheckoutPR(ctx, pr)
	if err != nil {
		return nil, fmt.Errorf("checkout: %w", err)
	}
	if pr.HeadSHA != "" && checkout.HeadSHA != pr.HeadSHA {
		e.logger.Warn("pull request head moved since discovery",
			zap.String("pr", pr.String()),
			zap.String("expected_sha", pr.HeadSHA),
			zap.String("actual_sha", checkout.HeadSHA),
		)
	}

	editCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		editCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	e.logger.Info("running editor",
		zap.String("pr", pr.String()),
		zap.Int("bugs", len(bugs)),
		zap.Duration("timeout", e.timeout),
	)
	if err := e.editor.Edit(editCtx, checkout.Dir, pr, bugs); err != nil {
		return nil, fmt.Errorf("edit: %w", err)
	}

	changed, err := checkout.HasChanges()
	if err != nil {
		return nil, err
	}
	if !changed {
		e.logger.Info("editor made no changes", zap.String("pr", pr.String()))
		return nil, nil
	}

	sha, err := e.workspace.Commit(checkout, github.BuildCommitMessage(bugs))
	if err != nil {
		return nil, err
	}
	if err := e.workspace.Push(ctx, checkout); err != nil {
		return nil, err
	}

	return &Result{CommitID: sha, FixedBugs: bugs}, nil
}
