// Package daemon runs the discover-and-fix polling loop under a
// single-instance lock.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clintrovert/autofix/internal/fixer"
	"github.com/clintrovert/autofix/internal/github"
	"github.com/clintrovert/autofix/internal/ledger"
	"github.com/clintrovert/autofix/pkg/types"
)

// State is a daemon lifecycle phase
type State int32

const (
	StateStarting State = iota
	StateLocking
	StateInitializing
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateLocking:
		return "LOCKING"
	case StateInitializing:
		return "INITIALIZING"
	case StateRunning:
		return "RUNNING"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Discoverer finds actionable bug reports
type Discoverer interface {
	Discover(ctx context.Context) ([]types.BugReport, error)
}

// Fixer applies fixes to a pull request branch
type Fixer interface {
	Check() error
	FixOnBranch(ctx context.Context, pr types.PullRequestRef, bugs []types.BugRecord) (*fixer.Result, error)
}

// Recorder persists outcomes
type Recorder interface {
	RecordOutcomes(ctx context.Context, entries []ledger.Entry, outcome ledger.Outcome) error
}

// Commenter posts the fix summary on a pull request
type Commenter interface {
	PostComment(ctx context.Context, owner, repo string, number int, body string) error
}

// Options configures the daemon
type Options struct {
	LockPath string
	Interval time.Duration
}

// CycleStats summarizes one poll cycle
type CycleStats struct {
	Reports   int
	Fixed     int
	Unchanged int
	Failed    int
}

// Daemon polls for bug reports and fixes them one pull request at a time
type Daemon struct {
	opts       Options
	discoverer Discoverer
	fixer      Fixer
	recorder   Recorder
	commenter  Commenter
	logger     *zap.Logger
	state      atomic.Int32
}

// New creates a new daemon
func New(
	opts Options,
	discoverer Discoverer,
	fixer Fixer,
	recorder Recorder,
	commenter Commenter,
	logger *zap.Logger,
) *Daemon {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	return &Daemon{
		opts:       opts,
		discoverer: discoverer,
		fixer:      fixer,
		recorder:   recorder,
		commenter:  commenter,
		logger:     logger,
	}
}

// State returns the current lifecycle phase
func (d *Daemon) State() State {
	return State(d.state.Load())
}

func (d *Daemon) setState(s State) {
	d.state.Store(int32(s))
	d.logger.Info("daemon state changed", zap.Stringer("state", s))
}

// Run acquires the lock, checks the fixer and polls until ctx is cancelled.
// It returns nil on graceful shutdown and an error when startup fails.
func (d *Daemon) Run(ctx context.Context) error {
	d.setState(StateLocking)
	lock, err := AcquireLock(d.opts.LockPath)
	if err != nil {
		d.setState(StateStopped)
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			d.logger.Error("failed to release lock", zap.Error(err))
		}
		d.setState(StateStopped)
	}()

	d.setState(StateInitializing)
	if err := d.fixer.Check(); err != nil {
		return fmt.Errorf("fixer preflight failed: %w", err)
	}

	d.setState(StateRunning)
	d.logger.Info("polling",
		zap.String("lock", lock.Path()),
		zap.Duration("interval", d.opts.Interval),
	)
	d.loop(ctx)

	d.setState(StateShuttingDown)
	return nil
}

func (d *Daemon) loop(ctx context.Context) {
	timer := time.NewTimer(d.opts.Interval)
	defer timer.Stop()

	for ctx.Err() == nil {
		d.RunCycle(ctx)

		timer.Reset(d.opts.Interval)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// RunCycle discovers reports and processes them in order. Cancelling ctx
// stops before the next report; a report already being fixed runs to
// completion.
func (d *Daemon) RunCycle(ctx context.Context) CycleStats {
	logger := d.logger.With(zap.String("cycle_id", uuid.NewString()))
	start := time.Now()

	reports, err := d.discoverer.Discover(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		logger.Info("discovery interrupted by shutdown", zap.Int("reports", len(reports)))
	case err != nil:
		logger.Error("discovery failed", zap.Error(err))
	}

	stats := CycleStats{Reports: len(reports)}
	for i, report := range reports {
		if ctx.Err() != nil {
			logger.Info("shutdown requested, leaving remaining reports for the next run",
				zap.Int("remaining", len(reports)-i),
			)
			break
		}

		switch outcome := d.processReport(context.WithoutCancel(ctx), logger, report); {
		case !outcome.IsTerminal():
			stats.Failed++
		case outcome == ledger.OutcomeNoChange:
			stats.Unchanged++
		default:
			stats.Fixed++
		}
	}

	logger.Info("cycle complete",
		zap.Int("reports", stats.Reports),
		zap.Int("fixed", stats.Fixed),
		zap.Int("unchanged", stats.Unchanged),
		zap.Int("failed", stats.Failed),
		zap.Duration("duration", time.Since(start)),
	)
	return stats
}

// processReport fixes one pull request and records the outcome for every bug
// in the report.
func (d *Daemon) processReport(ctx context.Context, logger *zap.Logger, report types.BugReport) ledger.Outcome {
	logger = logger.With(zap.String("pr", report.PR.String()))
	logger.Info("fixing bugs", zap.Int("bugs", len(report.Bugs)))

	result, fixErr := d.fixer.FixOnBranch(ctx, report.PR, report.Bugs)

	var outcome ledger.Outcome
	switch {
	case fixErr != nil:
		logger.Error("fix failed, will retry next cycle", zap.Error(fixErr))
		outcome = ledger.OutcomeFailed
	case result == nil:
		logger.Info("fix made no changes")
		outcome = ledger.OutcomeNoChange
	default:
		logger.Info("fix pushed", zap.String("commit", result.CommitID))
		outcome = ledger.CommitOutcome(result.CommitID)
	}

	entries := make([]ledger.Entry, 0, len(report.Bugs))
	for _, bug := range report.Bugs {
		entries = append(entries, ledger.Entry{
			BugID:    bug.BugID,
			Repo:     report.PR.FullName(),
			PRNumber: report.PR.Number,
		})
	}
	if err := d.recorder.RecordOutcomes(ctx, entries, outcome); err != nil {
		logger.Error("failed to record outcome", zap.String("outcome", string(outcome)), zap.Error(err))
		return outcome
	}

	if fixErr == nil && result != nil {
		summary := github.BuildFixSummary(result.CommitID, result.FixedBugs)
		if err := d.commenter.PostComment(ctx, report.PR.Owner, report.PR.Repo, report.PR.Number, summary); err != nil {
			logger.Warn("failed to post fix summary", zap.Error(err))
		}
	}
	return outcome
}
