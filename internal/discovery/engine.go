// Package discovery finds pull requests with bot-reported bugs that have not
// been handled yet.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clintrovert/autofix/internal/ledger"
	"github.com/clintrovert/autofix/pkg/types"
)

// DefaultLookback bounds the comment scan when no bug is pending retry
const DefaultLookback = 7 * 24 * time.Hour

// Scanner reads remote pull request state
type Scanner interface {
	ListBotComments(ctx context.Context, owner, repo string, since *time.Time) ([]types.PRComments, error)
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*types.PullRequestRef, error)
	GetResolvedSourceCommentIDs(ctx context.Context, owner, repo string, number int) (map[int64]struct{}, error)
	ListOwnerRepos(ctx context.Context, owner string) ([]types.RepoRef, error)
}

// Parser turns bot comments into bugs
type Parser interface {
	IsFromBot(c types.ReviewComment) bool
	Parse(c types.ReviewComment) (*types.BugRecord, bool)
}

// Ledger is the subset of the ledger discovery reads and writes
type Ledger interface {
	IsBugProcessed(ctx context.Context, bugID string) (bool, error)
	HasFailedBugs(ctx context.Context, repo string) (bool, error)
	RecordOutcomes(ctx context.Context, entries []ledger.Entry, outcome ledger.Outcome) error
}

// Options configures the engine
type Options struct {
	Repos              []types.RepoRef
	Orgs               []string
	Lookback           time.Duration
	ScopeFailedPerRepo bool
	Now                func() time.Time
}

// Engine computes the actionable bug reports for one cycle
type Engine struct {
	scanner Scanner
	parser  Parser
	ledger  Ledger
	opts    Options
	logger  *zap.Logger
}

// New creates a new discovery engine
func New(scanner Scanner, parser Parser, l Ledger, opts Options, logger *zap.Logger) *Engine {
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		scanner: scanner,
		parser:  parser,
		ledger:  l,
		opts:    opts,
		logger:  logger,
	}
}

// MonitoredRepos returns the configured repositories plus every repository
// of the configured organizations, deduplicated by owner/name.
func (e *Engine) MonitoredRepos(ctx context.Context) ([]types.RepoRef, error) {
	if len(e.opts.Repos) == 0 && len(e.opts.Orgs) == 0 {
		return nil, errors.New("no repositories or organizations configured")
	}

	seen := make(map[string]bool)
	var repos []types.RepoRef
	add := func(r types.RepoRef) {
		if seen[r.Key()] {
			return
		}
		seen[r.Key()] = true
		repos = append(repos, r)
	}

	for _, r := range e.opts.Repos {
		add(r)
	}
	for _, org := range e.opts.Orgs {
		orgRepos, err := e.scanner.ListOwnerRepos(ctx, org)
		if err != nil {
			e.logger.Error("failed to list organization repositories",
				zap.String("org", org),
				zap.Error(err),
			)
			continue
		}
		for _, r := range orgRepos {
			add(r)
		}
	}

	return repos, nil
}

// Discover scans every monitored repository and returns one report per pull
// request with at least one actionable bug. A failure in one repository is
// logged and does not stop the scan of the others.
func (e *Engine) Discover(ctx context.Context) ([]types.BugReport, error) {
	repos, err := e.MonitoredRepos(ctx)
	if err != nil {
		return nil, err
	}

	var reports []types.BugReport
	for _, repo := range repos {
		if err := ctx.Err(); err != nil {
			return reports, err
		}

		repoReports, err := e.scanRepo(ctx, repo)
		if err != nil {
			e.logger.Error("failed to scan repository",
				zap.String("repo", repo.FullName()),
				zap.Error(err),
			)
			continue
		}
		reports = append(reports, repoReports...)
	}

	e.logger.Info("discovery complete",
		zap.Int("repos", len(repos)),
		zap.Int("reports", len(reports)),
	)
	return reports, nil
}

func (e *Engine) scanRepo(ctx context.Context, repo types.RepoRef) ([]types.BugReport, error) {
	since, err := e.since(ctx, repo)
	if err != nil {
		return nil, err
	}

	groups, err := e.scanner.ListBotComments(ctx, repo.Owner, repo.Name, since)
	if err != nil {
		return nil, err
	}

	var reports []types.BugReport
	for _, group := range groups {
		report, err := e.filterPR(ctx, repo, group)
		if err != nil {
			e.logger.Warn("skipping pull request this cycle",
				zap.String("repo", repo.FullName()),
				zap.Int("pr_number", group.Number),
				zap.Error(err),
			)
			continue
		}
		if report != nil {
			reports = append(reports, *report)
		}
	}
	return reports, nil
}

// since returns the scan lower bound: nil (full history) while any bug is
// pending retry, otherwise now minus the lookback window.
func (e *Engine) since(ctx context.Context, repo types.RepoRef) (*time.Time, error) {
	scope := ""
	if e.opts.ScopeFailedPerRepo {
		scope = repo.FullName()
	}

	failed, err := e.ledger.HasFailedBugs(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("check failed bugs: %w", err)
	}
	if failed {
		e.logger.Debug("failed bugs pending retry, scanning full history",
			zap.String("repo", repo.FullName()),
		)
		return nil, nil
	}

	since := e.opts.Now().Add(-e.opts.Lookback)
	return &since, nil
}

// filterPR applies the cheapest checks first: local parsing and ledger
// lookups, then PR state, then resolved review threads.
func (e *Engine) filterPR(ctx context.Context, repo types.RepoRef, group types.PRComments) (*types.BugReport, error) {
	candidates, err := e.candidates(ctx, group)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	pr, err := e.scanner.GetPullRequest(ctx, repo.Owner, repo.Name, group.Number)
	if err != nil {
		return nil, fmt.Errorf("get pull request: %w", err)
	}
	if pr == nil {
		e.logger.Info("pull request closed or inaccessible, skipping its bugs",
			zap.String("repo", repo.FullName()),
			zap.Int("pr_number", group.Number),
			zap.Int("bugs", len(candidates)),
		)
		if err := e.ledger.RecordOutcomes(ctx, entries(repo, group.Number, candidates), ledger.OutcomeSkippedPRClosed); err != nil {
			return nil, fmt.Errorf("record closed pull request: %w", err)
		}
		return nil, nil
	}

	resolved, err := e.scanner.GetResolvedSourceCommentIDs(ctx, repo.Owner, repo.Name, group.Number)
	if err != nil {
		return nil, fmt.Errorf("get resolved threads: %w", err)
	}

	var actionable, skipped []types.BugRecord
	for _, bug := range candidates {
		if _, ok := resolved[bug.SourceCommentID]; ok {
			skipped = append(skipped, bug)
			continue
		}
		actionable = append(actionable, bug)
	}

	if len(skipped) > 0 {
		e.logger.Info("review threads resolved, skipping bugs",
			zap.String("pr", pr.String()),
			zap.Int("bugs", len(skipped)),
		)
		if err := e.ledger.RecordOutcomes(ctx, entries(repo, group.Number, skipped), ledger.OutcomeSkippedResolved); err != nil {
			return nil, fmt.Errorf("record resolved bugs: %w", err)
		}
	}

	if len(actionable) == 0 {
		return nil, nil
	}

	e.logger.Info("found unprocessed bugs",
		zap.String("pr", pr.String()),
		zap.Int("bugs", len(actionable)),
	)
	return &types.BugReport{PR: *pr, Bugs: actionable}, nil
}

// candidates parses the comments and drops bugs the ledger already settled
func (e *Engine) candidates(ctx context.Context, group types.PRComments) ([]types.BugRecord, error) {
	var bugs []types.BugRecord
	seen := make(map[string]bool)

	for _, c := range group.Comments {
		if !e.parser.IsFromBot(c) {
			continue
		}
		bug, ok := e.parser.Parse(c)
		if !ok {
			continue
		}
		if seen[bug.BugID] {
			continue
		}
		seen[bug.BugID] = true

		processed, err := e.ledger.IsBugProcessed(ctx, bug.BugID)
		if err != nil {
			return nil, err
		}
		if processed {
			continue
		}
		bugs = append(bugs, *bug)
	}
	return bugs, nil
}

func entries(repo types.RepoRef, number int, bugs []types.BugRecord) []ledger.Entry {
	out := make([]ledger.Entry, 0, len(bugs))
	for _, bug := range bugs {
		out = append(out, ledger.Entry{BugID: bug.BugID, Repo: repo.FullName(), PRNumber: number})
	}
	return out
}
