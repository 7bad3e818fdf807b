package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/clintrovert/autofix/internal/fixer"
	"github.com/clintrovert/autofix/internal/ledger"
	"github.com/clintrovert/autofix/pkg/types"
)

type fakeDiscoverer struct {
	mu      sync.Mutex
	calls   int
	reports []types.BugReport
	err     error
	onCall  func(call int)
	called  chan struct{}
}

func (d *fakeDiscoverer) Discover(ctx context.Context) ([]types.BugReport, error) {
	d.mu.Lock()
	d.calls++
	call := d.calls
	d.mu.Unlock()

	if d.onCall != nil {
		d.onCall(call)
	}
	if d.called != nil {
		select {
		case d.called <- struct{}{}:
		default:
		}
	}
	return d.reports, d.err
}

func (d *fakeDiscoverer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeFixer struct {
	checkErr error
	fix      func(ctx context.Context, pr types.PullRequestRef, bugs []types.BugRecord) (*fixer.Result, error)
	fixed    []int
}

func (f *fakeFixer) Check() error { return f.checkErr }

func (f *fakeFixer) FixOnBranch(ctx context.Context, pr types.PullRequestRef, bugs []types.BugRecord) (*fixer.Result, error) {
	f.fixed = append(f.fixed, pr.Number)
	if f.fix == nil {
		return nil, nil
	}
	return f.fix(ctx, pr, bugs)
}

type fakeCommenter struct {
	err      error
	comments map[int]string
}

func (c *fakeCommenter) PostComment(ctx context.Context, owner, repo string, number int, body string) error {
	if c.comments == nil {
		c.comments = make(map[int]string)
	}
	c.comments[number] = body
	return c.err
}

func report(number int, bugIDs ...string) types.BugReport {
	r := types.BugReport{PR: types.PullRequestRef{Owner: "acme", Repo: "widgets", Number: number, HeadRef: "feature"}}
	for _, id := range bugIDs {
		r.Bugs = append(r.Bugs, types.BugRecord{BugID: id, Title: "Bug " + id, Severity: types.SeverityMedium})
	}
	return r
}

func newLedger(t *testing.T) *ledger.Store {
	t.Helper()
	store, err := ledger.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func outcomes(t *testing.T, store *ledger.Store, pr int) map[string]ledger.Outcome {
	t.Helper()
	entries, err := store.EntriesFor(context.Background(), "acme/widgets", pr)
	require.NoError(t, err)
	out := make(map[string]ledger.Outcome)
	for _, e := range entries {
		out[e.BugID] = e.Outcome
	}
	return out
}

func TestRunCycle_RecordsEachOutcome(t *testing.T) {
	store := newLedger(t)
	disc := &fakeDiscoverer{reports: []types.BugReport{
		report(1, "a1", "a2"),
		report(2, "b1"),
		report(3, "c1"),
	}}
	fx := &fakeFixer{fix: func(ctx context.Context, pr types.PullRequestRef, bugs []types.BugRecord) (*fixer.Result, error) {
		switch pr.Number {
		case 1:
			return &fixer.Result{CommitID: "0123456789abcdef", FixedBugs: bugs}, nil
		case 2:
			return nil, errors.New("push rejected")
		default:
			return nil, nil
		}
	}}
	commenter := &fakeCommenter{}
	d := New(Options{}, disc, fx, store, commenter, zaptest.NewLogger(t))

	stats := d.RunCycle(context.Background())
	assert.Equal(t, CycleStats{Reports: 3, Fixed: 1, Unchanged: 1, Failed: 1}, stats)
	assert.Equal(t, []int{1, 2, 3}, fx.fixed, "one failure does not stop the cycle")

	assert.Equal(t, map[string]ledger.Outcome{
		"a1": ledger.CommitOutcome("0123456789abcdef"),
		"a2": ledger.CommitOutcome("0123456789abcdef"),
	}, outcomes(t, store, 1))
	assert.Equal(t, map[string]ledger.Outcome{"b1": ledger.OutcomeFailed}, outcomes(t, store, 2))
	assert.Equal(t, map[string]ledger.Outcome{"c1": ledger.OutcomeNoChange}, outcomes(t, store, 3))

	require.Len(t, commenter.comments, 1)
	assert.Contains(t, commenter.comments[1], "0123456")

	processed, err := store.IsBugProcessed(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, processed, "no-change outcomes are not retried")
}

func TestRunCycle_CommentFailureKeepsOutcome(t *testing.T) {
	store := newLedger(t)
	disc := &fakeDiscoverer{reports: []types.BugReport{report(1, "a1")}}
	fx := &fakeFixer{fix: func(ctx context.Context, pr types.PullRequestRef, bugs []types.BugRecord) (*fixer.Result, error) {
		return &fixer.Result{CommitID: "feedface", FixedBugs: bugs}, nil
	}}
	d := New(Options{}, disc, fx, store, &fakeCommenter{err: errors.New("403")}, zaptest.NewLogger(t))

	stats := d.RunCycle(context.Background())
	assert.Equal(t, 1, stats.Fixed)
	assert.Equal(t, map[string]ledger.Outcome{"a1": ledger.CommitOutcome("feedface")}, outcomes(t, store, 1))
}

func TestRunCycle_DiscoveryErrorIsContained(t *testing.T) {
	disc := &fakeDiscoverer{err: errors.New("api outage")}
	fx := &fakeFixer{}
	d := New(Options{}, disc, fx, newLedger(t), &fakeCommenter{}, zaptest.NewLogger(t))

	stats := d.RunCycle(context.Background())
	assert.Equal(t, CycleStats{}, stats)
	assert.Empty(t, fx.fixed)
}

func TestRunCycle_DiscoveryLogLevels(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		level   zapcore.Level
		message string
	}{
		{"outage", errors.New("api outage"), zapcore.ErrorLevel, "discovery failed"},
		{"shutdown", fmt.Errorf("scan: %w", context.Canceled), zapcore.InfoLevel, "discovery interrupted by shutdown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			disc := &fakeDiscoverer{err: tt.err}
			d := New(Options{}, disc, &fakeFixer{}, newLedger(t), &fakeCommenter{}, zap.New(core))

			d.RunCycle(context.Background())

			entries := logs.FilterMessage(tt.message).All()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.level, entries[0].Level)
			if tt.level != zapcore.ErrorLevel {
				assert.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
			}
		})
	}
}

func TestRunCycle_ShutdownFinishesInFlightReport(t *testing.T) {
	store := newLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	disc := &fakeDiscoverer{reports: []types.BugReport{report(1, "a1"), report(2, "b1")}}
	fx := &fakeFixer{fix: func(fixCtx context.Context, pr types.PullRequestRef, bugs []types.BugRecord) (*fixer.Result, error) {
		cancel()
		if err := fixCtx.Err(); err != nil {
			return nil, err
		}
		return &fixer.Result{CommitID: "abc1234", FixedBugs: bugs}, nil
	}}
	d := New(Options{}, disc, fx, store, &fakeCommenter{}, zaptest.NewLogger(t))

	stats := d.RunCycle(ctx)
	assert.Equal(t, []int{1}, fx.fixed)
	assert.Equal(t, 1, stats.Fixed)
	assert.Equal(t, map[string]ledger.Outcome{"a1": ledger.CommitOutcome("abc1234")}, outcomes(t, store, 1))
	assert.Empty(t, outcomes(t, store, 2))
}

func TestRun_ShutdownInterruptsSleep(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "autofixd.lock")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	disc := &fakeDiscoverer{called: make(chan struct{}, 1)}
	d := New(Options{LockPath: lockPath, Interval: time.Hour}, disc, &fakeFixer{}, newLedger(t), &fakeCommenter{}, zaptest.NewLogger(t))
	assert.Equal(t, StateStarting, d.State())

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case <-disc.called:
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle never ran")
	}
	require.Eventually(t, func() bool { return d.State() == StateRunning }, 5*time.Second, 5*time.Millisecond)

	_, err := os.Stat(lockPath)
	require.NoError(t, err, "lock is held while running")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}

	assert.Equal(t, StateStopped, d.State())
	assert.Equal(t, 1, disc.Calls(), "no new cycle starts after shutdown")
	_, err = os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err), "lock is released on exit")
}

func TestRun_PollsEveryInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	disc := &fakeDiscoverer{onCall: func(call int) {
		if call == 3 {
			cancel()
		}
	}}
	d := New(Options{LockPath: filepath.Join(t.TempDir(), "autofixd.lock"), Interval: 10 * time.Millisecond},
		disc, &fakeFixer{}, newLedger(t), &fakeCommenter{}, zaptest.NewLogger(t))

	require.NoError(t, d.Run(ctx))
	assert.Equal(t, 3, disc.Calls())
}

func TestRun_LockHeldByLiveInstance(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "autofixd.lock")
	writeLock(t, lockPath, strconv.Itoa(livePID(t)))

	store := newLedger(t)
	disc := &fakeDiscoverer{reports: []types.BugReport{report(1, "a1")}}
	fx := &fakeFixer{}
	d := New(Options{LockPath: lockPath, Interval: time.Millisecond}, disc, fx, store, &fakeCommenter{}, zaptest.NewLogger(t))

	err := d.Run(context.Background())
	require.ErrorIs(t, err, ErrLockHeld)
	assert.Equal(t, StateStopped, d.State())
	assert.Zero(t, disc.Calls())
	assert.Empty(t, fx.fixed)
	assert.Empty(t, outcomes(t, store, 1), "a refused instance writes nothing")

	_, statErr := os.Stat(lockPath)
	assert.NoError(t, statErr, "the live instance keeps its lock")
}

func TestRun_ReclaimsStaleLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "autofixd.lock")
	writeLock(t, lockPath, strconv.Itoa(deadPID(t)))

	ctx, cancel := context.WithCancel(context.Background())
	disc := &fakeDiscoverer{onCall: func(int) { cancel() }}
	d := New(Options{LockPath: lockPath, Interval: time.Hour}, disc, &fakeFixer{}, newLedger(t), &fakeCommenter{}, zaptest.NewLogger(t))

	require.NoError(t, d.Run(ctx))
	assert.Equal(t, 1, disc.Calls())
}

func TestRun_PreflightFailureReleasesLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "autofixd.lock")
	disc := &fakeDiscoverer{}
	fx := &fakeFixer{checkErr: fixer.ErrToolNotFound}
	d := New(Options{LockPath: lockPath}, disc, fx, newLedger(t), &fakeCommenter{}, zaptest.NewLogger(t))

	err := d.Run(context.Background())
	require.ErrorIs(t, err, fixer.ErrToolNotFound)
	assert.Zero(t, disc.Calls())
	assert.Equal(t, StateStopped, d.State())

	_, statErr := os.Stat(lockPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "SHUTTING_DOWN", StateShuttingDown.String())
	assert.Equal(t, "State(42)", State(42).String())
}
