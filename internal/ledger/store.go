// Package ledger is the durable record of every bug the daemon has handled.
//
// A bug whose outcome is anything other than FAILED is done for good and is
// never surfaced by discovery again. FAILED is the only retryable outcome.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Outcome is the recorded result of handling a bug. The empty outcome means
// the bug was handled but produced no code change; it is stored as NULL.
type Outcome string

const (
	OutcomeNoChange        Outcome = ""
	OutcomeFailed          Outcome = "FAILED"
	OutcomeSkippedPRClosed Outcome = "SKIPPED_PR_CLOSED"
	OutcomeSkippedResolved Outcome = "SKIPPED_RESOLVED"
)

// CommitOutcome records a successful fix by its commit sha
func CommitOutcome(sha string) Outcome {
	return Outcome(sha)
}

// IsTerminal reports whether the outcome removes the bug from discovery
func (o Outcome) IsTerminal() bool {
	return o != OutcomeFailed
}

// Entry identifies a bug to record
type Entry struct {
	BugID    string
	Repo     string
	PRNumber int
}

// ProcessedBug is one ledger row
type ProcessedBug struct {
	BugID       string    `json:"bug_id"`
	Repo        string    `json:"repo"`
	PRNumber    int       `json:"pr_number"`
	ProcessedAt time.Time `json:"processed_at"`
	Outcome     Outcome   `json:"outcome"`
}

// Store provides SQLite-backed ledger persistence
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New opens (creating if needed) the ledger at dbPath
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// Single writer; also keeps ":memory:" on one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure ledger: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// IsBugProcessed reports whether bugID has a non-FAILED outcome
func (s *Store) IsBugProcessed(ctx context.Context, bugID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM processed_bugs
		WHERE bug_id = ? AND (outcome IS NULL OR outcome != ?)
	`, bugID, string(OutcomeFailed)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query bug %s: %w", bugID, err)
	}
	return true, nil
}

// HasFailedBugs reports whether any bug is recorded FAILED. An empty repo
// checks the whole ledger; otherwise only that repository's rows.
func (s *Store) HasFailedBugs(ctx context.Context, repo string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM processed_bugs WHERE outcome = ?`
	args := []interface{}{string(OutcomeFailed)}
	if repo != "" {
		query += ` AND repo = ?`
		args = append(args, repo)
	}
	query += `)`

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("query failed bugs: %w", err)
	}
	return exists, nil
}

// RecordOutcomes upserts one row per entry with the given outcome in a single
// transaction. A later call for the same bug overwrites the earlier row.
func (s *Store) RecordOutcomes(ctx context.Context, entries []Entry, outcome Outcome) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO processed_bugs (bug_id, repo, pr_number, processed_at, outcome)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(bug_id) DO UPDATE SET
			repo = excluded.repo,
			pr_number = excluded.pr_number,
			processed_at = excluded.processed_at,
			outcome = excluded.outcome
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	var value sql.NullString
	if outcome != OutcomeNoChange {
		value = sql.NullString{String: string(outcome), Valid: true}
	}
	now := s.now().UTC()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.BugID, e.Repo, e.PRNumber, now, value); err != nil {
			return fmt.Errorf("upsert bug %s: %w", e.BugID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

// EntriesFor returns the ledger rows of one pull request
func (s *Store) EntriesFor(ctx context.Context, repo string, prNumber int) ([]ProcessedBug, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bug_id, repo, pr_number, processed_at, outcome
		FROM processed_bugs
		WHERE repo = ? AND pr_number = ?
		ORDER BY processed_at, bug_id
	`, repo, prNumber)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []ProcessedBug
	for rows.Next() {
		var e ProcessedBug
		var outcome sql.NullString
		if err := rows.Scan(&e.BugID, &e.Repo, &e.PRNumber, &e.ProcessedAt, &outcome); err != nil {
			return nil, err
		}
		if outcome.Valid {
			e.Outcome = Outcome(outcome.String)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
