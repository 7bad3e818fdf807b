package ledger

const schema = `
CREATE TABLE IF NOT EXISTS processed_bugs (
    bug_id TEXT PRIMARY KEY,
    repo TEXT NOT NULL,
    pr_number INTEGER NOT NULL,
    processed_at TIMESTAMP NOT NULL,
    outcome TEXT
);

CREATE INDEX IF NOT EXISTS idx_processed_bugs_pr ON processed_bugs(repo, pr_number);
CREATE INDEX IF NOT EXISTS idx_processed_bugs_outcome ON processed_bugs(outcome);
`
