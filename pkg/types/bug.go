package types

import (
	"fmt"
	"strings"
	"time"
)

// Severity is the ordered severity the review bot assigns to a bug
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// ParseSeverity parses a case-insensitive severity name
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	}
	return SeverityLow, fmt.Errorf("unknown severity %q", s)
}

// ReviewComment is a raw pull request review comment as returned by GitHub
type ReviewComment struct {
	ID        int64
	PRNumber  int
	Author    string
	Body      string
	Path      string
	StartLine int
	Line      int
	CommitID  string
	CreatedAt time.Time
}

// PRComments groups the bot's review comments for one pull request
type PRComments struct {
	Number   int
	Comments []ReviewComment
}

// BugRecord is one bug extracted from a bot comment. BugID identifies the
// logical bug across all repositories and re-fetches of the same comment.
type BugRecord struct {
	BugID           string
	Title           string
	Severity        Severity
	Description     string
	FilePath        string
	StartLine       int // 0 when unknown
	EndLine         int // 0 when unknown
	CommitID        string
	SourceCommentID int64
}

// Location renders "path:start-end" for humans
func (b BugRecord) Location() string {
	switch {
	case b.FilePath == "":
		return ""
	case b.StartLine > 0 && b.EndLine > b.StartLine:
		return fmt.Sprintf("%s:%d-%d", b.FilePath, b.StartLine, b.EndLine)
	case b.StartLine > 0:
		return fmt.Sprintf("%s:%d", b.FilePath, b.StartLine)
	default:
		return b.FilePath
	}
}

// BugReport is a pull request with its actionable bugs for one cycle
type BugReport struct {
	PR   PullRequestRef
	Bugs []BugRecord
}
