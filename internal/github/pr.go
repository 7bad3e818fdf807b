package github

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/clintrovert/autofix/pkg/types"
)

const maxSubjectTitle = 60

// BuildCommitMessage generates the fix commit message for a set of bugs
func BuildCommitMessage(bugs []types.BugRecord) string {
	var sb strings.Builder

	if len(bugs) == 1 {
		sb.WriteString("fix: " + truncateString(bugs[0].Title, maxSubjectTitle) + "\n\n")
	} else {
		sb.WriteString(fmt.Sprintf("fix: address %d bot-reported bugs\n\n", len(bugs)))
	}

	for _, bug := range bugs {
		sb.WriteString(fmt.Sprintf("- %s (%s)", bug.Title, bug.Severity))
		if loc := bug.Location(); loc != "" {
			sb.WriteString(" at " + loc)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	for _, bug := range bugs {
		sb.WriteString("Bug-Id: " + bug.BugID + "\n")
	}

	return sb.String()
}

// BuildFixSummary generates the pull request comment posted after a fix commit
func BuildFixSummary(commitID string, fixed []types.BugRecord) string {
	var sb strings.Builder

	sb.WriteString("## Automated fix pushed\n\n")
	sb.WriteString(fmt.Sprintf("Commit `%s` addresses %d bug(s) reported in review:\n\n", shortSHA(commitID), len(fixed)))
	for _, bug := range fixed {
		sb.WriteString(fmt.Sprintf("- **%s** (%s severity)", bug.Title, bug.Severity))
		if loc := bug.Location(); loc != "" {
			sb.WriteString(" in `" + loc + "`")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nPlease review the change before merging.\n")

	return sb.String()
}

func shortSHA(sha string) string {
	return truncateString(sha, 7)
}

// truncateString keeps at most maxLen runes of s
func truncateString(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen])
}
