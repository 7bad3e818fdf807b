package fixer

import (
	"fmt"
	"strings"

	"github.com/clintrovert/autofix/pkg/types"
)

func buildPrompt(pr types.PullRequestRef, bugs []types.BugRecord) string {
	var sb strings.Builder

	sb.WriteString("Fix the following bugs reported by automated code review on pull request ")
	sb.WriteString(pr.String() + " (branch " + pr.HeadRef + ").\n\n")

	for i, bug := range bugs {
		sb.WriteString(fmt.Sprintf("## Bug %d: %s\n", i+1, bug.Title))
		sb.WriteString("**Severity:** " + bug.Severity.String() + "\n")
		if loc := bug.Location(); loc != "" {
			sb.WriteString("**Location:** " + loc + "\n")
		}
		if bug.Description != "" {
			sb.WriteString("\n" + bug.Description + "\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Rules:\n")
	sb.WriteString("1. Make the smallest change that fixes each bug\n")
	sb.WriteString("2. If a bug is already fixed or is not a real bug, leave the code alone\n")
	sb.WriteString("3. Do not commit, push, or create branches\n")

	return sb.String()
}

// buildFilePrompt asks for a complete corrected version of one file
func buildFilePrompt(path, content string, bugs []types.BugRecord) string {
	var sb strings.Builder

	sb.WriteString("The file `" + path + "` has these reported bugs:\n\n")
	for _, bug := range bugs {
		sb.WriteString(fmt.Sprintf("- %s (%s severity)", bug.Title, bug.Severity))
		if bug.StartLine > 0 {
			sb.WriteString(fmt.Sprintf(", lines %d-%d", bug.StartLine, max(bug.EndLine, bug.StartLine)))
		}
		sb.WriteString("\n")
		if bug.Description != "" {
			sb.WriteString("  " + strings.ReplaceAll(bug.Description, "\n", "\n  ") + "\n")
		}
	}

	sb.WriteString("\nCurrent content:\n\n```\n")
	sb.WriteString(content)
	if !strings.HasSuffix(content, "\n") {
		sb.WriteString("\n")
	}
	sb.WriteString("```\n\n")
	sb.WriteString("Reply with the complete corrected file in a single fenced code block and nothing else. ")
	sb.WriteString("If no change is needed, reply with the file unchanged.\n")

	return sb.String()
}
