// Package parser turns review-bot comments into bug records.
package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/clintrovert/autofix/pkg/types"
)

var (
	titleRe       = regexp.MustCompile(`(?m)^#{2,4}[ \t]+(?:Bug:[ \t]*)?(.+?)[ \t]*$`)
	severityRe    = regexp.MustCompile(`(?i)\*\*\s*(low|medium|high|critical)\s+severity\s*\*\*`)
	descriptionRe = regexp.MustCompile(`(?s)<!--\s*DESCRIPTION START\s*-->(.*?)<!--\s*DESCRIPTION END\s*-->`)
	bugIDRe       = regexp.MustCompile(`<!--\s*BUGBOT_BUG_ID:\s*([A-Za-z0-9._:-]+)\s*-->`)
	locationsRe   = regexp.MustCompile(`(?s)<!--\s*LOCATIONS START(.*?)LOCATIONS END\s*-->`)
	locationRe    = regexp.MustCompile(`([^\s#]+)#L(\d+)(?:-L(\d+))?`)
	commentRe     = regexp.MustCompile(`(?s)<!--.*?-->`)
)

// Parser recognizes the review bot's comment format
type Parser struct {
	botLogin    string
	minSeverity types.Severity
}

// New creates a parser for comments authored by botLogin. Bugs below
// minSeverity are not reported.
func New(botLogin string, minSeverity types.Severity) *Parser {
	return &Parser{botLogin: botLogin, minSeverity: minSeverity}
}

// IsFromBot reports whether the comment was written by the review bot
func (p *Parser) IsFromBot(c types.ReviewComment) bool {
	return strings.EqualFold(c.Author, p.botLogin)
}

// Parse extracts a bug from a bot comment. It returns false when the comment
// is not in a recognized format.
func (p *Parser) Parse(c types.ReviewComment) (*types.BugRecord, bool) {
	idMatch := bugIDRe.FindStringSubmatch(c.Body)
	if idMatch == nil {
		return nil, false
	}
	titleMatch := titleRe.FindStringSubmatch(c.Body)
	if titleMatch == nil {
		return nil, false
	}

	bug := &types.BugRecord{
		BugID:           idMatch[1],
		Title:           strings.TrimSpace(titleMatch[1]),
		Severity:        parseSeverity(c.Body),
		Description:     parseDescription(c.Body, titleMatch[0]),
		CommitID:        c.CommitID,
		SourceCommentID: c.ID,
	}
	if bug.Severity < p.minSeverity {
		return nil, false
	}

	if path, start, end, ok := parseLocation(c.Body); ok {
		bug.FilePath, bug.StartLine, bug.EndLine = path, start, end
	} else {
		bug.FilePath = c.Path
		bug.StartLine = c.StartLine
		bug.EndLine = c.Line
		if bug.StartLine == 0 {
			bug.StartLine = c.Line
		}
	}

	return bug, true
}

func parseSeverity(body string) types.Severity {
	m := severityRe.FindStringSubmatch(body)
	if m == nil {
		return types.SeverityMedium
	}
	sev, err := types.ParseSeverity(m[1])
	if err != nil {
		return types.SeverityMedium
	}
	return sev
}

func parseDescription(body, heading string) string {
	if m := descriptionRe.FindStringSubmatch(body); m != nil {
		return strings.TrimSpace(m[1])
	}

	// Unmarked description: whatever prose follows the heading.
	rest := body
	if idx := strings.Index(body, heading); idx != -1 {
		rest = body[idx+len(heading):]
	}
	rest = commentRe.ReplaceAllString(rest, "")
	rest = severityRe.ReplaceAllString(rest, "")
	return strings.TrimSpace(rest)
}

func parseLocation(body string) (string, int, int, bool) {
	block := locationsRe.FindStringSubmatch(body)
	if block == nil {
		return "", 0, 0, false
	}
	m := locationRe.FindStringSubmatch(block[1])
	if m == nil {
		return "", 0, 0, false
	}
	start, _ := strconv.Atoi(m[2])
	end := start
	if m[3] != "" {
		end, _ = strconv.Atoi(m[3])
	}
	return m[1], start, end, true
}
