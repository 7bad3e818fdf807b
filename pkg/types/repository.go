package types

import (
	"fmt"
	"strings"
)

// RepoRef identifies a GitHub repository
type RepoRef struct {
	Owner string
	Name  string
}

// ParseRepoRef parses "owner/name" or "https://github.com/owner/name"
func ParseRepoRef(s string) (RepoRef, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "https://github.com/")
	s = strings.TrimSuffix(s, ".git")
	s = strings.TrimSuffix(s, "/")

	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return RepoRef{}, fmt.Errorf("invalid repository %q: want owner/name", s)
	}
	return RepoRef{Owner: parts[0], Name: parts[1]}, nil
}

// FullName returns "owner/name"
func (r RepoRef) FullName() string {
	return r.Owner + "/" + r.Name
}

// Key returns the case-insensitive identity used for deduplication
func (r RepoRef) Key() string {
	return strings.ToLower(r.FullName())
}

// PullRequestRef is the live state of an open pull request. It is fetched
// fresh every cycle and never cached across cycles.
type PullRequestRef struct {
	Owner   string
	Repo    string
	Number  int
	HeadRef string
	BaseRef string
	HeadSHA string
	// HeadRepo is "owner/name" of the repository holding HeadRef; it differs
	// from Owner/Repo for pull requests opened from forks.
	HeadRepo string
	URL      string
}

// FullName returns "owner/repo" of the base repository
func (p PullRequestRef) FullName() string {
	return p.Owner + "/" + p.Repo
}

// HeadRepoRef returns the repository the head branch lives in
func (p PullRequestRef) HeadRepoRef() RepoRef {
	if ref, err := ParseRepoRef(p.HeadRepo); err == nil {
		return ref
	}
	return RepoRef{Owner: p.Owner, Name: p.Repo}
}

// String returns "owner/repo#number"
func (p PullRequestRef) String() string {
	return fmt.Sprintf("%s/%s#%d", p.Owner, p.Repo, p.Number)
}
