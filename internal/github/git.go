package github

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	"github.com/clintrovert/autofix/pkg/types"
)

// Author is the identity used for fix commits
type Author struct {
	Name  string
	Email string
}

// Git clones pull request branches and pushes fix commits with go-git
type Git struct {
	accessToken  string
	workspaceDir string
	cloneBaseURL string
	author       Author
	logger       *zap.Logger
}

// NewGit creates a git helper that works under workspaceDir
func NewGit(accessToken, workspaceDir string, author Author, logger *zap.Logger) *Git {
	return &Git{
		accessToken:  accessToken,
		workspaceDir: workspaceDir,
		cloneBaseURL: "https://github.com",
		author:       author,
		logger:       logger,
	}
}

// WithCloneBaseURL overrides the host repositories are cloned from
func (g *Git) WithCloneBaseURL(url string) *Git {
	g.cloneBaseURL = url
	return g
}

// Checkout is a local clone of a pull request head branch
type Checkout struct {
	Dir     string
	Branch  string
	HeadSHA string
	repo    *git.Repository
}

// CheckoutPR clones the head branch of pr into a fresh directory. Any
// previous checkout of the same pull request is removed first.
func (g *Git) CheckoutPR(ctx context.Context, pr types.PullRequestRef) (*Checkout, error) {
	head := pr.HeadRepoRef()
	dir := g.checkoutPath(pr)

	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("failed to clean checkout dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	cloneURL := fmt.Sprintf("%s/%s/%s.git", g.cloneBaseURL, head.Owner, head.Name)
	r, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           cloneURL,
		Auth:          g.auth(),
		ReferenceName: plumbing.NewBranchReferenceName(pr.HeadRef),
		SingleBranch:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to clone %s@%s: %w", head.FullName(), pr.HeadRef, err)
	}

	ref, err := r.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	g.logger.Info("cloned pull request branch",
		zap.String("pr", pr.String()),
		zap.String("branch", pr.HeadRef),
		zap.String("head_sha", ref.Hash().String()),
		zap.String("path", dir),
	)

	return &Checkout{Dir: dir, Branch: pr.HeadRef, HeadSHA: ref.Hash().String(), repo: r}, nil
}

// OpenCheckout opens an existing working tree on branch
func OpenCheckout(dir, branch string) (*Checkout, error) {
	r, err := git.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	ref, err := r.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return &Checkout{Dir: dir, Branch: branch, HeadSHA: ref.Hash().String(), repo: r}, nil
}

// HasChanges reports whether the working tree differs from HEAD
func (c *Checkout) HasChanges() (bool, error) {
	w, err := c.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("failed to get worktree: %w", err)
	}
	status, err := w.Status()
	if err != nil {
		return false, fmt.Errorf("failed to get status: %w", err)
	}
	return !status.IsClean(), nil
}

// Commit stages every change and commits it, returning the commit sha
func (c *Checkout) Commit(message string, author Author) (string, error) {
	w, err := c.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree: %w", err)
	}

	if err := w.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("failed to add changes: %w", err)
	}

	hash, err := w.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author.Name,
			Email: author.Email,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return hash.String(), nil
}

// Commit commits the checkout with the configured author
func (g *Git) Commit(c *Checkout, message string) (string, error) {
	sha, err := c.Commit(message, g.author)
	if err != nil {
		return "", err
	}
	g.logger.Info("committed changes",
		zap.String("commit", sha),
		zap.String("repo_path", c.Dir),
	)
	return sha, nil
}

// Push pushes the checkout's branch to origin
func (g *Git) Push(ctx context.Context, c *Checkout) error {
	spec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", c.Branch, c.Branch))
	err := c.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{spec},
		Auth:       g.auth(),
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to push branch: %w", err)
	}

	g.logger.Info("pushed branch",
		zap.String("branch", c.Branch),
		zap.String("repo_path", c.Dir),
	)
	return nil
}

func (g *Git) auth() transport.AuthMethod {
	if g.accessToken == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: g.accessToken}
}

func (g *Git) checkoutPath(pr types.PullRequestRef) string {
	return filepath.Join(g.workspaceDir, pr.Owner, pr.Repo, fmt.Sprintf("pr-%d", pr.Number))
}
