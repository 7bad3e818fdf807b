package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/clintrovert/autofix/pkg/types"
)

const perPage = 100

// Client wraps the GitHub API calls the daemon needs. Every request waits
// on a shared rate limiter.
type Client struct {
	apiClient *github.Client
	limiter   *rate.Limiter
	botLogin  string
	logger    *zap.Logger
}

// Options configures a Client
type Options struct {
	Token             string
	APIURL            string // empty for github.com
	BotLogin          string
	RequestsPerSecond float64
}

// NewClient creates a new GitHub client
func NewClient(opts Options, logger *zap.Logger) (*Client, error) {
	ctx := context.Background()
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: opts.Token},
	)
	tc := oauth2.NewClient(ctx, ts)

	apiClient := github.NewClient(tc)
	if opts.APIURL != "" {
		var err error
		apiClient, err = apiClient.WithEnterpriseURLs(opts.APIURL, opts.APIURL)
		if err != nil {
			return nil, fmt.Errorf("invalid github api url: %w", err)
		}
	}

	return newClient(apiClient, opts.BotLogin, opts.RequestsPerSecond, logger), nil
}

func newClient(apiClient *github.Client, botLogin string, rps float64, logger *zap.Logger) *Client {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Client{
		apiClient: apiClient,
		limiter:   rate.NewLimiter(limit, 1),
		botLogin:  botLogin,
		logger:    logger,
	}
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// ListBotComments returns the bot's review comments across all pull requests
// of a repository, newest first, grouped by pull request in the order the
// API yielded them. A nil since fetches the full history.
func (c *Client) ListBotComments(ctx context.Context, owner, repo string, since *time.Time) ([]types.PRComments, error) {
	opts := &github.PullRequestListCommentsOptions{
		Sort:        "created",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	if since != nil {
		opts.Since = *since
	}

	var groups []types.PRComments
	index := make(map[int]int)

	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		// Pull number 0 lists review comments for the whole repository.
		comments, resp, err := c.apiClient.PullRequests.ListComments(ctx, owner, repo, 0, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list review comments for %s/%s: %w", owner, repo, err)
		}

		for _, comment := range comments {
			if !strings.EqualFold(comment.GetUser().GetLogin(), c.botLogin) {
				continue
			}
			number, ok := pullNumberFromURL(comment.GetPullRequestURL())
			if !ok {
				c.logger.Debug("review comment without pull request url",
					zap.Int64("comment_id", comment.GetID()),
				)
				continue
			}

			rc := types.ReviewComment{
				ID:        comment.GetID(),
				PRNumber:  number,
				Author:    comment.GetUser().GetLogin(),
				Body:      comment.GetBody(),
				Path:      comment.GetPath(),
				StartLine: comment.GetStartLine(),
				Line:      comment.GetLine(),
				CommitID:  comment.GetCommitID(),
				CreatedAt: comment.GetCreatedAt().Time,
			}

			i, seen := index[number]
			if !seen {
				i = len(groups)
				index[number] = i
				groups = append(groups, types.PRComments{Number: number})
			}
			groups[i].Comments = append(groups[i].Comments, rc)
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	c.logger.Debug("listed bot comments",
		zap.String("repo", owner+"/"+repo),
		zap.Int("pull_requests", len(groups)),
	)
	return groups, nil
}

// GetPullRequest returns the pull request if it is open and accessible, and
// nil otherwise.
func (c *Client) GetPullRequest(ctx context.Context, owner, repo string, number int) (*types.PullRequestRef, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	pr, _, err := c.apiClient.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		if isInaccessible(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get pull request %s/%s#%d: %w", owner, repo, number, err)
	}
	if pr.GetState() != "open" {
		return nil, nil
	}

	headRepo := owner + "/" + repo
	if full := pr.GetHead().GetRepo().GetFullName(); full != "" {
		headRepo = full
	}

	return &types.PullRequestRef{
		Owner:    owner,
		Repo:     repo,
		Number:   pr.GetNumber(),
		HeadRef:  pr.GetHead().GetRef(),
		BaseRef:  pr.GetBase().GetRef(),
		HeadSHA:  pr.GetHead().GetSHA(),
		HeadRepo: headRepo,
		URL:      pr.GetHTMLURL(),
	}, nil
}

// ListOwnerRepos lists the non-archived repositories of an organization
func (c *Client) ListOwnerRepos(ctx context.Context, owner string) ([]types.RepoRef, error) {
	opts := &github.RepositoryListByOrgOptions{
		Type:        "all",
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	var refs []types.RepoRef
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		repos, resp, err := c.apiClient.Repositories.ListByOrg(ctx, owner, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list repositories for %s: %w", owner, err)
		}
		for _, r := range repos {
			if r.GetArchived() {
				continue
			}
			refs = append(refs, types.RepoRef{Owner: r.GetOwner().GetLogin(), Name: r.GetName()})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return refs, nil
}

// PostComment adds a comment to the pull request conversation
func (c *Client) PostComment(ctx context.Context, owner, repo string, number int, body string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}

	_, _, err := c.apiClient.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{
		Body: github.String(body),
	})
	if err != nil {
		return fmt.Errorf("failed to post comment on %s/%s#%d: %w", owner, repo, number, err)
	}

	c.logger.Info("posted pull request comment",
		zap.String("repo", owner+"/"+repo),
		zap.Int("pr_number", number),
	)
	return nil
}

func isInaccessible(err error) bool {
	var errResp *github.ErrorResponse
	if !errors.As(err, &errResp) || errResp.Response == nil {
		return false
	}
	switch errResp.Response.StatusCode {
	case http.StatusNotFound, http.StatusGone, http.StatusForbidden:
		return true
	}
	return false
}

// pullNumberFromURL parses https://api.github.com/repos/o/r/pulls/123
func pullNumberFromURL(url string) (int, bool) {
	idx := strings.LastIndex(url, "/pulls/")
	if idx == -1 {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(url[idx+len("/pulls/"):], "/"))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
