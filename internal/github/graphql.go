package github

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const resolvedThreadsQuery = `query($owner: String!, $name: String!, $number: Int!, $cursor: String) {
  repository(owner: $owner, name: $name) {
    pullRequest(number: $number) {
      reviewThreads(first: 100, after: $cursor) {
        pageInfo { hasNextPage endCursor }
        nodes {
          isResolved
          comments(first: 1) { nodes { databaseId } }
        }
      }
    }
  }
}`

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type reviewThreadsResponse struct {
	Data struct {
		Repository struct {
			PullRequest *struct {
				ReviewThreads struct {
					PageInfo struct {
						HasNextPage bool   `json:"hasNextPage"`
						EndCursor   string `json:"endCursor"`
					} `json:"pageInfo"`
					Nodes []struct {
						IsResolved bool `json:"isResolved"`
						Comments   struct {
							Nodes []struct {
								DatabaseID int64 `json:"databaseId"`
							} `json:"nodes"`
						} `json:"comments"`
					} `json:"nodes"`
				} `json:"reviewThreads"`
			} `json:"pullRequest"`
		} `json:"repository"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

// GetResolvedSourceCommentIDs returns the ids of the comments that started
// each resolved review thread on the pull request.
func (c *Client) GetResolvedSourceCommentIDs(ctx context.Context, owner, repo string, number int) (map[int64]struct{}, error) {
	resolved := make(map[int64]struct{})
	vars := map[string]interface{}{
		"owner":  owner,
		"name":   repo,
		"number": number,
		"cursor": nil,
	}

	pages := 0
	for {
		var out reviewThreadsResponse
		if err := c.graphQL(ctx, resolvedThreadsQuery, vars, &out); err != nil {
			return nil, fmt.Errorf("failed to query review threads for %s/%s#%d: %w", owner, repo, number, err)
		}
		pages++

		pr := out.Data.Repository.PullRequest
		if pr == nil {
			return nil, fmt.Errorf("pull request %s/%s#%d not found", owner, repo, number)
		}
		for _, thread := range pr.ReviewThreads.Nodes {
			if !thread.IsResolved || len(thread.Comments.Nodes) == 0 {
				continue
			}
			resolved[thread.Comments.Nodes[0].DatabaseID] = struct{}{}
		}

		if !pr.ReviewThreads.PageInfo.HasNextPage {
			break
		}
		vars["cursor"] = pr.ReviewThreads.PageInfo.EndCursor
	}

	c.logger.Debug("fetched resolved review threads",
		zap.String("repo", owner+"/"+repo),
		zap.Int("pr_number", number),
		zap.Int("resolved", len(resolved)),
		zap.Int("pages", pages),
	)
	return resolved, nil
}

// graphQL posts a query to the GraphQL endpoint that pairs with the REST
// base URL (/graphql on github.com, /api/graphql on Enterprise).
func (c *Client) graphQL(ctx context.Context, query string, vars map[string]interface{}, out *reviewThreadsResponse) error {
	if err := c.wait(ctx); err != nil {
		return err
	}

	endpoint := "graphql"
	if strings.HasSuffix(c.apiClient.BaseURL.Path, "/api/v3/") {
		endpoint = "../graphql"
	}

	req, err := c.apiClient.NewRequest("POST", endpoint, graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return err
	}
	if _, err := c.apiClient.Do(ctx, req, out); err != nil {
		return err
	}
	if len(out.Errors) > 0 {
		msgs := make([]string, 0, len(out.Errors))
		for _, e := range out.Errors {
			msgs = append(msgs, e.Message)
		}
		return fmt.Errorf("graphql: %s", strings.Join(msgs, "; "))
	}
	return nil
}
