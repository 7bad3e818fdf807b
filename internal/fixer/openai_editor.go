package fixer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/clintrovert/autofix/pkg/types"
)

const systemPrompt = "You are an expert software engineer that fixes bugs found by automated code review. " +
	"You change as little code as possible and never alter behavior unrelated to the bug."

// minKeptRatio is the smallest fraction of the original file a rewrite may
// keep before the answer is rejected as truncated.
const minKeptRatio = 0.5

// OpenAIEditor fixes bugs file by file with a chat completion model
type OpenAIEditor struct {
	client *openai.Client
	apiKey string
	model  string
	logger *zap.Logger
}

// NewOpenAIEditor creates a new OpenAI-backed editor
func NewOpenAIEditor(apiKey, model string, logger *zap.Logger) *OpenAIEditor {
	return newOpenAIEditor(openai.NewClient(apiKey), apiKey, model, logger)
}

func newOpenAIEditor(client *openai.Client, apiKey, model string, logger *zap.Logger) *OpenAIEditor {
	if model == "" {
		model = openai.GPT4o
	}
	return &OpenAIEditor{
		client: client,
		apiKey: apiKey,
		model:  model,
		logger: logger,
	}
}

// Check requires an API key
func (e *OpenAIEditor) Check() error {
	if e.apiKey == "" {
		return errors.New("openai api key not set (OPENAI_API_KEY)")
	}
	return nil
}

// Edit rewrites each file that has reported bugs
func (e *OpenAIEditor) Edit(ctx context.Context, dir string, pr types.PullRequestRef, bugs []types.BugRecord) error {
	for _, group := range groupByFile(bugs) {
		if err := e.editFile(ctx, dir, group.path, group.bugs); err != nil {
			return fmt.Errorf("%s: %w", group.path, err)
		}
	}
	return nil
}

func (e *OpenAIEditor) editFile(ctx context.Context, dir, path string, bugs []types.BugRecord) error {
	full, err := resolveInside(dir, path)
	if err != nil {
		return err
	}
	content, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		e.logger.Warn("reported file no longer exists, skipping", zap.String("path", path))
		return nil
	}
	if err != nil {
		return err
	}

	resp, err := e.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: e.model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: systemPrompt,
				},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: buildFilePrompt(path, string(content), bugs),
				},
			},
			Temperature: 0,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("no response from AI")
	}

	updated, err := parseFileResponse(resp.Choices[0].Message.Content)
	if err != nil {
		return err
	}
	if updated == string(content) {
		return nil
	}
	if float64(len(updated)) < float64(len(content))*minKeptRatio {
		return fmt.Errorf("rewrite shrank file from %d to %d bytes, refusing to apply", len(content), len(updated))
	}

	info, err := os.Stat(full)
	if err != nil {
		return err
	}
	if err := os.WriteFile(full, []byte(updated), info.Mode().Perm()); err != nil {
		return err
	}

	e.logger.Info("rewrote file",
		zap.String("path", path),
		zap.Int("bugs", len(bugs)),
	)
	return nil
}

// parseFileResponse returns the body of the first fenced block in response.
// The block ends at the last line holding a fence of the same length as the
// opening one, so fences inside the file content are kept.
func parseFileResponse(response string) (string, error) {
	lines := strings.SplitAfter(response, "\n")

	start, fence := -1, ""
	for i, line := range lines {
		if f := openingFence(line); f != "" {
			start, fence = i, f
			break
		}
	}
	if start < 0 {
		return "", fmt.Errorf("response has no fenced code block")
	}

	for end := len(lines) - 1; end > start; end-- {
		if strings.TrimSpace(lines[end]) == fence {
			return strings.Join(lines[start+1:end], ""), nil
		}
	}
	return "", fmt.Errorf("response has an unterminated code block")
}

// openingFence returns the run of backticks opening a fenced block, or ""
func openingFence(line string) string {
	line = strings.TrimRight(line, "\r\n")
	n := 0
	for n < len(line) && line[n] == '`' {
		n++
	}
	if n < 3 {
		return ""
	}
	return line[:n]
}

type fileBugs struct {
	path string
	bugs []types.BugRecord
}

// groupByFile keeps the first-seen file order; bugs without a file are dropped
func groupByFile(bugs []types.BugRecord) []fileBugs {
	var groups []fileBugs
	index := make(map[string]int)
	for _, bug := range bugs {
		if bug.FilePath == "" {
			continue
		}
		i, ok := index[bug.FilePath]
		if !ok {
			i = len(groups)
			index[bug.FilePath] = i
			groups = append(groups, fileBugs{path: bug.FilePath})
		}
		groups[i].bugs = append(groups[i].bugs, bug)
	}
	return groups
}

func resolveInside(dir, path string) (string, error) {
	full := filepath.Join(dir, filepath.FromSlash(path))
	rel, err := filepath.Rel(dir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the checkout", path)
	}
	return full, nil
}
