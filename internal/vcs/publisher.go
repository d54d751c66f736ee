package vcs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/kazi/internal/domain"
)

// TaskPublisher opens a pull request carrying a completed task's patch.
// It implements orchestrator.Publisher.
type TaskPublisher struct {
	token  string
	logger *slog.Logger
	opts   []GitHubOption
}

// NewTaskPublisher creates a publisher using the given hosting token.
// opts are forwarded to every per-repository client.
func NewTaskPublisher(token string, logger *slog.Logger, opts ...GitHubOption) *TaskPublisher {
	return &TaskPublisher{token: token, logger: logger, opts: opts}
}

// Publish cuts a work branch, applies the task's patch through the content
// API, and opens a PR against the task's target branch.
func (p *TaskPublisher) Publish(ctx context.Context, task *domain.Task) (string, error) {
	if task.PatchText == "" {
		return "", fmt.Errorf("task %s has no patch to publish", task.ID)
	}
	repo, err := ParseRepoURL(task.RepoURL)
	if err != nil {
		return "", err
	}

	client := NewGitHubClient(repo, p.token, p.opts...)
	applier := NewApplier(client, p.logger)

	workBranch := "kazi/task-" + task.ID.String()[:8]
	title := promptTitle(task.Prompt)

	prURL, report, err := applier.Publish(ctx, PublishParams{
		PatchText:     task.PatchText,
		TargetBranch:  task.TargetBranch,
		WorkBranch:    workBranch,
		CommitMessage: title,
		Title:         title,
		Body:          fmt.Sprintf("Automated change for task `%s`.\n\n%s", task.ID, task.Prompt),
	})
	if err != nil {
		return "", err
	}
	p.logger.Info("pull request opened",
		slog.String("task", task.ID.String()),
		slog.String("repo", repo.String()),
		slog.String("branch", workBranch),
		slog.Int("written", len(report.Written)),
		slog.Int("deleted", len(report.Deleted)),
		slog.Int("skipped", len(report.Skipped)),
	)
	return prURL, nil
}

// promptTitle derives a PR title from the first line of the prompt.
func promptTitle(prompt string) string {
	line := prompt
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if len(line) > 72 {
		line = line[:69] + "..."
	}
	if line == "" {
		line = "Automated change"
	}
	return line
}
