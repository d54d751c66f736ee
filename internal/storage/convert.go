package storage

import (
	"encoding/json"

	"github.com/jkaninda/kazi/internal/domain"
)

func toTaskModel(t *domain.Task) TaskModel {
	var changed string
	if len(t.ChangedFiles) > 0 {
		if raw, err := json.Marshal(t.ChangedFiles); err == nil {
			changed = string(raw)
		}
	}
	return TaskModel{
		ID:              t.ID,
		Owner:           t.Owner,
		RepoURL:         t.RepoURL,
		TargetBranch:    t.TargetBranch,
		AgentClass:      string(t.AgentClass),
		Prompt:          t.Prompt,
		Status:          string(t.Status),
		SandboxRef:      t.SandboxRef,
		CommitHash:      t.CommitHash,
		DiffText:        t.DiffText,
		PatchText:       t.PatchText,
		ChangedFiles:    changed,
		Error:           t.Error,
		OpenPullRequest: t.OpenPullRequest,
		PullRequestURL:  t.PullRequestURL,
		CreatedAt:       t.CreatedAt,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
	}
}

func toTaskDomain(m *TaskModel) *domain.Task {
	var changed []domain.ChangedFile
	if m.ChangedFiles != "" {
		_ = json.Unmarshal([]byte(m.ChangedFiles), &changed)
	}
	return &domain.Task{
		ID:              m.ID,
		Owner:           m.Owner,
		RepoURL:         m.RepoURL,
		TargetBranch:    m.TargetBranch,
		AgentClass:      domain.AgentClass(m.AgentClass),
		Prompt:          m.Prompt,
		Status:          domain.TaskStatus(m.Status),
		SandboxRef:      m.SandboxRef,
		CommitHash:      m.CommitHash,
		DiffText:        m.DiffText,
		PatchText:       m.PatchText,
		ChangedFiles:    changed,
		Error:           m.Error,
		OpenPullRequest: m.OpenPullRequest,
		PullRequestURL:  m.PullRequestURL,
		CreatedAt:       m.CreatedAt,
		StartedAt:       m.StartedAt,
		CompletedAt:     m.CompletedAt,
	}
}

func toChatModel(msg *domain.ChatMessage) ChatMessageModel {
	return ChatMessageModel{
		ID:        msg.ID,
		TaskID:    msg.TaskID,
		Owner:     msg.Owner,
		Role:      string(msg.Role),
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}
}

func toChatDomain(m *ChatMessageModel) domain.ChatMessage {
	return domain.ChatMessage{
		ID:        m.ID,
		TaskID:    m.TaskID,
		Owner:     m.Owner,
		Role:      domain.ChatRole(m.Role),
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}
