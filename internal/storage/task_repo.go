package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/orchestrator"
)

func (s *Store) CreateTask(ctx context.Context, task *domain.Task) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	model := toTaskModel(task)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating task: %w", err)
	}
	return nil
}

// GetTask loads one task. A non-empty owner scopes the lookup, so a
// mismatch is indistinguishable from an unknown id.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID, owner string) (*domain.Task, error) {
	var model TaskModel
	q := s.db.WithContext(ctx).Where("id = ?", id)
	if owner != "" {
		q = q.Where("owner = ?", owner)
	}
	if err := q.First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("task %s: %w", id, orchestrator.ErrTaskNotFound)
		}
		return nil, fmt.Errorf("getting task %s: %w", id, err)
	}
	return toTaskDomain(&model), nil
}

// UpdateTask applies the non-nil fields of upd in one UPDATE and returns
// the fresh record.
func (s *Store) UpdateTask(ctx context.Context, id uuid.UUID, owner string, upd orchestrator.TaskUpdate) (*domain.Task, error) {
	fields := map[string]any{}
	if upd.Status != nil {
		fields["status"] = string(*upd.Status)
	}
	if upd.SandboxRef != nil {
		fields["sandbox_ref"] = *upd.SandboxRef
	}
	if upd.CommitHash != nil {
		fields["commit_hash"] = *upd.CommitHash
	}
	if upd.DiffText != nil {
		fields["diff_text"] = *upd.DiffText
	}
	if upd.PatchText != nil {
		fields["patch_text"] = *upd.PatchText
	}
	if upd.ChangedFiles != nil {
		raw, err := json.Marshal(upd.ChangedFiles)
		if err != nil {
			return nil, fmt.Errorf("encoding changed files: %w", err)
		}
		fields["changed_files"] = string(raw)
	}
	if upd.Error != nil {
		fields["error"] = *upd.Error
	}
	if upd.PullRequestURL != nil {
		fields["pull_request_url"] = *upd.PullRequestURL
	}
	if upd.StartedAt != nil {
		fields["started_at"] = *upd.StartedAt
	}
	if upd.CompletedAt != nil {
		fields["completed_at"] = *upd.CompletedAt
	}

	if len(fields) > 0 {
		q := s.db.WithContext(ctx).Model(&TaskModel{}).Where("id = ?", id)
		if owner != "" {
			q = q.Where("owner = ?", owner)
		}
		res := q.Updates(fields)
		if res.Error != nil {
			return nil, fmt.Errorf("updating task %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil, fmt.Errorf("task %s: %w", id, orchestrator.ErrTaskNotFound)
		}
	}
	return s.GetTask(ctx, id, owner)
}

func (s *Store) ListTasks(ctx context.Context, owner string, limit int) ([]domain.Task, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if owner != "" {
		q = q.Where("owner = ?", owner)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []TaskModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	tasks := make([]domain.Task, len(models))
	for i := range models {
		tasks[i] = *toTaskDomain(&models[i])
	}
	return tasks, nil
}

func (s *Store) AppendChatMessage(ctx context.Context, msg *domain.ChatMessage) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	model := toChatModel(msg)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending chat message: %w", err)
	}
	return nil
}

func (s *Store) ListChatMessages(ctx context.Context, taskID uuid.UUID) ([]domain.ChatMessage, error) {
	var models []ChatMessageModel
	if err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing chat messages for task %s: %w", taskID, err)
	}
	msgs := make([]domain.ChatMessage, len(models))
	for i := range models {
		msgs[i] = toChatDomain(&models[i])
	}
	return msgs, nil
}
