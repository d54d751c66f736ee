package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/domain"
)

// ErrTaskNotFound is returned by TaskStore lookups for unknown ids.
var ErrTaskNotFound = errors.New("task not found")

// TaskUpdate is a partial task update. Nil fields are left untouched, so
// concurrent readers never observe a half-written record.
type TaskUpdate struct {
	Status         *domain.TaskStatus
	SandboxRef     *string
	CommitHash     *string
	DiffText       *string
	PatchText      *string
	ChangedFiles   []domain.ChangedFile
	Error          *string
	PullRequestURL *string
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// TaskStore persists tasks and their conversation logs. Lookups and
// updates are scoped to an owner: a mismatched owner behaves exactly like
// an unknown id, so one tenant can never observe another's tasks. An
// empty owner skips the scoping and is reserved for internal callers.
type TaskStore interface {
	CreateTask(ctx context.Context, task *domain.Task) error
	GetTask(ctx context.Context, id uuid.UUID, owner string) (*domain.Task, error)

	// UpdateTask applies the non-nil fields of upd and returns the
	// updated record.
	UpdateTask(ctx context.Context, id uuid.UUID, owner string, upd TaskUpdate) (*domain.Task, error)

	// ListTasks returns the owner's tasks, newest first. limit <= 0
	// means no limit.
	ListTasks(ctx context.Context, owner string, limit int) ([]domain.Task, error)

	AppendChatMessage(ctx context.Context, msg *domain.ChatMessage) error
	ListChatMessages(ctx context.Context, taskID uuid.UUID) ([]domain.ChatMessage, error)
}

// OrphanReaper removes leftover sandboxes before a new one is provisioned
// and on the periodic sweep schedule.
type OrphanReaper interface {
	Reap(ctx context.Context) int
}
