package storage

import (
	"time"

	"github.com/google/uuid"
)

// TaskModel maps to the "tasks" table. TEXT-friendly column types so the
// same model works on SQLite and PostgreSQL.
type TaskModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Owner        string    `gorm:"not null;index"`
	RepoURL      string    `gorm:"not null"`
	TargetBranch string    `gorm:"not null"`
	AgentClass   string    `gorm:"not null"`
	Prompt       string    `gorm:"type:text;not null"`
	Status       string    `gorm:"not null;index"`

	SandboxRef string

	CommitHash   string
	DiffText     string `gorm:"type:text"`
	PatchText    string `gorm:"type:text"`
	ChangedFiles string `gorm:"type:text"` // JSON-encoded []domain.ChangedFile
	Error        string `gorm:"type:text"`

	OpenPullRequest bool
	PullRequestURL  string

	CreatedAt   time.Time `gorm:"index"`
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

func (TaskModel) TableName() string { return "tasks" }

// ChatMessageModel maps to the "chat_messages" table.
type ChatMessageModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	TaskID    uuid.UUID `gorm:"type:uuid;not null;index"`
	Owner     string    `gorm:"not null"`
	Role      string    `gorm:"not null"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time
}

func (ChatMessageModel) TableName() string { return "chat_messages" }
