// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentClass selects which AI coding agent runs a task. The class determines
// the sandbox image, the secrets injected into the sandbox, and the
// concurrency policy applied at admission.
type AgentClass string

const (
	// AgentClaude runs the Claude CLI. Provisioning is safe under
	// concurrency, so this class admits in parallel without bound.
	AgentClaude AgentClass = "claude"

	// AgentCodex runs the Codex CLI. Sandbox provisioning for this class
	// races under concurrent creation, so it runs on the exclusive lane:
	// one task at a time across the whole process group.
	AgentCodex AgentClass = "codex"
)

// Valid reports whether the class is a known agent class.
func (c AgentClass) Valid() bool {
	return c == AgentClaude || c == AgentCodex
}

// TaskStatus is the lifecycle state of a task. A task starts pending,
// moves to running once its sandbox is provisioned, and ends completed
// or failed. Tasks rejected before provisioning go straight to failed.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// ChangeKind classifies how a commit touched a file.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
)

// ChangedFile is one file touched by the agent's commit.
type ChangedFile struct {
	Path string     `json:"path"`
	Kind ChangeKind `json:"change_kind"`
}

// FileSnapshot holds a file's content before and after the agent's commit.
// A nil pointer means the file did not exist on that side (added or deleted).
type FileSnapshot struct {
	Path   string  `json:"path"`
	Before *string `json:"before,omitempty"`
	After  *string `json:"after,omitempty"`
}

// Task is the unit of work: one natural-language code-change request
// executed by one agent inside one ephemeral sandbox.
//
// Invariants:
//   - Status transitions only pending → running → {completed, failed}.
//   - CommitHash/DiffText/PatchText are set only on completed tasks.
//     An empty CommitHash on a completed task is the valid no-change case.
//   - Error is set only on failed tasks and never contains secret material.
//   - At most one sandbox (SandboxRef) is live per task at any time.
type Task struct {
	ID           uuid.UUID  `json:"id"`
	Owner        string     `json:"owner"`
	RepoURL      string     `json:"repo_url"`
	TargetBranch string     `json:"target_branch"`
	AgentClass   AgentClass `json:"agent_class"`
	Prompt       string     `json:"prompt"`
	Status       TaskStatus `json:"status"`

	// SandboxRef is the opaque id of the sandbox currently provisioned
	// for this task. Empty when no sandbox is live.
	SandboxRef string `json:"sandbox_ref,omitempty"`

	CommitHash   string        `json:"commit_hash,omitempty"`
	DiffText     string        `json:"diff_text,omitempty"`
	PatchText    string        `json:"patch_text,omitempty"`
	ChangedFiles []ChangedFile `json:"changed_files,omitempty"`
	Error        string        `json:"error,omitempty"`

	// OpenPullRequest asks the orchestrator to push the result to the
	// origin host and open a pull request after a successful run.
	OpenPullRequest bool   `json:"open_pull_request,omitempty"`
	PullRequestURL  string `json:"pull_request_url,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Validate checks the fields a task must carry before any sandbox is
// created. Failures here are validation errors, never retried.
func (t *Task) Validate() error {
	if t.RepoURL == "" {
		return fmt.Errorf("task %s: repo_url is required", t.ID)
	}
	if t.TargetBranch == "" {
		return fmt.Errorf("task %s: target_branch is required", t.ID)
	}
	if !t.AgentClass.Valid() {
		return fmt.Errorf("task %s: unknown agent class %q", t.ID, t.AgentClass)
	}
	if t.Prompt == "" {
		return fmt.Errorf("task %s: prompt is required", t.ID)
	}
	return nil
}

// ChatRole identifies the author of a task chat message.
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
	ChatRoleSystem    ChatRole = "system"
)

// ChatMessage is one entry in a task's conversation log.
type ChatMessage struct {
	ID        uuid.UUID `json:"id"`
	TaskID    uuid.UUID `json:"task_id"`
	Owner     string    `json:"owner"`
	Role      ChatRole  `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
