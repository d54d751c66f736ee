package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/admission"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/protocol"
	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/script"
	"github.com/jkaninda/kazi/internal/secrets"
)

// fakeStore is an in-memory TaskStore.
type fakeStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*domain.Task
	chats []domain.ChatMessage
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: map[uuid.UUID]*domain.Task{}}
}

func (s *fakeStore) CreateTask(_ context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *fakeStore) GetTask(_ context.Context, id uuid.UUID, owner string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || (owner != "" && t.Owner != owner) {
		return nil, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	cp := *t
	return &cp, nil
}

func (s *fakeStore) UpdateTask(_ context.Context, id uuid.UUID, owner string, upd TaskUpdate) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || (owner != "" && t.Owner != owner) {
		return nil, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	if upd.Status != nil {
		t.Status = *upd.Status
	}
	if upd.SandboxRef != nil {
		t.SandboxRef = *upd.SandboxRef
	}
	if upd.CommitHash != nil {
		t.CommitHash = *upd.CommitHash
	}
	if upd.DiffText != nil {
		t.DiffText = *upd.DiffText
	}
	if upd.PatchText != nil {
		t.PatchText = *upd.PatchText
	}
	if upd.ChangedFiles != nil {
		t.ChangedFiles = upd.ChangedFiles
	}
	if upd.Error != nil {
		t.Error = *upd.Error
	}
	if upd.PullRequestURL != nil {
		t.PullRequestURL = *upd.PullRequestURL
	}
	if upd.StartedAt != nil {
		t.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		t.CompletedAt = upd.CompletedAt
	}
	cp := *t
	return &cp, nil
}

func (s *fakeStore) ListTasks(_ context.Context, _ string, _ int) ([]domain.Task, error) {
	return nil, nil
}

func (s *fakeStore) AppendChatMessage(_ context.Context, msg *domain.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats = append(s.chats, *msg)
	return nil
}

func (s *fakeStore) ListChatMessages(_ context.Context, taskID uuid.UUID) ([]domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ChatMessage
	for _, m := range s.chats {
		if m.TaskID == taskID {
			out = append(out, m)
		}
	}
	return out, nil
}

// fakeDriver scripts the sandbox lifecycle.
type fakeDriver struct {
	mu        sync.Mutex
	createErr error
	runErr    error
	exitCode  int
	output    string

	created   int
	destroyed int
	lastEnv   map[string]string
}

func (d *fakeDriver) Kind() sandbox.Kind { return sandbox.KindLocal }

func (d *fakeDriver) Create(_ context.Context, spec sandbox.Spec) (*sandbox.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return nil, d.createErr
	}
	d.created++
	d.lastEnv = spec.Env
	return &sandbox.Session{
		ID:         fmt.Sprintf("kazi-sbx-fake-%d", d.created),
		DriverKind: sandbox.KindLocal,
		Status:     sandbox.StatusCreated,
		Env:        spec.Env,
	}, nil
}

func (d *fakeDriver) Run(_ context.Context, _ *sandbox.Session, _ *script.Program) (int, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.runErr != nil {
		return 0, d.output, d.runErr
	}
	return d.exitCode, d.output, nil
}

func (d *fakeDriver) Destroy(_ context.Context, _ *sandbox.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed++
	return nil
}

func (d *fakeDriver) destroyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

type fakeReaper struct{ calls int }

func (r *fakeReaper) Reap(_ context.Context) int {
	r.calls++
	return 0
}

type fakePublisher struct {
	url string
	err error

	published []*domain.Task
}

func (p *fakePublisher) Publish(_ context.Context, task *domain.Task) (string, error) {
	p.published = append(p.published, task)
	if p.err != nil {
		return "", p.err
	}
	return p.url, nil
}

const testSecret = "sk-kazi-secret-value-0001"

type fixture struct {
	store     *fakeStore
	driver    *fakeDriver
	reaper    *fakeReaper
	publisher *fakePublisher
	exec      *Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newFakeStore()
	driver := &fakeDriver{}
	reaper := &fakeReaper{}
	publisher := &fakePublisher{url: "https://github.com/acme/widgets/pull/1"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	admit := admission.New(admission.Config{
		LockPath:   filepath.Join(t.TempDir(), "exclusive.lock"),
		StaggerMax: time.Millisecond,
	}, logger)

	provider := secrets.NewStaticProvider(map[string]string{
		"claude-key": testSecret,
		"codex-key":  testSecret,
	})

	exec := NewExecutor(store, driver, admit, provider, publisher, reaper, nil, Config{
		Agents: map[domain.AgentClass]AgentRuntime{
			domain.AgentClaude: {CredentialEnvVar: "ANTHROPIC_API_KEY", CredentialRef: "claude-key"},
			domain.AgentCodex:  {CredentialEnvVar: "OPENAI_API_KEY", CredentialRef: "codex-key"},
		},
	}, logger)

	return &fixture{store: store, driver: driver, reaper: reaper, publisher: publisher, exec: exec}
}

func (f *fixture) createTask(t *testing.T, mutate func(*domain.Task)) *domain.Task {
	t.Helper()
	task := &domain.Task{
		Owner:        "alice",
		RepoURL:      "https://github.com/acme/widgets.git",
		TargetBranch: "main",
		AgentClass:   domain.AgentClaude,
		Prompt:       "add a README",
		Status:       domain.TaskPending,
		CreatedAt:    time.Now().UTC(),
	}
	if mutate != nil {
		mutate(task)
	}
	if err := f.store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func commitOutput() string {
	return protocol.Encode(&protocol.ExecutionResult{
		CommitHash: "deadbeefcafe",
		DiffText:   "diff --git a/README.md b/README.md\n+++ b/README.md\n@@ -0,0 +1 @@\n+hi",
		PatchText:  "From deadbeefcafe\n--- /dev/null\n+++ b/README.md\n@@ -0,0 +1 @@\n+hi",
		ChangedFiles: []domain.ChangedFile{
			{Path: "README.md", Kind: domain.ChangeAdded},
		},
		AgentStdout: "I added a README.",
	})
}

func TestExecute_SuccessfulRun(t *testing.T) {
	f := newFixture(t)
	f.driver.output = commitOutput()
	task := f.createTask(t, nil)

	got, err := f.exec.Execute(context.Background(), task.ID, task.Owner)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.Status != domain.TaskCompleted {
		t.Fatalf("status = %q, error = %q", got.Status, got.Error)
	}
	if got.CommitHash != "deadbeefcafe" {
		t.Errorf("commit hash = %q", got.CommitHash)
	}
	if len(got.ChangedFiles) != 1 || got.ChangedFiles[0].Path != "README.md" {
		t.Errorf("changed files = %+v", got.ChangedFiles)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Errorf("timestamps missing: %+v", got)
	}
	if f.driver.destroyCount() != 1 {
		t.Errorf("sandbox destroyed %d times, want 1", f.driver.destroyCount())
	}
	if f.reaper.calls != 1 {
		t.Errorf("reaper ran %d times, want 1", f.reaper.calls)
	}
	if f.driver.lastEnv["ANTHROPIC_API_KEY"] != testSecret {
		t.Errorf("credential not injected: %v", f.driver.lastEnv)
	}

	msgs, _ := f.store.ListChatMessages(context.Background(), task.ID)
	if len(msgs) != 1 || !strings.Contains(msgs[0].Content, "I added a README.") {
		t.Errorf("agent stdout not recorded: %+v", msgs)
	}
}

func TestExecute_NoChangesCompletes(t *testing.T) {
	f := newFixture(t)
	f.driver.output = protocol.Encode(&protocol.ExecutionResult{NoChanges: true})
	task := f.createTask(t, nil)

	got, err := f.exec.Execute(context.Background(), task.ID, task.Owner)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.Status != domain.TaskCompleted {
		t.Fatalf("no-change run must complete, got %q: %s", got.Status, got.Error)
	}
	if got.CommitHash != "" {
		t.Errorf("no-change run must have an empty commit hash, got %q", got.CommitHash)
	}
}

func TestExecute_ValidationFailure(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, func(task *domain.Task) { task.Prompt = "" })

	got, err := f.exec.Execute(context.Background(), task.ID, task.Owner)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.Status != domain.TaskFailed {
		t.Fatalf("status = %q", got.Status)
	}
	if !strings.HasPrefix(got.Error, "validation:") {
		t.Errorf("error = %q", got.Error)
	}
	if f.driver.created != 0 {
		t.Errorf("no sandbox may be created for an invalid task")
	}
}

func TestExecute_NonPendingRejected(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, func(task *domain.Task) { task.Status = domain.TaskRunning })

	if _, err := f.exec.Execute(context.Background(), task.ID, task.Owner); err == nil {
		t.Fatal("expected error for a non-pending task")
	}
}

func TestExecute_ProvisioningFailure(t *testing.T) {
	f := newFixture(t)
	f.driver.createErr = fmt.Errorf("creating remote sandbox: %w", sandbox.ErrQuotaExceeded)
	task := f.createTask(t, nil)

	got, err := f.exec.Execute(context.Background(), task.ID, task.Owner)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.Status != domain.TaskFailed {
		t.Fatalf("status = %q", got.Status)
	}
	if !strings.HasPrefix(got.Error, "provisioning:") {
		t.Errorf("error = %q", got.Error)
	}
	if f.driver.destroyCount() != 0 {
		t.Errorf("nothing to destroy when creation failed")
	}
}

func TestExecute_RunErrorStillDestroys(t *testing.T) {
	f := newFixture(t)
	f.driver.runErr = fmt.Errorf("docker wait: boom")
	task := f.createTask(t, nil)

	got, err := f.exec.Execute(context.Background(), task.ID, task.Owner)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.Status != domain.TaskFailed {
		t.Fatalf("status = %q", got.Status)
	}
	if f.driver.destroyCount() != 1 {
		t.Errorf("sandbox must be destroyed on run failure, destroyed %d", f.driver.destroyCount())
	}
}

func TestExecute_TimeoutNamesStepAndBudget(t *testing.T) {
	f := newFixture(t)
	f.driver.runErr = &sandbox.TimeoutError{Step: "agent", Limit: 300 * time.Second}
	task := f.createTask(t, nil)

	got, err := f.exec.Execute(context.Background(), task.ID, task.Owner)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(got.Error, `"agent"`) || !strings.Contains(got.Error, "5m0s") {
		t.Errorf("timeout error must name step and budget: %q", got.Error)
	}
	if f.driver.destroyCount() != 1 {
		t.Errorf("sandbox must be destroyed on timeout")
	}
}

func TestExecute_NonzeroExitFailsWithOutputTail(t *testing.T) {
	f := newFixture(t)
	f.driver.exitCode = 1
	f.driver.output = "cloning...\nfatal: repository not found\n"
	task := f.createTask(t, nil)

	got, err := f.exec.Execute(context.Background(), task.ID, task.Owner)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.Status != domain.TaskFailed {
		t.Fatalf("status = %q", got.Status)
	}
	if !strings.Contains(got.Error, "repository not found") {
		t.Errorf("error should carry the output tail: %q", got.Error)
	}
	if f.driver.destroyCount() != 1 {
		t.Errorf("sandbox must be destroyed on failure")
	}
}

func TestExecute_MissingCommitHashFails(t *testing.T) {
	f := newFixture(t)
	f.driver.output = "the agent rambled but emitted no markers\n"
	task := f.createTask(t, nil)

	got, err := f.exec.Execute(context.Background(), task.ID, task.Owner)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.Status != domain.TaskFailed {
		t.Fatalf("status = %q", got.Status)
	}
	if !strings.HasPrefix(got.Error, "extraction:") {
		t.Errorf("error = %q", got.Error)
	}
}

func TestExecute_BrokenStreamFailsDespiteCommitHash(t *testing.T) {
	f := newFixture(t)
	// A patch section that never terminates, as when the output stream is
	// cut at the capture limit mid-flight. The commit hash alone must not
	// be enough to complete the task.
	f.driver.output = protocol.CommitHashPrefix + "abc123\n" +
		protocol.PatchStart + "\n" +
		"From abc123\n--- a/main.go\n+++ b/main.go\n"
	task := f.createTask(t, func(task *domain.Task) { task.OpenPullRequest = true })

	got, err := f.exec.Execute(context.Background(), task.ID, task.Owner)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.Status != domain.TaskFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if !strings.Contains(got.Error, "could not parse agent output") {
		t.Errorf("error = %q", got.Error)
	}
	if got.CommitHash != "" || got.PatchText != "" {
		t.Errorf("no extraction fields may be persisted from a broken stream: %+v", got)
	}
	if len(f.publisher.published) != 0 {
		t.Errorf("no PR may be opened from a broken stream")
	}
}

func TestExecute_OwnerMismatchReadsAsNotFound(t *testing.T) {
	f := newFixture(t)
	f.driver.output = commitOutput()
	task := f.createTask(t, nil)

	_, err := f.exec.Execute(context.Background(), task.ID, "mallory")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
	if f.driver.created != 0 {
		t.Errorf("no sandbox may be created for a foreign task")
	}

	got, gerr := f.store.GetTask(context.Background(), task.ID, task.Owner)
	if gerr != nil || got.Status != domain.TaskPending {
		t.Errorf("foreign Execute must leave the task untouched: %+v, %v", got, gerr)
	}
}

func TestExecute_SecretsNeverPersisted(t *testing.T) {
	f := newFixture(t)
	f.driver.exitCode = 1
	f.driver.output = "agent echoed the key: " + testSecret + "\nand failed\n"
	task := f.createTask(t, nil)

	got, err := f.exec.Execute(context.Background(), task.ID, task.Owner)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if strings.Contains(got.Error, testSecret) {
		t.Fatalf("secret leaked into task error: %q", got.Error)
	}
	if !strings.Contains(got.Error, "[REDACTED]") {
		t.Errorf("redaction placeholder missing: %q", got.Error)
	}
}

func TestExecute_SecretRedactedFromDiffAndStdout(t *testing.T) {
	f := newFixture(t)
	f.driver.output = protocol.Encode(&protocol.ExecutionResult{
		CommitHash:  "deadbeef",
		DiffText:    "+api_key = " + testSecret,
		PatchText:   "+api_key = " + testSecret,
		AgentStdout: "your key is " + testSecret,
	})
	task := f.createTask(t, nil)

	got, err := f.exec.Execute(context.Background(), task.ID, task.Owner)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if strings.Contains(got.DiffText, testSecret) || strings.Contains(got.PatchText, testSecret) {
		t.Fatalf("secret leaked into persisted diff/patch")
	}
	msgs, _ := f.store.ListChatMessages(context.Background(), task.ID)
	for _, m := range msgs {
		if strings.Contains(m.Content, testSecret) {
			t.Fatalf("secret leaked into chat log: %q", m.Content)
		}
	}
}

func TestExecute_CredentialFailure(t *testing.T) {
	f := newFixture(t)
	f.exec.cfg.Agents = map[domain.AgentClass]AgentRuntime{}
	task := f.createTask(t, nil)

	got, err := f.exec.Execute(context.Background(), task.ID, task.Owner)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(got.Error, "credentials:") {
		t.Errorf("error = %q", got.Error)
	}
	if f.driver.created != 0 {
		t.Errorf("no sandbox without credentials")
	}
}

func TestExecute_OpensPullRequest(t *testing.T) {
	f := newFixture(t)
	f.driver.output = commitOutput()
	task := f.createTask(t, func(task *domain.Task) { task.OpenPullRequest = true })

	got, err := f.exec.Execute(context.Background(), task.ID, task.Owner)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.PullRequestURL != "https://github.com/acme/widgets/pull/1" {
		t.Errorf("pr url = %q", got.PullRequestURL)
	}
	if len(f.publisher.published) != 1 {
		t.Errorf("publisher called %d times", len(f.publisher.published))
	}
}

func TestExecute_PullRequestFailureDoesNotFailTask(t *testing.T) {
	f := newFixture(t)
	f.driver.output = commitOutput()
	f.publisher.err = fmt.Errorf("hosting said no")
	task := f.createTask(t, func(task *domain.Task) { task.OpenPullRequest = true })

	got, err := f.exec.Execute(context.Background(), task.ID, task.Owner)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.Status != domain.TaskCompleted {
		t.Fatalf("task must stay completed when only the PR failed, got %q", got.Status)
	}
	if got.PullRequestURL != "" {
		t.Errorf("no PR URL should be recorded on failure")
	}
	msgs, _ := f.store.ListChatMessages(context.Background(), task.ID)
	found := false
	for _, m := range msgs {
		if m.Role == domain.ChatRoleSystem && strings.Contains(m.Content, "pull request failed") {
			found = true
		}
	}
	if !found {
		t.Errorf("PR failure should leave a chat note: %+v", msgs)
	}
}

func TestExecute_NoChangesSkipsPullRequest(t *testing.T) {
	f := newFixture(t)
	f.driver.output = protocol.Encode(&protocol.ExecutionResult{NoChanges: true})
	task := f.createTask(t, func(task *domain.Task) { task.OpenPullRequest = true })

	got, err := f.exec.Execute(context.Background(), task.ID, task.Owner)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.Status != domain.TaskCompleted {
		t.Fatalf("status = %q", got.Status)
	}
	if len(f.publisher.published) != 0 {
		t.Errorf("no PR for a no-change run")
	}
}

func TestExecute_ExclusiveClassSerialized(t *testing.T) {
	f := newFixture(t)
	f.driver.output = protocol.Encode(&protocol.ExecutionResult{NoChanges: true})

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		task := f.createTask(t, func(task *domain.Task) { task.AgentClass = domain.AgentCodex })
		ids = append(ids, task.ID)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			got, err := f.exec.Execute(context.Background(), id, "alice")
			if err != nil {
				errs <- err
				return
			}
			if got.Status != domain.TaskCompleted {
				errs <- fmt.Errorf("task %s: %s (%s)", id, got.Status, got.Error)
			}
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if f.driver.destroyCount() != 3 {
		t.Errorf("all 3 sandboxes must be destroyed, got %d", f.driver.destroyCount())
	}
}

func TestOutputTail(t *testing.T) {
	if got := outputTail("short", 100); got != "short" {
		t.Errorf("got %q", got)
	}
	long := strings.Repeat("x", 50) + "\nthe actual error\n"
	got := outputTail(long, 20)
	if got != "the actual error" {
		t.Errorf("got %q", got)
	}
}
