// Package orchestrator drives a task through its whole lifecycle: admission,
// sandbox provisioning, script execution, output decoding, persistence, and
// unconditional cleanup. One Execute call owns one task end to end.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/admission"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/protocol"
	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/script"
	"github.com/jkaninda/kazi/internal/secrets"
)

// AgentRuntime is the per-class execution configuration.
type AgentRuntime struct {
	// CredentialEnvVar is the environment variable the agent CLI reads
	// its API key from inside the sandbox.
	CredentialEnvVar string

	// CredentialRef is the secret reference resolved at execution time.
	// The resolved value is injected into the sandbox environment and
	// never persisted or logged.
	CredentialRef string

	// Template names the remote-service sandbox template for this class.
	Template string
}

// Config tunes the executor.
type Config struct {
	Agents map[domain.AgentClass]AgentRuntime

	CommitterName  string
	CommitterEmail string

	// RunTimeout bounds one whole sandbox run. Zero uses the driver
	// default.
	RunTimeout time.Duration
}

// Publisher pushes a completed task's patch to the hosting provider and
// opens a pull request, returning its URL.
type Publisher interface {
	Publish(ctx context.Context, task *domain.Task) (string, error)
}

// Executor runs tasks. Safe for concurrent use; per-class concurrency is
// governed by the admission controller, not by the executor.
type Executor struct {
	store     TaskStore
	driver    sandbox.Driver
	admit     *admission.Controller
	secrets   secrets.Provider
	publisher Publisher
	reaper    OrphanReaper
	metrics   *Metrics
	logger    *slog.Logger
	cfg       Config
}

// NewExecutor wires an executor. publisher, reaper, and metrics may be nil.
func NewExecutor(
	store TaskStore,
	driver sandbox.Driver,
	admit *admission.Controller,
	secretProvider secrets.Provider,
	publisher Publisher,
	reaper OrphanReaper,
	metrics *Metrics,
	cfg Config,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		store:     store,
		driver:    driver,
		admit:     admit,
		secrets:   secretProvider,
		publisher: publisher,
		reaper:    reaper,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
	}
}

// Execute runs one pending task to a terminal state. The owner scopes the
// lookup: a task belonging to someone else is reported as not found, the
// same as an unknown id. Task-level failures are recorded on the task
// record and do not surface as errors; the error return is reserved for
// store-level problems that prevented recording anything at all.
func (e *Executor) Execute(ctx context.Context, taskID uuid.UUID, owner string) (*domain.Task, error) {
	task, err := e.store.GetTask(ctx, taskID, owner)
	if err != nil {
		return nil, err
	}
	if task.Status != domain.TaskPending {
		return nil, fmt.Errorf("task %s is %s, not pending", task.ID, task.Status)
	}

	start := time.Now()
	red := newRedactor(nil)
	logger := e.logger.With(
		slog.String("task", task.ID.String()),
		slog.String("agent_class", string(task.AgentClass)),
	)

	finishFailed := func(msg string) (*domain.Task, error) {
		logger.Warn("task failed", slog.String("error", msg))
		e.metrics.taskFinished(string(task.AgentClass), string(domain.TaskFailed), time.Since(start).Seconds())
		return e.persistTerminal(ctx, task.ID, task.Owner, domain.TaskFailed, msg, nil)
	}

	if err := task.Validate(); err != nil {
		return finishFailed("validation: " + err.Error())
	}

	// Admission first: holding a sandbox while queued on the exclusive
	// lane would burn quota for nothing.
	admitStart := time.Now()
	ticket, err := e.admit.Admit(ctx, task.AgentClass)
	if err != nil {
		return finishFailed("admission: " + red.redactErr(err))
	}
	defer ticket.Release()
	e.metrics.admissionWaited(string(admission.PolicyFor(task.AgentClass)), time.Since(admitStart).Seconds())

	// Sweep orphans before provisioning so leftover sandboxes from
	// crashed runs cannot starve this one.
	if e.reaper != nil {
		e.metrics.reaped(e.reaper.Reap(ctx))
	}

	env, err := e.resolveCredentials(ctx, task.AgentClass, red)
	if err != nil {
		return finishFailed("credentials: " + red.redactErr(err))
	}

	prog, err := script.Compose(script.Params{
		RepoURL:        task.RepoURL,
		Branch:         task.TargetBranch,
		Prompt:         task.Prompt,
		AgentClass:     task.AgentClass,
		CommitterName:  e.cfg.CommitterName,
		CommitterEmail: e.cfg.CommitterEmail,
	})
	if err != nil {
		return finishFailed("composing program: " + err.Error())
	}

	if _, err := e.markRunning(ctx, task.ID, task.Owner); err != nil {
		return nil, err
	}
	e.metrics.taskStarted()
	defer e.metrics.taskDone()

	rt := e.cfg.Agents[task.AgentClass]
	sess, err := e.driver.Create(ctx, sandbox.Spec{
		AgentClass: task.AgentClass,
		Template:   rt.Template,
		Env:        env,
		Timeout:    e.cfg.RunTimeout,
	})
	if err != nil {
		e.metrics.provisionFailed(provisionFailureReason(err))
		return finishFailed("provisioning: " + red.redactErr(err))
	}

	ref := sess.ID
	if _, err := e.store.UpdateTask(ctx, task.ID, task.Owner, TaskUpdate{SandboxRef: &ref}); err != nil {
		_ = e.driver.Destroy(ctx, sess)
		return nil, err
	}

	// The sandbox dies with this call no matter how the run ends. A
	// leaked sandbox leaks cost and injected secrets.
	defer func() {
		if err := e.driver.Destroy(context.WithoutCancel(ctx), sess); err != nil {
			logger.Error("sandbox destroy failed, reaper will retry",
				slog.String("sandbox", sess.ID),
				slog.String("error", red.redactErr(err)),
			)
		}
	}()

	exitCode, output, runErr := e.driver.Run(ctx, sess, prog)
	if runErr != nil {
		var te *sandbox.TimeoutError
		if errors.As(runErr, &te) {
			return finishFailed(fmt.Sprintf("execution timeout: step %q exceeded its %s budget", te.Step, te.Limit))
		}
		return finishFailed("execution: " + red.redactErr(runErr))
	}

	res := protocol.Decode(output)
	if res.Violated() {
		e.metrics.violated()
		logger.Warn("output stream broke the extraction protocol",
			slog.Any("violations", res.Violations),
		)
	}

	if exitCode != 0 {
		return finishFailed(fmt.Sprintf("execution: sandbox exited with code %d: %s",
			exitCode, red.redact(outputTail(output, 2000))))
	}

	// A broken stream is never trusted, even when it carries a commit hash:
	// an unterminated section means the patch or diff was cut mid-flight.
	if res.Violated() {
		return finishFailed(red.redact(
			"extraction: could not parse agent output: " + strings.Join(res.Violations, "; ")))
	}

	if !res.NoChanges && res.CommitHash == "" {
		return finishFailed("extraction: no commit hash in output")
	}

	result := &domain.Task{
		CommitHash:   res.CommitHash,
		DiffText:     red.redact(res.DiffText),
		PatchText:    red.redact(res.PatchText),
		ChangedFiles: res.ChangedFiles,
	}

	if stdout := strings.TrimSpace(res.AgentStdout); stdout != "" {
		msg := &domain.ChatMessage{
			TaskID:  task.ID,
			Owner:   task.Owner,
			Role:    domain.ChatRoleAssistant,
			Content: red.redact(stdout),
		}
		if err := e.store.AppendChatMessage(ctx, msg); err != nil {
			logger.Warn("recording agent output failed", slog.String("error", err.Error()))
		}
	}

	updated, err := e.persistTerminal(ctx, task.ID, task.Owner, domain.TaskCompleted, "", result)
	if err != nil {
		return nil, err
	}
	e.metrics.taskFinished(string(task.AgentClass), string(domain.TaskCompleted), time.Since(start).Seconds())
	logger.Info("task completed",
		slog.String("commit", res.CommitHash),
		slog.Bool("no_changes", res.NoChanges),
		slog.Int("changed_files", len(res.ChangedFiles)),
	)

	if task.OpenPullRequest && e.publisher != nil && res.CommitHash != "" {
		updated = e.openPullRequest(ctx, updated, red, logger)
	}
	return updated, nil
}

// resolveCredentials turns the class's credential reference into the env
// map injected into the sandbox, registering the value with the redactor
// before anything can echo it.
func (e *Executor) resolveCredentials(ctx context.Context, class domain.AgentClass, red *redactor) (map[string]string, error) {
	rt, ok := e.cfg.Agents[class]
	if !ok {
		return nil, fmt.Errorf("no runtime configured for agent class %q", class)
	}
	if rt.CredentialRef == "" || rt.CredentialEnvVar == "" {
		return nil, fmt.Errorf("agent class %q has no credential configured", class)
	}
	key, err := e.secrets.Resolve(ctx, rt.CredentialRef)
	if err != nil {
		return nil, fmt.Errorf("resolving credential for class %q: %w", class, err)
	}
	red.add(key)
	return map[string]string{rt.CredentialEnvVar: key}, nil
}

func (e *Executor) markRunning(ctx context.Context, id uuid.UUID, owner string) (*domain.Task, error) {
	running := domain.TaskRunning
	now := time.Now().UTC()
	return e.store.UpdateTask(ctx, id, owner, TaskUpdate{Status: &running, StartedAt: &now})
}

// persistTerminal writes the terminal state in one update. result carries
// the extraction fields for completed tasks and is nil on failure.
func (e *Executor) persistTerminal(ctx context.Context, id uuid.UUID, owner string, status domain.TaskStatus, errMsg string, result *domain.Task) (*domain.Task, error) {
	now := time.Now().UTC()
	upd := TaskUpdate{
		Status:      &status,
		CompletedAt: &now,
	}
	if errMsg != "" {
		upd.Error = &errMsg
	}
	if result != nil {
		upd.CommitHash = &result.CommitHash
		upd.DiffText = &result.DiffText
		upd.PatchText = &result.PatchText
		upd.ChangedFiles = result.ChangedFiles
	}
	return e.store.UpdateTask(ctx, id, owner, upd)
}

// openPullRequest is best effort after the fact: the change is already
// extracted and persisted, so a hosting failure degrades to a chat note
// instead of failing the task.
func (e *Executor) openPullRequest(ctx context.Context, task *domain.Task, red *redactor, logger *slog.Logger) *domain.Task {
	prURL, err := e.publisher.Publish(ctx, task)
	if err != nil {
		msg := "opening pull request failed: " + red.redactErr(err)
		logger.Warn("pull request not opened", slog.String("error", red.redactErr(err)))
		_ = e.store.AppendChatMessage(ctx, &domain.ChatMessage{
			TaskID:  task.ID,
			Owner:   task.Owner,
			Role:    domain.ChatRoleSystem,
			Content: msg,
		})
		return task
	}
	updated, uerr := e.store.UpdateTask(ctx, task.ID, task.Owner, TaskUpdate{PullRequestURL: &prURL})
	if uerr != nil {
		logger.Warn("recording pull request URL failed", slog.String("error", uerr.Error()))
		return task
	}
	logger.Info("pull request opened", slog.String("url", prURL))
	return updated
}

func provisionFailureReason(err error) string {
	switch {
	case errors.Is(err, sandbox.ErrQuotaExceeded):
		return "quota"
	case errors.Is(err, sandbox.ErrTemplateNotFound):
		return "template"
	case errors.Is(err, sandbox.ErrNameConflict):
		return "conflict"
	default:
		return "other"
	}
}

// outputTail returns the last max bytes of s, cut at a line boundary when
// possible. Failure messages carry the end of the stream, where the shell
// prints what went wrong.
func outputTail(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	s = s[len(s)-max:]
	if i := strings.IndexByte(s, '\n'); i >= 0 && i < len(s)-1 {
		s = s[i+1:]
	}
	return s
}
