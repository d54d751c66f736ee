package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/kazi/internal/script"
)

const (
	defaultRemoteTimeout = 300 * time.Second
	sandboxesPath        = "/v1/sandboxes"
)

// RemoteConfig configures the managed-sandbox-service driver.
type RemoteConfig struct {
	BaseURL  string // Service endpoint, e.g. "https://sandboxes.example.com".
	APIKey   string // Service credential. Never logged.
	Template string // Optional prebuilt sandbox template id.

	// SessionTimeout is the lifetime requested from the service.
	SessionTimeout time.Duration
}

// RemoteDriver leases ephemeral sandboxes from a managed service over HTTP.
// The service has no "run script and wait" primitive, so Run issues the
// program's discrete steps as individual command invocations, each with its
// own timeout.
type RemoteDriver struct {
	cfg        RemoteConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// RemoteOption configures the remote driver.
type RemoteOption func(*RemoteDriver)

// WithHTTPClient sets a custom HTTP client (useful for testing).
func WithHTTPClient(hc *http.Client) RemoteOption {
	return func(d *RemoteDriver) { d.httpClient = hc }
}

// NewRemoteDriver creates the managed-service driver.
func NewRemoteDriver(cfg RemoteConfig, logger *slog.Logger, opts ...RemoteOption) *RemoteDriver {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = defaultRemoteTimeout
	}
	d := &RemoteDriver{
		cfg:        cfg,
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *RemoteDriver) Kind() Kind { return KindRemote }

type createSandboxRequest struct {
	Template       string            `json:"template,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Env            map[string]string `json:"env,omitempty"`
}

type createSandboxResponse struct {
	ID string `json:"id"`
}

type execRequest struct {
	Command        []string `json:"command"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

type execResponse struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Create requests a sandbox from the service. Quota and template failures
// are distinguished so the orchestrator can surface an actionable message.
func (d *RemoteDriver) Create(ctx context.Context, spec Spec) (*Session, error) {
	template := spec.Template
	if template == "" {
		template = d.cfg.Template
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = d.cfg.SessionTimeout
	}

	body := createSandboxRequest{
		Template:       template,
		TimeoutSeconds: int(timeout.Seconds()),
		Env:            spec.Env,
	}
	var resp createSandboxResponse
	status, err := d.do(ctx, http.MethodPost, sandboxesPath, body, &resp)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: the sandbox service rejected the request; retry later or raise the account limit", ErrQuotaExceeded)
	case status == http.StatusNotFound:
		return nil, fmt.Errorf("%w: template %q does not exist on the sandbox service", ErrTemplateNotFound, template)
	case status >= 300:
		return nil, fmt.Errorf("creating remote sandbox: service returned status %d", status)
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("creating remote sandbox: service returned no id")
	}

	env := make(map[string]string, len(spec.Env))
	for k, v := range spec.Env {
		env[k] = v
	}
	sess := &Session{
		ID:         resp.ID,
		DriverKind: KindRemote,
		CreatedAt:  time.Now().UTC(),
		Timeout:    timeout,
		Status:     StatusCreated,
		Env:        env,
	}
	sess.spec = spec

	d.logger.Info("remote sandbox created",
		slog.String("sandbox", sess.ID),
		slog.String("template", template),
		slog.Any("env_keys", envKeys(env)),
	)
	return sess, nil
}

// Run issues the program's steps one by one. Each step gets its own
// timeout; a step that exceeds it fails the run with an error naming the
// step and its budget. Output across steps is concatenated so the decoder
// sees the same stream shape the local driver produces.
func (d *RemoteDriver) Run(ctx context.Context, sess *Session, prog *script.Program) (int, string, error) {
	sess.Status = StatusRunning
	var combined strings.Builder

	for _, step := range prog.Steps {
		exitCode, output, err := d.execStep(ctx, sess.ID, step)
		combined.WriteString(output)
		if output != "" && !strings.HasSuffix(output, "\n") {
			combined.WriteString("\n")
		}
		if err != nil {
			sess.Status = StatusUnreachable
			return 0, combined.String(), err
		}
		if exitCode != 0 {
			sess.Status = StatusExited
			d.logger.Warn("remote step failed",
				slog.String("sandbox", sess.ID),
				slog.String("step", step.Name),
				slog.Int("exit_code", exitCode),
			)
			return exitCode, combined.String(), nil
		}
	}

	sess.Status = StatusExited
	return 0, combined.String(), nil
}

func (d *RemoteDriver) execStep(ctx context.Context, id string, step script.Step) (int, string, error) {
	stepCtx, cancel := context.WithTimeout(ctx, step.Timeout)
	defer cancel()

	body := execRequest{
		Command:        []string{"/bin/sh", "-c", step.Command},
		TimeoutSeconds: int(step.Timeout.Seconds()),
	}
	var resp execResponse
	status, err := d.do(stepCtx, http.MethodPost, sandboxesPath+"/"+id+"/exec", body, &resp)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return 0, "", &TimeoutError{Step: step.Name, Limit: step.Timeout}
		}
		return 0, "", fmt.Errorf("step %q: %w", step.Name, err)
	}
	if status >= 300 {
		return 0, "", fmt.Errorf("step %q: service returned status %d", step.Name, status)
	}
	return resp.ExitCode, resp.Output, nil
}

// Destroy releases the remote sandbox. Destruction is guaranteed by the
// orchestrator's cleanup path regardless of run outcome; a sandbox the
// service no longer knows about is already destroyed.
func (d *RemoteDriver) Destroy(ctx context.Context, sess *Session) error {
	// Use a fresh deadline: the caller's context may already be dead and
	// cleanup must still go through.
	destroyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	status, err := d.do(destroyCtx, http.MethodDelete, sandboxesPath+"/"+sess.ID, nil, nil)
	if err != nil {
		return fmt.Errorf("destroying remote sandbox %s: %w", sess.ID, err)
	}
	if status >= 300 && status != http.StatusNotFound {
		return fmt.Errorf("destroying remote sandbox %s: service returned status %d", sess.ID, status)
	}
	sess.Status = StatusDead
	d.logger.Info("remote sandbox destroyed", slog.String("sandbox", sess.ID))
	return nil
}

// do sends one JSON request and decodes the response into out (when
// non-nil). Returns the HTTP status code; transport failures are errors,
// non-2xx statuses are not.
func (d *RemoteDriver) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var reqBody io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("marshaling request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.cfg.BaseURL+path, reqBody)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.cfg.APIKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxOutputBytes))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	if out != nil && resp.StatusCode < 300 && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
