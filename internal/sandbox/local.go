package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/script"
)

const (
	defaultLocalMemoryMB  = 2048
	defaultLocalCPUCores  = 2.0
	defaultLocalPIDsLimit = 256
	defaultCreateAttempts = 4

	// createBackoffBase is doubled per retry attempt.
	createBackoffBase = 500 * time.Millisecond
)

// LocalConfig configures the Docker-based driver.
type LocalConfig struct {
	// Images pins the container image per agent class.
	Images map[domain.AgentClass]string

	DefaultTimeout time.Duration // Wall-clock budget per run. Default 300s.
	MemoryMB       int           // --memory hard limit.
	CPUCores       float64       // --cpus rate limit.
	PIDsLimit      int           // --pids-limit (prevents fork bombs).

	// CreateAttempts bounds provisioning retries. Default 4.
	CreateAttempts int
}

// LocalDriver executes agent programs inside ephemeral Docker containers.
//
// Security posture, enforced per run:
//   - All Linux capabilities dropped (--cap-drop=ALL)
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Read-only root filesystem with tmpfs for /tmp, /workspace, and HOME
//   - Non-root user
//   - Memory hard limit with swap disabled, CPU rate limit, PIDs limit
//   - Environment built from scratch: only the sanitized base set plus
//     the secrets the chosen agent class requires
//   - Output capped to protect the host
//   - Container always removed, even on timeout/crash (reaper backstop)
type LocalDriver struct {
	cfg    LocalConfig
	reaper *Reaper
	logger *slog.Logger
}

// NewLocalDriver creates the Docker-based driver.
func NewLocalDriver(cfg LocalConfig, logger *slog.Logger) *LocalDriver {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultRunTimeout
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = defaultLocalMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultLocalCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultLocalPIDsLimit
	}
	if cfg.CreateAttempts <= 0 {
		cfg.CreateAttempts = defaultCreateAttempts
	}
	return &LocalDriver{
		cfg:    cfg,
		reaper: NewReaper(ReaperConfig{}, logger),
		logger: logger,
	}
}

func (d *LocalDriver) Kind() Kind { return KindLocal }

// Reaper exposes the orphan reaper for scheduled sweeps.
func (d *LocalDriver) Reaper() *Reaper { return d.reaper }

// Create allocates a session: a unique container name, the resolved image,
// and the injected environment. The container itself starts in Run, which
// is where naming races surface and are retried.
func (d *LocalDriver) Create(_ context.Context, spec Spec) (*Session, error) {
	image, ok := d.cfg.Images[spec.AgentClass]
	if !ok || image == "" {
		return nil, fmt.Errorf("no pinned image for agent class %q", spec.AgentClass)
	}
	name, err := newSandboxName()
	if err != nil {
		return nil, fmt.Errorf("generating sandbox name: %w", err)
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}
	env := make(map[string]string, len(spec.Env))
	for k, v := range spec.Env {
		env[k] = v
	}

	sess := &Session{
		ID:         name,
		DriverKind: KindLocal,
		CreatedAt:  time.Now().UTC(),
		Timeout:    timeout,
		Status:     StatusCreated,
		Env:        env,
	}
	sess.spec = spec
	sess.spec.Image = image

	d.logger.Info("local sandbox created",
		slog.String("sandbox", sess.ID),
		slog.String("image", image),
		slog.String("agent_class", string(spec.AgentClass)),
		slog.Any("env_keys", envKeys(env)),
	)
	return sess, nil
}

// Run starts the container detached, waits for it to finish within the
// session timeout, and fetches the logs BEFORE any removal; once the
// container is removed its logs are gone for good.
func (d *LocalDriver) Run(ctx context.Context, sess *Session, prog *script.Program) (int, string, error) {
	if err := d.startWithRetry(ctx, sess, prog.Script); err != nil {
		return 0, "", err
	}
	sess.Status = StatusRunning

	exitCode, err := d.wait(ctx, sess)
	if err != nil {
		// Grab whatever the container printed before it is destroyed;
		// on timeout this is the only diagnostic trail.
		output := d.fetchLogs(sess.ID)
		sess.Status = StatusDead
		return 0, output, err
	}

	output := d.fetchLogs(sess.ID)
	sess.Status = StatusExited

	d.logger.Info("local sandbox finished",
		slog.String("sandbox", sess.ID),
		slog.Int("exit_code", exitCode),
		slog.Int("output_bytes", len(output)),
	)
	return exitCode, output, nil
}

// startWithRetry runs `docker run -d`. A name collision gets a fresh
// suffix, a proactive orphan sweep, and an exponential backoff before the
// next attempt; other failures share the same retry budget and become
// fatal once it is exhausted.
func (d *LocalDriver) startWithRetry(ctx context.Context, sess *Session, scriptText string) error {
	var lastErr error
	for attempt := 0; attempt < d.cfg.CreateAttempts; attempt++ {
		if attempt > 0 {
			backoff := createBackoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := d.startContainer(ctx, sess, scriptText)
		if err == nil {
			return nil
		}
		lastErr = err

		if isNameConflict(err) {
			d.logger.Warn("container name in use, regenerating",
				slog.String("sandbox", sess.ID),
				slog.Int("attempt", attempt+1),
			)
			d.reaper.Reap(ctx)
			fresh, nameErr := newSandboxName()
			if nameErr != nil {
				return fmt.Errorf("regenerating sandbox name: %w", nameErr)
			}
			sess.ID = fresh
			continue
		}

		d.logger.Warn("container start failed",
			slog.String("sandbox", sess.ID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return fmt.Errorf("starting sandbox after %d attempts: %w", d.cfg.CreateAttempts, lastErr)
}

func (d *LocalDriver) startContainer(ctx context.Context, sess *Session, scriptText string) error {
	args := d.buildRunArgs(sess)
	args = append(args, sess.spec.Image, "/bin/sh", "-c", scriptText)

	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if strings.Contains(msg, "is already in use") {
			return fmt.Errorf("%w: %s", ErrNameConflict, sess.ID)
		}
		return fmt.Errorf("docker run: %v: %s", err, msg)
	}
	return nil
}

// buildRunArgs constructs the docker run argument list with the full
// hardening set. Image and command are appended by the caller.
func (d *LocalDriver) buildRunArgs(sess *Session) []string {
	memoryFlag := strconv.Itoa(d.cfg.MemoryMB) + "m"
	args := []string{
		"run", "--detach",
		"--name", sess.ID,

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=1000:1000",

		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag, // same as memory = swap disabled
		"--cpus=" + strconv.FormatFloat(d.cfg.CPUCores, 'f', 2, 64),
		"--pids-limit=" + strconv.Itoa(d.cfg.PIDsLimit),

		// Writable scratch space on an otherwise read-only root.
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
		"--tmpfs", "/workspace:rw,nosuid,size=512m",
		"--tmpfs", "/home/agent:rw,nosuid,size=64m",

		// Cloning and agent API calls need egress.
		"--network=bridge",

		// Sanitized environment, nothing inherited from the host.
		"--env", "HOME=/home/agent",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",

		"--workdir", "/workspace",

		// Age label lets the reaper judge staleness without inspect.
		"--label", "io.kazi.sandbox=1",
	}
	for k, v := range sess.Env {
		args = append(args, "--env", k+"="+v)
	}
	return args
}

// wait blocks on `docker wait` up to the session timeout.
func (d *LocalDriver) wait(ctx context.Context, sess *Session) (int, error) {
	waitCtx, cancel := context.WithTimeout(ctx, sess.Timeout)
	defer cancel()

	out, err := exec.CommandContext(waitCtx, "docker", "wait", sess.ID).Output()
	if err != nil {
		if waitCtx.Err() != nil {
			d.logger.Warn("local sandbox timed out",
				slog.String("sandbox", sess.ID),
				slog.Duration("timeout", sess.Timeout),
			)
			return 0, &TimeoutError{Step: "sandbox-wait", Limit: sess.Timeout}
		}
		return 0, fmt.Errorf("docker wait %s: %w", sess.ID, err)
	}
	code, convErr := strconv.Atoi(strings.TrimSpace(string(out)))
	if convErr != nil {
		return 0, fmt.Errorf("docker wait %s: unparseable exit code %q", sess.ID, out)
	}
	return code, nil
}

// fetchLogs retrieves the container's combined output. Best effort: a
// missing container yields an empty string, not an error.
func (d *LocalDriver) fetchLogs(name string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, remaining: maxOutputBytes}
	cmd := exec.CommandContext(ctx, "docker", "logs", name)
	cmd.Stdout = lw
	cmd.Stderr = lw
	if err := cmd.Run(); err != nil {
		d.logger.Warn("docker logs failed",
			slog.String("sandbox", name),
			slog.String("error", err.Error()),
		)
	}
	return buf.String()
}

// Destroy force-removes the container. "Already gone" is success: the
// container may vanish between any list and act step.
func (d *LocalDriver) Destroy(_ context.Context, sess *Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", sess.ID).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		d.logger.Warn("docker rm -f failed",
			slog.String("sandbox", sess.ID),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
		return fmt.Errorf("removing sandbox %s: %w", sess.ID, err)
	}
	sess.Status = StatusDead
	d.logger.Info("local sandbox destroyed", slog.String("sandbox", sess.ID))
	return nil
}

func isNameConflict(err error) bool {
	return errors.Is(err, ErrNameConflict)
}

// envKeys returns the key names only; values are secrets.
func envKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	return keys
}
