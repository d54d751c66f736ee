// Package sandbox provisions the isolated, ephemeral compute environments
// that execute agent scripts. All agent work runs through a sandbox, never
// directly on the host.
//
// Two drivers exist: LocalDriver runs hardened Docker containers via the
// docker CLI; RemoteDriver leases sandboxes from a managed service over
// HTTP. Both expose the same create / run / destroy shape so the
// orchestrator has a single code path.
package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/script"
)

// Kind identifies the driver that owns a session.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// Status is the lifecycle state of a sandbox session.
type Status string

const (
	StatusCreated     Status = "created"
	StatusRunning     Status = "running"
	StatusExited      Status = "exited"
	StatusDead        Status = "dead"
	StatusUnreachable Status = "unreachable"
)

// Session is one ephemeral compute environment, owned exclusively by one
// task for its lifetime. It is destroyed unconditionally when the task
// completes, fails, or times out; a leaked session leaks cost and the
// secrets injected into its environment.
type Session struct {
	// ID is the driver-scoped identifier: the container name for the
	// local driver, the service sandbox id for the remote one.
	ID         string
	DriverKind Kind
	CreatedAt  time.Time
	Timeout    time.Duration
	Status     Status

	// Env holds the secrets and settings injected at provisioning.
	// Never logged; log key names only.
	Env map[string]string

	// spec is the resolved provisioning spec, kept for Run.
	spec Spec
}

// Spec describes the sandbox to provision.
type Spec struct {
	AgentClass domain.AgentClass

	// Image pins the container image for the local driver.
	Image string
	// Template names the prebuilt image/template for the remote service.
	Template string

	MemoryMB  int
	CPUCores  float64
	PIDsLimit int

	// Env is merged into the sandbox's sanitized base environment.
	// This is the only channel through which agent secrets travel.
	Env map[string]string

	// Timeout bounds the whole run for the local driver. Zero = 300s.
	Timeout time.Duration
}

// Driver provisions, runs, and destroys sandbox sessions.
type Driver interface {
	Kind() Kind

	// Create provisions a session for the spec.
	Create(ctx context.Context, spec Spec) (*Session, error)

	// Run executes the composed program and returns the exit code and the
	// combined output stream. Implementations choose the program shape
	// that fits their channel: one script, or discrete steps.
	Run(ctx context.Context, sess *Session, prog *script.Program) (int, string, error)

	// Destroy tears the session down. It must tolerate "already gone"
	// and is safe to call on every exit path.
	Destroy(ctx context.Context, sess *Session) error
}

// Provisioning failures the orchestrator distinguishes for actionable
// messages. Name conflicts are retried; the others are fatal.
var (
	ErrQuotaExceeded    = errors.New("sandbox quota exceeded")
	ErrTemplateNotFound = errors.New("sandbox template not found")
	ErrNameConflict     = errors.New("sandbox name already in use")
)

// TimeoutError reports which step exceeded which configured budget, so the
// task's failure message can name both.
type TimeoutError struct {
	Step  string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %q timed out after %s", e.Step, e.Limit)
}

// DefaultRunTimeout bounds a local sandbox run when the spec sets none.
const DefaultRunTimeout = 300 * time.Second

// maxOutputBytes caps captured output to protect the host from chatty or
// malicious agents.
const maxOutputBytes = 4 << 20 // 4 MB

// newSandboxName returns a unique container name: kazi-sbx-<16 hex chars>.
func newSandboxName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return NamePrefix + hex.EncodeToString(b), nil
}

// NamePrefix is this system's container naming convention; the reaper only
// ever touches containers matching it.
const NamePrefix = "kazi-sbx-"

// limitedWriter caps bytes written to the underlying writer; overflow is
// silently dropped.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	if len(p) > lw.remaining {
		if _, err := lw.w.Write(p[:lw.remaining]); err != nil {
			return 0, err
		}
		lw.remaining = 0
		return len(p), nil
	}
	lw.remaining -= len(p)
	return lw.w.Write(p)
}
