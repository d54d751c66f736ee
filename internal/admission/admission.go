// Package admission gates how many tasks of a given agent class may hold a
// sandbox at the same time.
//
// Two policies exist: Parallel classes admit immediately and without bound;
// Exclusive classes run on a single global sequential lane backed by a
// bounded wait queue and an OS advisory file lock, so at most one task of
// that class executes at any instant across the whole process group, not
// just within one process. Exclusive admissions are also staggered by a
// small randomized delay to desynchronize bursts of concurrent submissions.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
)

// Policy is the admission behavior for an agent class.
type Policy string

const (
	PolicyParallel  Policy = "parallel"
	PolicyExclusive Policy = "exclusive"
)

// PolicyFor maps an agent class to its admission policy. Codex sandbox
// provisioning races under concurrent creation, hence the exclusive lane.
func PolicyFor(class domain.AgentClass) Policy {
	if class == domain.AgentCodex {
		return PolicyExclusive
	}
	return PolicyParallel
}

// Ticket is the grant to proceed to sandbox execution. It is held for the
// duration of the run and must be released on every exit path; Release is
// idempotent so a deferred call is always safe.
type Ticket struct {
	Class      domain.AgentClass
	AcquiredAt time.Time

	release  func()
	released bool
}

// Release frees the lane. Safe to call more than once.
func (t *Ticket) Release() {
	if t == nil || t.released {
		return
	}
	t.released = true
	if t.release != nil {
		t.release()
	}
}

// Config tunes the controller.
type Config struct {
	// LockPath is the advisory lock file for the exclusive lane.
	// Default: /tmp/kazi-exclusive.lock.
	LockPath string

	// QueueSize bounds how many exclusive tasks may wait for the lane at
	// once; admissions beyond it fail fast. Default: 16.
	QueueSize int

	// StaggerMax caps the randomized pre-admission delay for exclusive
	// tasks. Default: 2s.
	StaggerMax time.Duration
}

const (
	defaultLockPath   = "/tmp/kazi-exclusive.lock"
	defaultQueueSize  = 16
	defaultStaggerMax = 2 * time.Second

	// lock retry backoff bounds when another process holds the lane.
	lockRetryMin = 200 * time.Millisecond
	lockRetryMax = 700 * time.Millisecond
)

// Controller implements the two admission policies.
type Controller struct {
	cfg    Config
	queue  chan struct{}
	logger *slog.Logger
}

// New creates an admission controller.
func New(cfg Config, logger *slog.Logger) *Controller {
	if cfg.LockPath == "" {
		cfg.LockPath = defaultLockPath
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.StaggerMax <= 0 {
		cfg.StaggerMax = defaultStaggerMax
	}
	return &Controller{
		cfg:    cfg,
		queue:  make(chan struct{}, cfg.QueueSize),
		logger: logger,
	}
}

// Admit blocks until the task may proceed, honoring ctx cancellation.
// Parallel classes are admitted immediately. Exclusive classes wait for the
// global lane; there is no FIFO fairness guarantee among waiters; only
// mutual exclusion.
func (c *Controller) Admit(ctx context.Context, class domain.AgentClass) (*Ticket, error) {
	if PolicyFor(class) == PolicyParallel {
		return &Ticket{Class: class, AcquiredAt: time.Now()}, nil
	}
	return c.admitExclusive(ctx, class)
}

func (c *Controller) admitExclusive(ctx context.Context, class domain.AgentClass) (*Ticket, error) {
	// Randomized stagger to break up thundering herds of submissions.
	if err := sleepCtx(ctx, randDuration(50*time.Millisecond, c.cfg.StaggerMax)); err != nil {
		return nil, err
	}

	// Reserve a wait-queue slot; a full queue means the lane is badly
	// oversubscribed and the caller should fail rather than pile up.
	select {
	case c.queue <- struct{}{}:
	default:
		return nil, fmt.Errorf("exclusive lane queue full (%d waiting)", c.cfg.QueueSize)
	}
	slotHeld := true
	defer func() {
		if slotHeld {
			<-c.queue
		}
	}()

	start := time.Now()
	lock, err := c.acquireFileLock(ctx)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("exclusive lane acquired",
		slog.String("agent_class", string(class)),
		slog.Duration("waited", time.Since(start)),
	)

	slotHeld = false // ownership moves to the ticket
	return &Ticket{
		Class:      class,
		AcquiredAt: time.Now(),
		release: func() {
			lock.unlock()
			<-c.queue
		},
	}, nil
}

// acquireFileLock polls the advisory lock with randomized backoff rather
// than blocking in the kernel, so ctx cancellation stays responsive.
func (c *Controller) acquireFileLock(ctx context.Context) (*fileLock, error) {
	for {
		lock, err := tryLock(c.cfg.LockPath)
		if err == nil {
			return lock, nil
		}
		if err != errLockHeld {
			return nil, fmt.Errorf("acquiring exclusive lock %s: %w", c.cfg.LockPath, err)
		}
		if err := sleepCtx(ctx, randDuration(lockRetryMin, lockRetryMax)); err != nil {
			return nil, err
		}
	}
}

func randDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
