package admission

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
)

func testController(t *testing.T) *Controller {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(Config{
		LockPath:   filepath.Join(t.TempDir(), "exclusive.lock"),
		QueueSize:  32,
		StaggerMax: 60 * time.Millisecond,
	}, logger)
}

func TestPolicyFor(t *testing.T) {
	if PolicyFor(domain.AgentClaude) != PolicyParallel {
		t.Error("claude should be parallel")
	}
	if PolicyFor(domain.AgentCodex) != PolicyExclusive {
		t.Error("codex should be exclusive")
	}
}

func TestAdmit_ParallelIsImmediate(t *testing.T) {
	c := testController(t)
	start := time.Now()
	for i := 0; i < 20; i++ {
		ticket, err := c.Admit(context.Background(), domain.AgentClaude)
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		defer ticket.Release()
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("parallel admissions took %v", elapsed)
	}
}

// Under N concurrent exclusive admissions, at most one ticket is held at any
// sampled instant, and all N complete.
func TestAdmit_ExclusiveMutualExclusion(t *testing.T) {
	c := testController(t)
	const n = 8

	var (
		inFlight int32
		maxSeen  int32
		wg       sync.WaitGroup
	)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := c.Admit(ctx, domain.AgentCodex)
			if err != nil {
				t.Errorf("admit: %v", err)
				return
			}
			cur := atomic.AddInt32(&inFlight, 1)
			for {
				prev := atomic.LoadInt32(&maxSeen)
				if cur <= prev || atomic.CompareAndSwapInt32(&maxSeen, prev, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond) // hold the lane briefly
			atomic.AddInt32(&inFlight, -1)
			ticket.Release()
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&maxSeen); got != 1 {
		t.Errorf("max concurrent exclusive holders = %d, want 1", got)
	}
}

func TestAdmit_ExclusiveQueueBound(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	c := New(Config{
		LockPath:   filepath.Join(t.TempDir(), "exclusive.lock"),
		QueueSize:  1,
		StaggerMax: time.Millisecond,
	}, logger)

	first, err := c.Admit(context.Background(), domain.AgentCodex)
	if err != nil {
		t.Fatalf("first admit: %v", err)
	}

	// The holder occupies the single slot for the duration of its run, so
	// further admissions fail fast instead of piling up.
	if _, err := c.Admit(context.Background(), domain.AgentCodex); err == nil {
		t.Error("expected queue-full error while lane occupied")
	}

	first.Release()
	again, err := c.Admit(context.Background(), domain.AgentCodex)
	if err != nil {
		t.Fatalf("admit after release: %v", err)
	}
	again.Release()
}

func TestAdmit_ContextCancellation(t *testing.T) {
	c := testController(t)

	holder, err := c.Admit(context.Background(), domain.AgentCodex)
	if err != nil {
		t.Fatalf("holder admit: %v", err)
	}
	defer holder.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if _, err := c.Admit(ctx, domain.AgentCodex); err == nil {
		t.Error("expected context deadline error while lane held")
	}
}

func TestTicket_ReleaseIdempotent(t *testing.T) {
	c := testController(t)
	ticket, err := c.Admit(context.Background(), domain.AgentCodex)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	ticket.Release()
	ticket.Release() // must not panic or double-free the queue slot

	// Lane must be reusable afterwards.
	again, err := c.Admit(context.Background(), domain.AgentCodex)
	if err != nil {
		t.Fatalf("re-admit after release: %v", err)
	}
	again.Release()
}

func TestFileLock_CrossDescriptorExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")
	l1, err := tryLock(path)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if _, err := tryLock(path); err != errLockHeld {
		t.Errorf("second lock err = %v, want errLockHeld", err)
	}
	l1.unlock()
	l2, err := tryLock(path)
	if err != nil {
		t.Fatalf("relock after unlock: %v", err)
	}
	l2.unlock()
}
