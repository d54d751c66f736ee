package sandbox

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// defaultMaxAge is the age ceiling past which a sandbox container is
// removed regardless of its reported state.
const defaultMaxAge = 2 * time.Hour

// defaultGrace spares freshly created containers. A sandbox that just
// exited may still have its logs in flight to the executor that owns it;
// the sweep before the next provisioning must not race that collection.
const defaultGrace = 5 * time.Minute

// ReaperConfig tunes orphan reclamation.
type ReaperConfig struct {
	// MaxAge is the age ceiling. Default 2h.
	MaxAge time.Duration

	// Grace spares non-running containers younger than this, so a
	// concurrent run's just-exited sandbox keeps its logs until its
	// own executor removes it. Default 5m.
	Grace time.Duration
}

// Reaper removes sandbox containers left behind by crashed or abandoned
// runs. It only ever touches containers matching the kazi naming
// convention. Reaping is best effort throughout: a removal failure is
// logged and never fatal to the caller, and a container vanishing between
// the list and the remove is not an error.
type Reaper struct {
	cfg    ReaperConfig
	logger *slog.Logger
}

// NewReaper creates a reaper.
func NewReaper(cfg ReaperConfig, logger *slog.Logger) *Reaper {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAge
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	return &Reaper{cfg: cfg, logger: logger}
}

// containerInfo is one row of `docker ps` output for a sandbox container.
type containerInfo struct {
	Name      string
	State     string // running, exited, created, restarting, dead, paused
	CreatedAt time.Time
}

// Reap lists this system's sandbox containers and removes the orphans.
// Returns how many were removed.
func (r *Reaper) Reap(ctx context.Context) int {
	out, err := exec.CommandContext(ctx, "docker", "ps", "--all",
		"--filter", "name="+NamePrefix,
		"--format", "{{.Names}}\t{{.State}}\t{{.CreatedAt}}",
	).Output()
	if err != nil {
		r.logger.Warn("listing sandbox containers failed", slog.String("error", err.Error()))
		return 0
	}

	removed := 0
	now := time.Now()
	for _, info := range parseContainerList(string(out)) {
		if !shouldReap(info, now, r.cfg.MaxAge, r.cfg.Grace) {
			continue
		}
		if r.remove(ctx, info.Name) {
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("reaped orphaned sandboxes", slog.Int("count", removed))
	}
	return removed
}

// shouldReap decides whether a container is an orphan: anything not
// currently running and older than the grace window, and anything past
// the age ceiling no matter what state it reports. The grace window keeps
// the opportunistic pre-provisioning sweep from removing a concurrent
// run's sandbox in the gap between its exit and its log collection.
func shouldReap(info containerInfo, now time.Time, maxAge, grace time.Duration) bool {
	if info.State != "running" {
		if !info.CreatedAt.IsZero() && now.Sub(info.CreatedAt) < grace {
			return false
		}
		return true
	}
	// Running containers are reaped only past the age ceiling.
	return !info.CreatedAt.IsZero() && now.Sub(info.CreatedAt) > maxAge
}

// remove force-removes one container; "already gone" counts as removed.
func (r *Reaper) remove(ctx context.Context, name string) bool {
	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil {
		if strings.Contains(string(out), "No such container") {
			return true
		}
		r.logger.Warn("reap removal failed",
			slog.String("sandbox", name),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// dockerCreatedAtLayout matches docker's {{.CreatedAt}} format, e.g.
// "2026-08-29 10:04:05 +0000 UTC".
const dockerCreatedAtLayout = "2006-01-02 15:04:05 -0700 MST"

// parseContainerList parses the tab-separated ps output. Rows it cannot
// parse are kept with a zero CreatedAt so the state rules still apply.
func parseContainerList(out string) []containerInfo {
	var infos []containerInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) < 2 || !strings.HasPrefix(fields[0], NamePrefix) {
			continue
		}
		info := containerInfo{
			Name:  fields[0],
			State: strings.ToLower(fields[1]),
		}
		if len(fields) == 3 {
			if ts, err := time.Parse(dockerCreatedAtLayout, strings.TrimSpace(fields[2])); err == nil {
				info.CreatedAt = ts
			}
		}
		infos = append(infos, info)
	}
	return infos
}
