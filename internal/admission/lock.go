package admission

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
)

// errLockHeld signals that another holder has the advisory lock right now.
var errLockHeld = errors.New("lock held")

// fileLock is a held flock(2) on the lane's lock file. The lock is tied to
// the open descriptor, so it vanishes with the process; a crashed holder
// can never wedge the lane.
type fileLock struct {
	f *os.File
}

// tryLock attempts a non-blocking exclusive flock on path.
// Returns errLockHeld when another process (or another descriptor in this
// process) holds it.
func tryLock(path string) (*fileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, errLockHeld
		}
		return nil, err
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) unlock() {
	if l == nil || l.f == nil {
		return
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	_ = l.f.Close()
	l.f = nil
}
