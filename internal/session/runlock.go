package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// RunLockFileName is held with an exclusive flock for as long as a bridge
// serves the profile. The kernel drops it if the process dies.
const RunLockFileName = "bridge.lock"

// ErrBridgeRunning is returned when another process holds the profile's run lock.
var ErrBridgeRunning = errors.New("a bridge is running for this profile; stop it first")

// RunLock is a held run lock.
type RunLock struct {
	file *os.File
}

// AcquireRunLock takes the profile's run lock without waiting. The holder's
// pid is written into the file for operators.
func AcquireRunLock(dir string) (*RunLock, error) {
	f, err := openRunLock(dir)
	if err != nil {
		return nil, err
	}
	if err := tryLock(f); err != nil {
		f.Close()
		return nil, err
	}
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	return &RunLock{file: f}, nil
}

// Release drops the lock. The file stays so a later check needs no create.
func (l *RunLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}

// CheckRunLock returns ErrBridgeRunning while another holder has the lock.
func CheckRunLock(dir string) error {
	f, err := openRunLock(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := tryLock(f); err != nil {
		return err
	}
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

func openRunLock(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("session: run lock: %w", err)
	}
	path := filepath.Join(dir, RunLockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("session: open %s: %w", path, err)
	}
	return f, nil
}

func tryLock(f *os.File) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EWOULDBLOCK):
			return ErrBridgeRunning
		default:
			return fmt.Errorf("session: flock %s: %w", f.Name(), err)
		}
	}
}
