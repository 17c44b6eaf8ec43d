// Package filelock provides the flock-based run lock. One orchestrator run
// holds the lock for one device for its whole lifetime; a second invocation
// against the same device fails fast instead of queueing, because two
// concurrent installs over one connection can corrupt the device.
package filelock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrLocked is returned when another process holds the run lock.
var ErrLocked = errors.New("run lock is held by another process")

// Lock represents the acquired run lock.
type Lock struct {
	Path string
	file *os.File
}

// Meta is the on-disk metadata written alongside a lock file, used to report
// who holds the lock and to detect stale locks from dead processes.
type Meta struct {
	PID       int    `json:"pid"`
	Device    string `json:"device"`
	Timestamp string `json:"timestamp"`
}

// Acquire takes the run lock for the named device under baseDir. It returns
// ErrLocked without blocking if another process holds it. The kernel drops
// the flock when its holder exits, so a lock file left behind by a dead
// process does not block acquisition.
func Acquire(baseDir, deviceName string) (*Lock, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir for lock: %w", err)
	}
	lockPath := filepath.Join(baseDir, deviceName+".lock")

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("flock: %w", err)
	}

	meta := Meta{
		PID:       os.Getpid(),
		Device:    deviceName,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(meta)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("marshal meta: %w", err)
	}
	if err := os.WriteFile(lockPath+".meta", data, 0o644); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write meta: %w", err)
	}

	return &Lock{Path: lockPath, file: f}, nil
}

// Release drops the flock, closes the file, and removes the meta file.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("flock LOCK_UN: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	l.file = nil
	_ = os.Remove(l.Path + ".meta")
	return nil
}

// ReadMeta reads the metadata of the lock at lockPath.
func ReadMeta(lockPath string) (Meta, error) {
	data, err := os.ReadFile(lockPath + ".meta")
	if err != nil {
		return Meta{}, fmt.Errorf("read meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// Holder reports the recorded holder of the run lock for the named device.
// The second return is false when no metadata exists or the recorded
// process is gone.
func Holder(baseDir, deviceName string) (Meta, bool) {
	lockPath := filepath.Join(baseDir, deviceName+".lock")
	meta, err := ReadMeta(lockPath)
	if err != nil || IsStale(lockPath) {
		return Meta{}, false
	}
	return meta, true
}

// IsStale reports whether the lock's recorded holder is no longer alive.
func IsStale(lockPath string) bool {
	meta, err := ReadMeta(lockPath)
	if err != nil {
		return true
	}
	proc, err := os.FindProcess(meta.PID)
	if err != nil {
		return true
	}
	// Signal 0 checks process existence without sending a signal.
	return proc.Signal(syscall.Signal(0)) != nil
}
