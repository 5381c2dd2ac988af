// SPDX-License-Identifier: MIT

//go:build !windows

package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// acquireFileLock takes an exclusive advisory lock on the store's sidecar
// lock file. The returned release function unlocks and closes it.
func (s *Store) acquireFileLock() (release func(), err error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}
	f, err := os.OpenFile(s.lockPath(), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open queue lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("flock queue lock file: %w", err)
	}
	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
	}, nil
}
