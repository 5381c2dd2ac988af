// SPDX-License-Identifier: MIT

//go:build !windows

package toollock

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// lockScan takes an exclusive advisory lock covering one reap-count-create
// pass over the lock directory, so concurrent acquirers cannot both observe
// a free slot. The sidecar name does not carry the record suffix and is
// never counted as a held slot.
func (l *Locker) lockScan() (release func(), err error) {
	f, err := os.OpenFile(filepath.Join(l.cfg.Dir, ".scanlock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock directory sidecar: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("flock lock directory sidecar: %w", err)
	}
	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
	}, nil
}
