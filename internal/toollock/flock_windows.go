// SPDX-License-Identifier: MIT

//go:build windows

package toollock

// lockScan is a no-op on Windows; O_EXCL record creation still prevents
// duplicate ids, and single-daemon deployments serialize through the
// dispatcher.
func (l *Locker) lockScan() (release func(), err error) {
	return func() {}, nil
}
