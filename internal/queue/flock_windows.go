// SPDX-License-Identifier: MIT

//go:build windows

package queue

// acquireFileLock is a no-op on Windows; the in-process mutex still serializes
// all writers within one daemon, which is the supported deployment there.
func (s *Store) acquireFileLock() (release func(), err error) {
	return func() {}, nil
}
