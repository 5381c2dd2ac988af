// SPDX-License-Identifier: MIT

package ffmpeg

import (
	"strings"
	"sync"
)

// LineRing is a thread-safe ring buffer capturing the last N lines of encoder
// output. It implements io.Writer so it can be wired directly to stderr.
type LineRing struct {
	mu    sync.RWMutex
	lines []string
	head  int
	size  int
	tail  string // partial line carried between writes
}

// NewLineRing creates a LineRing with the given capacity.
func NewLineRing(capacity int) *LineRing {
	if capacity < 1 {
		capacity = 50
	}
	return &LineRing{
		lines: make([]string, capacity),
		size:  capacity,
	}
}

// Write splits input into lines and appends them, keeping incomplete trailing
// data until the next write completes it.
func (r *LineRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.tail + string(p)
	parts := strings.Split(s, "\n")
	r.tail = parts[len(parts)-1]
	for _, line := range parts[:len(parts)-1] {
		if line == "" {
			continue
		}
		r.lines[r.head] = line
		r.head = (r.head + 1) % r.size
	}
	return len(p), nil
}

// LastN returns the last n lines in chronological order.
func (r *LineRing) LastN(n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.size {
		n = r.size
	}
	ordered := make([]string, 0, r.size)
	for i := 0; i < r.size; i++ {
		idx := (r.head + i) % r.size
		if r.lines[idx] != "" {
			ordered = append(ordered, r.lines[idx])
		}
	}
	if r.tail != "" {
		ordered = append(ordered, r.tail)
	}
	if len(ordered) <= n {
		return ordered
	}
	return ordered[len(ordered)-n:]
}

// Text returns the buffered output as one string, oldest line first.
func (r *LineRing) Text() string {
	return strings.Join(r.LastN(r.size), "\n")
}
