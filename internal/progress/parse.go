// SPDX-License-Identifier: MIT

package progress

import (
	"bufio"
	"strings"
)

// A block in the encoder's report stream is a run of key=value lines closed
// by the sentinel "progress=continue" (more to come) or "progress=end"
// (stream finished).
const sentinelKey = "progress"

// ParseStream extracts the most recent complete block from the report text.
// Unterminated trailing lines are ignored: they may still be mid-write.
// ended reports whether any observed sentinel said the stream is finished.
func ParseStream(text string) (block map[string]string, ended bool) {
	scanner := bufio.NewScanner(strings.NewReader(text))
	pending := make(map[string]string)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == sentinelKey {
			if value == "end" {
				ended = true
			}
			block = pending
			pending = make(map[string]string)
			continue
		}
		pending[key] = value
	}
	return block, ended
}
