// SPDX-License-Identifier: MIT

package ffmpeg

import (
	"fmt"
	"os"
	"strings"
)

// Marker tables for outcome classification. The encoder has no structured
// machine-readable completion signal in all invocation modes, so the final
// authority is the conjunction of exit code, output text and artifact
// presence, with error markers taking precedence over apparent success.
var (
	errorMarkers = []string{
		"Permission denied",
		"No such file or directory",
		"Invalid data found when processing input",
		"Conversion failed",
		"Error opening input",
	}

	// successMarkers appear in the final muxing-statistics lines of a
	// completed encode.
	successMarkers = []string{
		"muxing overhead",
		"video:",
	}
)

// Classify decides whether one encoder invocation succeeded. output is the
// captured stderr text, waitErr the process wait result, artifacts the files
// that must exist on disk for the strategy that ran. Some valid invocations
// exit non-zero for benign reasons, so the exit code alone is never trusted.
func Classify(output string, waitErr error, artifacts []string) error {
	for _, marker := range errorMarkers {
		if idx := strings.Index(output, marker); idx >= 0 {
			return fmt.Errorf("encoder reported failure: %s", markerLine(output, idx))
		}
	}

	if missing := missingArtifacts(artifacts); len(missing) > 0 {
		if waitErr != nil {
			return fmt.Errorf("encoder failed (%v), missing output: %s", waitErr, strings.Join(missing, ", "))
		}
		return fmt.Errorf("encoder exited cleanly but output is missing: %s", strings.Join(missing, ", "))
	}

	if waitErr != nil && !hasSuccessMarker(output) {
		return fmt.Errorf("encoder exited with error and no completion markers: %w", waitErr)
	}

	return nil
}

func hasSuccessMarker(output string) bool {
	for _, marker := range successMarkers {
		if strings.Contains(output, marker) {
			return true
		}
	}
	return false
}

func missingArtifacts(paths []string) []string {
	var missing []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
			missing = append(missing, p)
		}
	}
	return missing
}

// markerLine returns the full output line containing the byte offset idx.
func markerLine(output string, idx int) string {
	start := strings.LastIndexByte(output[:idx], '\n') + 1
	end := strings.IndexByte(output[idx:], '\n')
	if end < 0 {
		return strings.TrimSpace(output[start:])
	}
	return strings.TrimSpace(output[start : idx+end])
}
