// SPDX-License-Identifier: MIT

package storage

import (
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/hlscache/hlscache/internal/queue"
)

// mediaExtensions is the supported-container allowlist for discovery.
var mediaExtensions = map[string]bool{
	".mp4": true,
	".mkv": true,
}

// IsMediaFile reports whether the filename carries a supported container
// extension.
func IsMediaFile(name string) bool {
	return mediaExtensions[strings.ToLower(filepath.Ext(name))]
}

// DiscoverMedia walks root recursively and returns all supported media files,
// skipping hidden files and hidden directories (which also keeps produced
// package directories out of the results).
func DiscoverMedia(root string) ([]queue.SourceFile, error) {
	var out []queue.SourceFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") && path != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !IsMediaFile(name) {
			return nil
		}
		out = append(out, queue.SourceFile{
			Name:      name,
			Directory: filepath.Dir(path),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
