// SPDX-License-Identifier: MIT

// Package storage resolves logical output locations, discovers source media
// and probes produced packages on disk.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hlscache/hlscache/internal/queue"
)

// Output-location policies a job may request.
const (
	PolicySource = "source" // next to the source file
	PolicyHome   = "home"   // under the per-owner home root
	PolicyCustom = "custom" // fixed absolute path
)

// Artifact names probed as the on-disk "cache exists" signal.
const (
	MasterPlaylist = "master.m3u8" // adaptive package index
	SinglePlaylist = "stream.m3u8" // single-rendition fallback
)

// cacheDirName is the hidden directory holding packages written next to the
// source; hidden so discovery never rescans produced output.
const cacheDirName = ".cache"

var (
	// ErrUnknownPolicy marks an input error: no retry will fix it.
	ErrUnknownPolicy = errors.New("storage: unknown output-location policy")
	// ErrNoCustomPath marks a custom-policy job without a configured path.
	ErrNoCustomPath = errors.New("storage: custom output policy without a path")
)

// Resolver maps (owner, source, settings) to writable output directories.
type Resolver struct {
	HomeRoot     string // root for the "home" policy, one subtree per owner
	CustomOutput string // daemon-wide fallback for the "custom" policy
}

// NewResolver returns a resolver with the configured roots.
func NewResolver(homeRoot, customOutput string) *Resolver {
	return &Resolver{HomeRoot: homeRoot, CustomOutput: customOutput}
}

// OutputDir resolves the output directory for a job and creates it if absent.
func (r *Resolver) OutputDir(ownerID string, src queue.SourceFile, settings queue.JobSettings) (string, error) {
	dir, err := r.resolve(ownerID, src, settings)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	return dir, nil
}

// CandidateDirs returns every location a package for src may live at, in
// probe order. Used by the duplicate check and statistics, which must find
// output regardless of which policy produced it.
func (r *Resolver) CandidateDirs(ownerID string, src queue.SourceFile, settings queue.JobSettings) []string {
	var dirs []string
	for _, policy := range []string{PolicySource, PolicyHome, PolicyCustom} {
		s := settings
		s.OutputPolicy = policy
		if dir, err := r.resolve(ownerID, src, s); err == nil {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

func (r *Resolver) resolve(ownerID string, src queue.SourceFile, settings queue.JobSettings) (string, error) {
	stem, err := sanitizeStem(src.Name)
	if err != nil {
		return "", err
	}

	policy := settings.OutputPolicy
	if policy == "" {
		policy = PolicySource
	}

	switch policy {
	case PolicySource:
		return filepath.Join(src.Directory, cacheDirName, stem), nil
	case PolicyHome:
		rel := strings.TrimPrefix(filepath.Clean(src.Directory), string(filepath.Separator))
		dir := filepath.Join(r.HomeRoot, ownerID, rel, stem)
		if err := confine(filepath.Join(r.HomeRoot, ownerID), dir); err != nil {
			return "", err
		}
		return dir, nil
	case PolicyCustom:
		root := settings.CustomPath
		if root == "" {
			root = r.CustomOutput
		}
		if root == "" {
			return "", ErrNoCustomPath
		}
		return filepath.Join(root, ownerID, stem), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}
}

// HasPackage reports whether a finished package exists in dir. Presence of
// either the adaptive master playlist or the single-rendition playlist is the
// sole on-disk completion signal used throughout the system.
func HasPackage(dir string) bool {
	for _, name := range []string{MasterPlaylist, SinglePlaylist} {
		if info, err := os.Stat(filepath.Join(dir, name)); err == nil && info.Mode().IsRegular() {
			return true
		}
	}
	return false
}

// sanitizeStem derives the package directory name from a source filename,
// rejecting traversal.
func sanitizeStem(name string) (string, error) {
	base := filepath.Base(name)
	if strings.Contains(base, "..") {
		return "", fmt.Errorf("invalid filename: contains traversal")
	}
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" || !filepath.IsLocal(stem) {
		return "", fmt.Errorf("invalid filename: %q", name)
	}
	return stem, nil
}

// confine rejects paths that escape the given root after cleaning.
func confine(root, target string) error {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(target))
	if err != nil {
		return fmt.Errorf("confine path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes root %q", target, root)
	}
	return nil
}
