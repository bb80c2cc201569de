// Package sandbox confines all workspace file access to a single root directory.
//
// Every tool operation resolves its path through Sandbox.Resolve before touching
// storage. Resolution is pure validation: it rejects absolute paths, parent
// traversal segments, and anything that escapes the workspace root after
// normalization or symlink resolution.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Validation errors for the workspace boundary.
var (
	// ErrPathViolation indicates a path escapes the workspace root.
	ErrPathViolation = errors.New("path escapes workspace root")

	// ErrEmptyPath indicates an empty path was provided.
	ErrEmptyPath = errors.New("path cannot be empty")
)

// Sandbox validates paths against one workspace root.
// The root is fixed for the lifetime of a pipeline run.
type Sandbox struct {
	root string
	// resolvedRoot is the symlink-resolved root, used for escape checks.
	resolvedRoot string
}

// New creates a Sandbox for the given workspace root.
// The root must be an absolute path.
func New(root string) (*Sandbox, error) {
	if root == "" {
		return nil, ErrEmptyPath
	}
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("%w: root must be absolute, got %q", ErrPathViolation, root)
	}

	cleanRoot := filepath.Clean(root)
	resolvedRoot, err := filepath.EvalSymlinks(cleanRoot)
	if err != nil {
		// Root may not exist yet (clone target). Fall back to the lexical form;
		// escape checks then operate on whatever ancestors do exist.
		resolvedRoot = cleanRoot
	}

	return &Sandbox{
		root:         cleanRoot,
		resolvedRoot: resolvedRoot,
	}, nil
}

// Root returns the workspace root.
func (s *Sandbox) Root() string {
	return s.root
}

// Resolve validates a candidate path and returns its normalized
// workspace-relative form (slash-separated).
//
// Resolution fails with ErrPathViolation when the candidate:
//   - is absolute
//   - contains a ".." segment (checked on logical segments, not substrings)
//   - resolves outside the workspace root after cleaning or symlink evaluation
//
// Resolve is idempotent: an already-normalized relative path resolves to itself.
func (s *Sandbox) Resolve(candidate string) (string, error) {
	if candidate == "" {
		return "", ErrEmptyPath
	}

	if filepath.IsAbs(candidate) || strings.HasPrefix(filepath.ToSlash(candidate), "/") {
		return "", fmt.Errorf("%w: absolute path %q", ErrPathViolation, candidate)
	}

	if err := checkSegments(candidate); err != nil {
		return "", err
	}

	clean := filepath.Clean(filepath.FromSlash(candidate))

	// Clean can surface traversal that segment spelling hid (e.g. "a/../../b").
	if err := checkSegments(filepath.ToSlash(clean)); err != nil {
		return "", err
	}

	abs := filepath.Join(s.root, clean)
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || escapesRoot(rel) {
		return "", fmt.Errorf("%w: %q", ErrPathViolation, candidate)
	}

	if err := s.checkSymlinkEscape(abs); err != nil {
		return "", err
	}

	return filepath.ToSlash(rel), nil
}

// Abs returns the absolute location of a previously resolved relative path.
func (s *Sandbox) Abs(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// checkSegments rejects any logical ".." segment in a slash or native path.
func checkSegments(path string) error {
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return fmt.Errorf("%w: contains '..' segment", ErrPathViolation)
		}
	}
	return nil
}

// escapesRoot reports whether a relative path points outside the root.
func escapesRoot(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// checkSymlinkEscape resolves the deepest existing ancestor of abs and verifies
// it still lives under the resolved root. This defends against symlinks inside
// the workspace that point elsewhere.
func (s *Sandbox) checkSymlinkEscape(abs string) error {
	existing := abs
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return nil
		}
		existing = parent
	}

	// The walk can land at or above the root when the root itself does not
	// exist yet (clone target). Nothing inside the workspace exists to
	// resolve, so the check is inconclusive, not an escape.
	if rel, err := filepath.Rel(existing, s.root); err == nil && !escapesRoot(rel) {
		return nil
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		// Unresolvable ancestors (dangling links) get the lexical verdict.
		return nil
	}

	rel, err := filepath.Rel(s.resolvedRoot, resolved)
	if err != nil || escapesRoot(rel) {
		return fmt.Errorf("%w: resolves outside workspace", ErrPathViolation)
	}
	return nil
}
