// Package sessiondir manages ephemeral per-project working directories
// rooted under a single configured base directory. Directories are created
// on first use and reused across requests with the same project identifier;
// nothing here deletes them. Every resolved path is checked to stay inside
// the base directory.
package sessiondir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// ErrInvalidProjectID is returned for project identifiers that fail the
	// charset/length rules or would escape the base directory.
	ErrInvalidProjectID = errors.New("invalid project id")

	// ErrOutsideRoot is returned when a resolved path escapes the base
	// directory.
	ErrOutsideRoot = errors.New("path resolves outside session root")

	projectIDRegex = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)
)

// Store hands out session directories under one base directory.
type Store struct {
	base string
}

// New creates the base directory (if needed) and returns a Store for it.
func New(base string) (*Store, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve base dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}
	return &Store{base: abs}, nil
}

// DefaultBaseDir returns the base directory used when none is configured.
func DefaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentbridge"
	}
	return filepath.Join(home, ".agentbridge", "sessions")
}

// Base returns the absolute base directory.
func (s *Store) Base() string { return s.base }

// ValidateProjectID reports whether id satisfies the charset and length
// rules. Dot-only names are rejected since they alias the base directory
// or its parent.
func ValidateProjectID(id string) error {
	if !projectIDRegex.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidProjectID, id)
	}
	if id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidProjectID, id)
	}
	return nil
}

// Resolve returns the session directory for projectID, creating it on
// first use. The returned path is guaranteed to reside inside the base
// directory.
func (s *Store) Resolve(projectID string) (string, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return "", err
	}

	dir := filepath.Join(s.base, projectID)
	if !s.contains(dir) {
		return "", fmt.Errorf("%w: %q", ErrInvalidProjectID, projectID)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	return dir, nil
}

// WriteFile materializes one attachment at relPath under dir, creating
// parent directories as needed. Paths escaping the session directory are
// rejected with ErrOutsideRoot.
func WriteFile(dir, relPath, content string) error {
	target := filepath.Join(dir, filepath.FromSlash(relPath))
	if !within(dir, target) {
		return fmt.Errorf("%w: %q", ErrOutsideRoot, relPath)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return fmt.Errorf("create attachment dir: %w", err)
	}
	if err := os.WriteFile(target, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write attachment: %w", err)
	}
	return nil
}

// contains reports whether path (after lexical cleaning) is inside the
// base directory.
func (s *Store) contains(path string) bool {
	return within(s.base, path)
}

func within(root, path string) bool {
	cleaned := filepath.Clean(path)
	return cleaned == root || strings.HasPrefix(cleaned, root+string(filepath.Separator))
}
