package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager owns build-specific scratch directories under a common root.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible. An empty root
// places scratch directories under the system temp directory.
func New(root string) (*Manager, error) {
	if strings.TrimSpace(root) == "" {
		root = filepath.Join(os.TempDir(), "sitegate-builds")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Scratch is a directory exclusively owned by one build until Release.
type Scratch struct {
	Dir string
	m   *Manager
}

// Acquire creates an isolated directory for the provided identifier. The
// caller must defer Release.
func (m *Manager) Acquire(identifier string) (*Scratch, error) {
	if identifier == "" {
		return nil, fmt.Errorf("workspace identifier cannot be empty")
	}
	if strings.ContainsAny(identifier, `/\`) || identifier == "." || identifier == ".." {
		return nil, fmt.Errorf("invalid workspace identifier %q", identifier)
	}
	dir := filepath.Join(m.root, identifier)
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Scratch{Dir: dir, m: m}, nil
}

// Release removes the scratch directory. It is safe to call more than once.
func (s *Scratch) Release() error {
	if s == nil || s.m == nil {
		return nil
	}
	err := s.m.Cleanup(s.Dir)
	s.m = nil
	return err
}

// Cleanup removes a directory inside the workspace root.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}
