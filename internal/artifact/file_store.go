package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStore provides local filesystem-backed artifact access rooted at
// a base directory. All task artifact directories live under the root.
type FileStore struct {
	root string
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: strings.TrimSpace(root)}
}

// Root returns the base directory.
func (s *FileStore) Root() string { return s.root }

func (s *FileStore) Read(_ context.Context, name string) ([]byte, error) {
	path, err := s.pathFor(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (s *FileStore) Write(_ context.Context, name string, content []byte) error {
	path, err := s.pathFor(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, content, 0o644)
}

// List returns the file names directly under the given task directory.
func (s *FileStore) List(_ context.Context, dir string) ([]string, error) {
	path, err := s.pathFor(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

func (s *FileStore) pathFor(name string) (string, error) {
	if s == nil || s.root == "" {
		return "", fmt.Errorf("artifact root is required")
	}
	clean := filepath.Clean(name)
	root := filepath.Clean(s.root)
	// Stored artifact paths already carry the root prefix.
	if clean == root || strings.HasPrefix(clean, root+string(filepath.Separator)) {
		return clean, nil
	}
	if filepath.IsAbs(clean) {
		// Absolute paths are accepted only when already under the root.
		rel, err := filepath.Rel(root, clean)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("artifact path %q escapes root", name)
		}
		return clean, nil
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path %q escapes root", name)
	}
	return filepath.Join(root, clean), nil
}
