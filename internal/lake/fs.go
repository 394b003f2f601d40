package lake

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
)

// FSStore is the filesystem object store backend. Keys use forward slashes
// and map onto paths under the configured root.
type FSStore struct {
	root   string
	logger arbor.ILogger
}

// NewFSStore creates the store and its root directory
func NewFSStore(root string, logger arbor.ILogger) (*FSStore, error) {
	if root == "" {
		return nil, fmt.Errorf("lake root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lake root %s: %w", root, err)
	}

	return &FSStore{root: root, logger: logger}, nil
}

// Put writes an object, creating parent directories as needed. The content
// type is carried by the extension on the filesystem backend.
func (s *FSStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target := s.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create partition directory for %s: %w", key, err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return fmt.Errorf("failed to write object %s: %w", key, err)
	}
	return nil
}

// Get reads an object by key
func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("object not found: %s", key)
		}
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

// List returns the keys under a prefix, slash-separated and relative to the
// store root. A prefix with no objects returns an empty list.
func (s *FSStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Walk the deepest directory the prefix fully names, then filter for
	// prefixes that end mid-filename.
	start := s.path(prefix)
	walkRoot := start
	if info, err := os.Stat(start); err != nil || !info.IsDir() {
		walkRoot = filepath.Dir(start)
	}
	if _, err := os.Stat(walkRoot); os.IsNotExist(err) {
		return []string{}, nil
	}

	keys := []string{}
	err := filepath.WalkDir(walkRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, err)
	}
	return keys, nil
}

// Delete removes an object; deleting a missing object is a no-op
func (s *FSStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

func (s *FSStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}
