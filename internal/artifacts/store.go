// Package artifacts stores run artifacts: failure screenshots and JSON run
// reports. A directory store is the default; an S3 store is available for CI.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"formnerd/internal/logging"
)

// ErrNotFound is returned by Get when a key does not exist.
var ErrNotFound = errors.New("artifacts: not found")

// Store persists artifacts under slash-separated keys.
type Store interface {
	// Put stores content and returns its location (a file path or URL).
	Put(ctx context.Context, key string, content []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// Key builds an artifact key of the form testID/20060102-150405-runID/name.
func Key(testID, runID string, started time.Time, name string) string {
	return path.Join(sanitize(testID), started.UTC().Format("20060102-150405")+"-"+sanitize(runID), sanitize(name))
}

func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
	s = strings.Trim(s, ".")
	if s == "" {
		return "_"
	}
	return s
}

// DirStore writes artifacts below a local directory.
type DirStore struct {
	Root string
}

// NewDirStore returns a DirStore rooted at root, creating it if needed.
func NewDirStore(root string) (*DirStore, error) {
	if root == "" {
		return nil, fmt.Errorf("artifact directory is empty")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &DirStore{Root: root}, nil
}

func (s *DirStore) path(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return filepath.Join(s.Root, filepath.FromSlash(clean[1:])), nil
}

// Put writes content to Root/key atomically and returns the file path.
func (s *DirStore) Put(ctx context.Context, key string, content []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, err := s.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		return "", fmt.Errorf("failed to write artifact %s: %w", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to move artifact %s: %w", key, err)
	}
	logging.Get(logging.CategoryArtifacts).Debug("wrote %s (%d bytes)", p, len(content))
	return p, nil
}

// Get reads Root/key.
func (s *DirStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

var _ Store = (*DirStore)(nil)
