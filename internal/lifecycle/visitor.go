// ABOUTME: Persistent visitor identifier shared by every session a client opens
// ABOUTME: File-backed for the CLI, in-memory for tests and server-side callers

package lifecycle

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// VisitorIDStore persists a visitor id across runs. Load returns an empty
// string when nothing was saved yet.
type VisitorIDStore interface {
	Load() (string, error)
	Save(id string) error
}

// EnsureVisitorID returns the stored visitor id, generating and saving one
// on first use.
func EnsureVisitorID(s VisitorIDStore) (string, error) {
	id, err := s.Load()
	if err != nil {
		return "", fmt.Errorf("loading visitor id: %w", err)
	}
	if id != "" {
		return id, nil
	}
	id = uuid.New().String()
	if err := s.Save(id); err != nil {
		return "", fmt.Errorf("saving visitor id: %w", err)
	}
	return id, nil
}

// FileVisitorStore keeps the visitor id in a single file.
type FileVisitorStore struct {
	Path string
}

// DefaultVisitorPath is the visitor id file under the user config dir.
func DefaultVisitorPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("finding config dir: %w", err)
	}
	return filepath.Join(dir, "supportchat", "visitor_id"), nil
}

// Load reads the id. A missing file is not an error.
func (f *FileVisitorStore) Load() (string, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Save writes the id with owner-only permissions.
func (f *FileVisitorStore) Save(id string) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0700); err != nil {
		return fmt.Errorf("creating visitor id directory: %w", err)
	}
	return os.WriteFile(f.Path, []byte(id+"\n"), 0600)
}

// MemoryVisitorStore holds the id in memory.
type MemoryVisitorStore struct {
	mu sync.Mutex
	id string
}

// Load returns the saved id.
func (m *MemoryVisitorStore) Load() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id, nil
}

// Save replaces the id.
func (m *MemoryVisitorStore) Save(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = id
	return nil
}
