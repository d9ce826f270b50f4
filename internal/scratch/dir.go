// Package scratch manages the run-scoped directory that holds intermediate
// audio files.
package scratch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Dir is a disposable directory owned by one process run.
type Dir struct {
	path   string
	mu     sync.Mutex
	closed bool
}

// New creates <baseDir>/<name>_pid<pid>. An empty baseDir means the user's
// home directory, or the OS temp directory when home is unknown.
func New(baseDir, name string) (*Dir, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			home = os.TempDir()
		}
		baseDir = home
	}
	path := filepath.Join(baseDir, fmt.Sprintf("%s_pid%d", name, os.Getpid()))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &Dir{path: path}, nil
}

func (d *Dir) Path() string {
	return d.path
}

// Remove deletes a file from the directory. A file that is already gone is
// not an error.
func (d *Dir) Remove(file string) error {
	if file == "" {
		return nil
	}
	if err := os.Remove(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove scratch file: %w", err)
	}
	return nil
}

// Leftovers lists the names of files still present in the directory.
func (d *Dir) Leftovers() ([]string, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// Close removes the directory recursively. Safe to call more than once.
func (d *Dir) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if err := os.RemoveAll(d.path); err != nil {
		return fmt.Errorf("remove scratch dir: %w", err)
	}
	return nil
}
