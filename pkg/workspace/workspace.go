// Package workspace provides a filesystem rooted at a session's working
// directory. Every path is resolved and checked for containment before any
// operation, so agent tool calls cannot escape the workspace.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// maxReadBytes caps file reads fed back into the model context.
	maxReadBytes = 512 * 1024

	dirPerm  = 0o755
	filePerm = 0o644
)

// Workspace is a rooted filesystem. It satisfies the autorun.FileSystem
// contract.
type Workspace struct {
	root string
}

// New creates a workspace rooted at dir. The directory must exist.
func New(dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", dir)
	}
	return &Workspace{root: resolved}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string {
	return w.root
}

// resolve maps a tool-call path onto the workspace and rejects escapes.
// Relative paths are resolved against the root; absolute paths must already
// be inside it.
func (w *Workspace) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(w.root, candidate)
	}
	candidate = filepath.Clean(candidate)

	if candidate != w.root && !strings.HasPrefix(candidate, w.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside the workspace", path)
	}
	return candidate, nil
}

// Read returns the contents of a file, truncated at a fixed cap.
func (w *Workspace) Read(path string) (string, error) {
	full, err := w.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
	}
	return string(data), nil
}

// Write creates or replaces a file, creating parent directories as needed.
func (w *Workspace) Write(path, content string) error {
	full, err := w.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), dirPerm); err != nil {
		return fmt.Errorf("create parent directories for %s: %w", path, err)
	}
	if err := os.WriteFile(full, []byte(content), filePerm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// List returns sorted entry names in a directory, directories suffixed with a
// separator.
func (w *Workspace) List(path string) ([]string, error) {
	full, err := w.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += string(filepath.Separator)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Mkdir creates a directory and any missing parents.
func (w *Workspace) Mkdir(path string) error {
	full, err := w.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, dirPerm); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return nil
}
