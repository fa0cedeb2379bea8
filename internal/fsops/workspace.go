// Package fsops provides the isolated workspace used during plan execution.
package fsops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Workspace is an exclusively-owned scratch directory for one plan
// execution. Cleanup must always be called, on every exit path.
type Workspace interface {
	Dir() string
	WriteFile(rel string, content []byte) error
	MkdirAll(rel string) error
	Cleanup() error
}

// Manager acquires workspaces.
type Manager interface {
	Acquire(ctx context.Context, name string) (Workspace, error)
}

// LocalManager creates workspaces as temp directories under Root (or the
// system temp directory when Root is empty).
type LocalManager struct {
	Root string
}

func (m LocalManager) Acquire(ctx context.Context, name string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root := m.Root
	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(root, "crisp-"+name+"-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &localWorkspace{dir: dir}, nil
}

type localWorkspace struct {
	dir string
}

func (w *localWorkspace) Dir() string { return w.dir }

func (w *localWorkspace) WriteFile(rel string, content []byte) error {
	abs := filepath.Join(w.dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return os.WriteFile(abs, content, 0o644)
}

func (w *localWorkspace) MkdirAll(rel string) error {
	return os.MkdirAll(filepath.Join(w.dir, filepath.FromSlash(rel)), 0o755)
}

func (w *localWorkspace) Cleanup() error {
	return os.RemoveAll(w.dir)
}
