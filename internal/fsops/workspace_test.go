package fsops_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"crisp/internal/fsops"
)

func TestAcquireWriteCleanup(t *testing.T) {
	m := fsops.LocalManager{Root: t.TempDir()}
	ws, err := m.Acquire(context.Background(), "widget")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !strings.Contains(filepath.Base(ws.Dir()), "widget") {
		t.Fatalf("workspace dir %q not named after project", ws.Dir())
	}

	if err := ws.WriteFile("src/deep/file.txt", []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(ws.Dir(), "src", "deep", "file.txt"))
	if err != nil || string(data) != "hi" {
		t.Fatalf("read back: %q, %v", data, err)
	}

	if err := ws.Cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(ws.Dir()); !os.IsNotExist(err) {
		t.Fatal("workspace directory survived cleanup")
	}
}

func TestAcquireHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := fsops.LocalManager{}
	if _, err := m.Acquire(ctx, "widget"); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
