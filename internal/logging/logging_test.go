package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetupWritesCategoryFile(t *testing.T) {
	root := t.TempDir()
	h, err := Setup(Options{Root: root, Quiet: true})
	if err != nil {
		t.Fatal(err)
	}
	h.For(CategoryFleet).Info("fleet pass done")
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}

	dir := filepath.Join(root, ".superloop", "ops-manager", "logs")
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("log files = %d, err = %v", len(entries), err)
	}
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "fleet pass done") || !strings.Contains(string(data), CategoryFleet) {
		t.Fatalf("log content: %s", data)
	}
}

func TestSetupWithoutRootIsQuietNop(t *testing.T) {
	h, err := Setup(Options{Quiet: true})
	if err != nil {
		t.Fatal(err)
	}
	h.For(CategoryCLI).Info("nowhere to go")
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
}
