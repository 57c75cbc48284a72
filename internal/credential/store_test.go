package credential

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileStore_ReadMissing(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "nope"))
	got, err := s.Read()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty identity, got %q", got)
	}
}

func TestFileStore_WriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "identity")
	s := NewFileStore(path)

	if err := s.Write("ghu_abc\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := s.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != "ghu_abc" {
		t.Errorf("expected ghu_abc, got %q", got)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("expected 0600, got %o", perm)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandHome("~/x/y"); got != filepath.Join(home, "x/y") {
		t.Errorf("expected %s, got %s", filepath.Join(home, "x/y"), got)
	}
	if got := expandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("expected absolute path unchanged, got %s", got)
	}
}
