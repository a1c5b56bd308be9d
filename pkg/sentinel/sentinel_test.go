package sentinel

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "testfile")
	content := []byte("hello world")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}

	want := sha256.Sum256(content)
	if got != want {
		t.Errorf("hash mismatch: got %x, want %x", got, want)
	}
}

func TestHashFileDetectsChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "binary")
	if err := os.WriteFile(path, []byte("build one"), 0755); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	before, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}
	if err := os.WriteFile(path, []byte("build two"), 0755); err != nil {
		t.Fatalf("failed to rewrite file: %v", err)
	}
	after, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}

	if before == after {
		t.Error("rewritten file produced the same hash")
	}
}

func TestHashFileNotFound(t *testing.T) {
	if _, err := HashFile("/nonexistent/file/path"); err == nil {
		t.Error("expected error for nonexistent file, got nil")
	}
}

func TestIncreaseBackoffCapped(t *testing.T) {
	s := &Sentinel{backoff: InitialBackoff}
	for i := 0; i < 20; i++ {
		s.increaseBackoff()
	}
	if s.backoff != MaxBackoff {
		t.Errorf("backoff not capped: got %v, want %v", s.backoff, MaxBackoff)
	}
}

func TestBackoffGrowsMonotonically(t *testing.T) {
	s := &Sentinel{backoff: InitialBackoff}
	prev := time.Duration(0)
	for i := 0; i < 5; i++ {
		if s.backoff <= prev {
			t.Fatalf("backoff did not grow: %v after %v", s.backoff, prev)
		}
		prev = s.backoff
		s.increaseBackoff()
	}
}
