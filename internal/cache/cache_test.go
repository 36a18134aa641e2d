package cache

import (
	"os"
	"testing"

	"github.com/simbiota/agent/internal/detector"
)

func tempFile(t *testing.T, content string) (*os.File, string) {
	t.Helper()
	path := t.TempDir() + "/sample"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open temp file: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f, path
}

func TestMemory_SetThenGet_Hits(t *testing.T) {
	f, path := tempFile(t, "hello world")
	m := NewMemory()

	m.Set(path, int(f.Fd()), detector.Match)

	result, ok := m.Get(path, int(f.Fd()))
	if !ok {
		t.Fatal("expected cache hit")
	}
	if result != detector.Match {
		t.Errorf("expected Match, got %v", result)
	}
}

func TestMemory_ModifiedFile_Misses(t *testing.T) {
	path := t.TempDir() + "/sample"
	if err := os.WriteFile(path, []byte("version one"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	m := NewMemory()
	m.Set(path, int(f.Fd()), detector.NoMatch)

	// Changing content changes size and mtime, invalidating the fingerprint.
	if _, err := f.WriteAt([]byte("a much longer second version"), 0); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	if _, ok := m.Get(path, int(f.Fd())); ok {
		t.Error("expected cache miss after file content changed")
	}
}

func TestMemory_UnknownPath_Misses(t *testing.T) {
	f, _ := tempFile(t, "content")
	m := NewMemory()
	if _, ok := m.Get("/never/set", int(f.Fd())); ok {
		t.Error("expected miss for unknown path")
	}
}

func TestNoop_AlwaysMisses(t *testing.T) {
	f, path := tempFile(t, "content")
	var c Cache = Noop{}
	c.Set(path, int(f.Fd()), detector.Match)
	if _, ok := c.Get(path, int(f.Fd())); ok {
		t.Error("Noop cache must never hit")
	}
}

func TestNew_DisabledSelectsNoop(t *testing.T) {
	if _, ok := New(true).(Noop); !ok {
		t.Error("New(true) must return Noop")
	}
	if _, ok := New(false).(*Memory); !ok {
		t.Error("New(false) must return *Memory")
	}
}

func TestFingerprintFromFd_Equality(t *testing.T) {
	f, _ := tempFile(t, "stable content")
	fp1, err := FingerprintFromFd(int(f.Fd()))
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	fp2, err := FingerprintFromFd(int(f.Fd()))
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if fp1 != fp2 {
		t.Errorf("expected stable fingerprint, got %+v vs %+v", fp1, fp2)
	}
}
