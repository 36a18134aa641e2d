package database

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/simbiota/agent/internal/detector"
)

func writeDB(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signatures.sbdb")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write signature file: %v", err)
	}
	return path
}

func digestOf(t *testing.T, payload []byte) string {
	t.Helper()
	alg := detector.NewSimpleTLSH()
	alg.Update(payload)
	h, ok := alg.Finalize()
	if !ok {
		t.Fatal("payload too short to hash")
	}
	raw, ok := h.(detector.RawDigest)
	if !ok {
		t.Fatal("expected simple_tlsh hash to implement RawDigest")
	}
	return hex.EncodeToString(raw.RawDigest())
}

func TestLoad_MissingFile_Fails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.sbdb"), zap.NewNop()); err == nil {
		t.Fatal("expected error for missing database file")
	}
}

func TestLoad_EmptyFile_Fails(t *testing.T) {
	path := writeDB(t, "# nothing but comments\n")
	if _, err := Load(path, zap.NewNop()); err == nil {
		t.Fatal("expected error when no signature object can be parsed at startup")
	}
}

func TestLoad_ThenDetect_MatchesAgainstStoredSignature(t *testing.T) {
	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}
	digest := digestOf(t, payload)
	path := writeDB(t, "0 "+digest+" 40\n")

	db, err := Load(path, zap.NewNop())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	checker, err := detector.Build("simple_tlsh", db.Handle(), 40, zap.NewNop(), nil, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	result, err := checker.CheckBytes(payload)
	if err != nil {
		t.Fatalf("CheckBytes: %v", err)
	}
	if result != detector.Match {
		t.Error("expected Match against an identical stored digest")
	}
}

func TestReload_ToEmptySet_SubsequentChecksAllow(t *testing.T) {
	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i * 3)
	}
	digest := digestOf(t, payload)
	path := writeDB(t, "0 "+digest+" 40\n")

	db, err := Load(path, zap.NewNop())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	checker, err := detector.Build("simple_tlsh", db.Handle(), 40, zap.NewNop(), nil, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if result, _ := checker.CheckBytes(payload); result != detector.Match {
		t.Fatal("expected initial Match before reload")
	}

	if err := os.WriteFile(path, []byte("# signature feed cleared\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := db.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if result, _ := checker.CheckBytes(payload); result != detector.NoMatch {
		t.Error("expected NoMatch after reload to an empty signature set")
	}
}

func TestReload_ParseFailure_KeepsPreviousSnapshot(t *testing.T) {
	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	digest := digestOf(t, payload)
	path := writeDB(t, "0 "+digest+" 40\n")

	db, err := Load(path, zap.NewNop())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	checker, err := detector.Build("simple_tlsh", db.Handle(), 40, zap.NewNop(), nil, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := os.WriteFile(path, []byte("this is not a valid signature line\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := db.Reload(); err != nil {
		t.Fatalf("Reload should fail open, not return an error: %v", err)
	}

	if result, _ := checker.CheckBytes(payload); result != detector.Match {
		t.Error("expected previous snapshot to remain active after a failed reload")
	}
}
