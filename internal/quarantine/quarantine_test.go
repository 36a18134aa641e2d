package quarantine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, dir
}

func TestNew_CreatesDirWithRestrictivePermissions(t *testing.T) {
	s, dir := newTestStore(t)
	_ = s
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Errorf("expected mode 0700, got %o", info.Mode().Perm())
	}
}

func TestAdd_MovesFileAndLocksItDown(t *testing.T) {
	s, dir := newTestStore(t)
	watched := filepath.Join(t.TempDir(), "malware.bin")
	if err := os.WriteFile(watched, []byte("payload"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := s.Add(watched); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, err := os.Stat(watched); !os.IsNotExist(err) {
		t.Error("expected original file to be gone after quarantine")
	}

	entries, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].OriginalPath != watched {
		t.Errorf("expected original_path %q, got %q", watched, entries[0].OriginalPath)
	}

	// The payload itself must be unreadable (mode 0000).
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var payloadMode, sidecarMode os.FileMode
	for _, de := range dirEntries {
		info, _ := de.Info()
		if filepath.Ext(de.Name()) == ".info" {
			sidecarMode = info.Mode().Perm()
		} else if de.Name()[0] != '.' {
			payloadMode = info.Mode().Perm()
		}
	}
	if payloadMode != 0o000 {
		t.Errorf("expected payload mode 0000, got %o", payloadMode)
	}
	if sidecarMode != 0o600 {
		t.Errorf("expected sidecar mode 0600, got %o", sidecarMode)
	}
}

func TestRestore_RecreatesOriginalFileAndMode(t *testing.T) {
	s, _ := newTestStore(t)
	watched := filepath.Join(t.TempDir(), "malware.bin")
	if err := os.WriteFile(watched, []byte("payload"), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}
	before, err := os.Stat(watched)
	if err != nil {
		t.Fatalf("stat before Add: %v", err)
	}

	if err := s.Add(watched); err != nil {
		t.Fatalf("Add: %v", err)
	}

	entry, id, ok := s.ByPath(watched)
	if !ok {
		t.Fatal("expected to resolve by path after Add")
	}

	if err := s.Restore(entry, id); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	data, err := os.ReadFile(watched)
	if err != nil {
		t.Fatalf("expected restored file to exist: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("expected restored content %q, got %q", "payload", data)
	}
	after, err := os.Stat(watched)
	if err != nil {
		t.Fatalf("stat after Restore: %v", err)
	}
	if after.Mode().Perm() != before.Mode().Perm() {
		t.Errorf("expected restored mode %o, got %o", before.Mode().Perm(), after.Mode().Perm())
	}

	if entries, _ := s.List(); len(entries) != 0 {
		t.Errorf("expected quarantine to be empty after restore, got %d entries", len(entries))
	}
}

func TestRestore_MissingParentDirFails(t *testing.T) {
	s, _ := newTestStore(t)
	watched := filepath.Join(t.TempDir(), "sub", "malware.bin")
	if err := os.MkdirAll(filepath.Dir(watched), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(watched, []byte("payload"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Add(watched); err != nil {
		t.Fatalf("Add: %v", err)
	}
	entry, id, _ := s.ByPath(watched)

	if err := os.RemoveAll(filepath.Dir(watched)); err != nil {
		t.Fatalf("remove parent: %v", err)
	}

	if err := s.Restore(entry, id); err == nil {
		t.Error("expected Restore to fail when parent directory is gone")
	}
}

func TestDelete_RemovesPayloadAndSidecar(t *testing.T) {
	s, _ := newTestStore(t)
	watched := filepath.Join(t.TempDir(), "malware.bin")
	if err := os.WriteFile(watched, []byte("payload"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Add(watched); err != nil {
		t.Fatalf("Add: %v", err)
	}
	_, id, _ := s.ByPath(watched)

	if err := s.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if entries, _ := s.List(); len(entries) != 0 {
		t.Error("expected quarantine empty after delete")
	}
}

func TestResolve_NumericIndexThenPathFallback(t *testing.T) {
	s, _ := newTestStore(t)
	watched := filepath.Join(t.TempDir(), "malware.bin")
	if err := os.WriteFile(watched, []byte("payload"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Add(watched); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, _, ok := s.Resolve("0"); !ok {
		t.Error("expected Resolve(\"0\") to succeed")
	}
	if _, _, ok := s.Resolve(watched); !ok {
		t.Error("expected Resolve(path) to succeed")
	}
	if _, _, ok := s.Resolve("does-not-exist"); ok {
		t.Error("expected Resolve of unknown identifier to fail")
	}
}

func TestListStored_MigratesLegacySidecar(t *testing.T) {
	s, dir := newTestStore(t)
	id := "11111111-1111-1111-1111-111111111111"
	if err := os.WriteFile(s.payloadPath(id), []byte("x"), 0o000); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	legacy := legacyEntry{OriginalPath: []byte("/bin/legacy"), UID: 0, GID: 0, Mode: 0o755}
	data, err := json.Marshal(legacy)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(s.infoPath(id), data, 0o600); err != nil {
		t.Fatalf("write sidecar: %v", err)
	}

	entries, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].OriginalPath != "/bin/legacy" {
		t.Fatalf("expected migrated entry with original_path /bin/legacy, got %+v", entries)
	}

	migrated, err := os.ReadFile(filepath.Join(dir, "."+id+".info"))
	if err != nil {
		t.Fatalf("read migrated sidecar: %v", err)
	}
	var reParsed Entry
	if err := json.Unmarshal(migrated, &reParsed); err != nil {
		t.Fatalf("re-parse migrated sidecar as new format: %v", err)
	}
}

func TestListStored_RemovesOrphanPayload(t *testing.T) {
	s, dir := newTestStore(t)
	id := "22222222-2222-2222-2222-222222222222"
	if err := os.WriteFile(s.payloadPath(id), []byte("x"), 0o000); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	if _, err := s.List(); err != nil {
		t.Fatalf("List: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, id)); !os.IsNotExist(err) {
		t.Error("expected orphan payload to be removed")
	}
}
