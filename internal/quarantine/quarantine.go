// Package quarantine implements the quarantine store (C6): it takes a
// detected file out of reach by relocating it under a locked-down
// directory and recording enough metadata to restore it later.
package quarantine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Entry describes one quarantined file's original identity.
type Entry struct {
	OriginalPath string `json:"original_path"`
	UID          uint32 `json:"uid"`
	GID          uint32 `json:"gid"`
	Mode         uint32 `json:"mode"`
}

// legacyEntry is the pre-migration sidecar shape (original_path stored
// as an OS-native byte string rather than UTF-8 JSON string).
type legacyEntry struct {
	OriginalPath []byte `json:"original_path"`
	UID          uint32 `json:"uid"`
	GID          uint32 `json:"gid"`
	Mode         uint32 `json:"mode"`
}

type storedEntry struct {
	id   string
	info Entry
}

// Store manages the on-disk quarantine directory.
type Store struct {
	mu  sync.Mutex
	dir string
	log *zap.Logger
}

// New creates (if needed) and opens the quarantine directory at mode
// 0700.
func New(dir string, log *zap.Logger) (*Store, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("quarantine: create dir: %w", err)
		}
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return nil, fmt.Errorf("quarantine: chmod dir: %w", err)
	}
	return &Store{dir: dir, log: log}, nil
}

func (s *Store) infoPath(id string) string {
	return filepath.Join(s.dir, fmt.Sprintf(".%s.info", id))
}

func (s *Store) payloadPath(id string) string {
	return filepath.Join(s.dir, id)
}

// listStored enumerates the directory, pairing payloads with sidecars,
// removing orphans, and migrating legacy sidecar shapes in place.
// Caller must hold s.mu.
func (s *Store) listStored() ([]storedEntry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("quarantine: read dir: %w", err)
	}

	var out []storedEntry
	for _, de := range dirEntries {
		name := de.Name()
		if strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".info") {
			id := strings.TrimSuffix(strings.TrimPrefix(name, "."), ".info")
			if _, err := os.Stat(s.payloadPath(id)); os.IsNotExist(err) {
				s.log.Warn("quarantine entry info has no payload, removing", zap.String("info", name))
				if rmErr := os.Remove(filepath.Join(s.dir, name)); rmErr != nil {
					s.log.Error("failed to remove orphan info", zap.Error(rmErr))
				}
			}
			continue
		}

		infoName := fmt.Sprintf(".%s.info", name)
		infoPath := filepath.Join(s.dir, infoName)
		if _, err := os.Stat(infoPath); os.IsNotExist(err) {
			s.log.Warn("quarantine payload has no info, removing", zap.String("payload", name))
			if rmErr := os.Remove(filepath.Join(s.dir, name)); rmErr != nil {
				s.log.Error("failed to remove orphan payload", zap.Error(rmErr))
			}
			continue
		}

		raw, err := os.ReadFile(infoPath)
		if err != nil {
			s.log.Error("failed to read quarantine entry info, removing", zap.Error(err))
			_ = os.Remove(infoPath)
			continue
		}

		// A legacy byte-string path is stored as base64 text, which also
		// parses as a new-format string; only an absolute path is taken
		// as new format.
		var info Entry
		perr := json.Unmarshal(raw, &info)
		if perr != nil || !filepath.IsAbs(info.OriginalPath) {
			var legacy legacyEntry
			if lerr := json.Unmarshal(raw, &legacy); lerr == nil && filepath.IsAbs(string(legacy.OriginalPath)) {
				s.log.Warn("converting legacy quarantine entry info to new format", zap.String("id", name))
				info = Entry{
					OriginalPath: string(legacy.OriginalPath),
					UID:          legacy.UID,
					GID:          legacy.GID,
					Mode:         legacy.Mode,
				}
				migrated, _ := json.Marshal(info)
				if werr := os.WriteFile(infoPath, migrated, 0o600); werr != nil {
					s.log.Error("failed to persist migrated quarantine entry info", zap.Error(werr))
				}
			} else if perr != nil || info.OriginalPath == "" {
				s.log.Error("failed to parse quarantine entry info, removing", zap.String("id", name))
				_ = os.Remove(infoPath)
				continue
			}
		}

		out = append(out, storedEntry{id: name, info: info})
	}
	return out, nil
}

// List returns every quarantine entry, in stable order for the duration
// of this call.
func (s *Store) List() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.listStored()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(stored))
	for _, e := range stored {
		out = append(out, e.info)
	}
	return out, nil
}

// ByID resolves a numeric list index, as produced by List.
func (s *Store) ByID(index int) (Entry, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.listStored()
	if err != nil || index < 0 || index >= len(stored) {
		return Entry{}, "", false
	}
	return stored[index].info, stored[index].id, true
}

// ByPath resolves by exact original-path match.
func (s *Store) ByPath(path string) (Entry, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.listStored()
	if err != nil {
		return Entry{}, "", false
	}
	for _, e := range stored {
		if e.info.OriginalPath == path {
			return e.info, e.id, true
		}
	}
	return Entry{}, "", false
}

// Resolve looks an operator-supplied identifier up as a numeric index
// first, falling back to an exact path match.
func (s *Store) Resolve(idOrPath string) (Entry, string, bool) {
	if idx, err := strconv.Atoi(idOrPath); err == nil {
		return s.ByID(idx)
	}
	return s.ByPath(idOrPath)
}

// Add moves filename into quarantine: fresh uuid payload name (mode
// 0000), JSON sidecar (mode 0600).
func (s *Store) Add(filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(filename)
	if err != nil {
		if os.IsNotExist(err) {
			s.log.Warn("file added to quarantine but it does not exist", zap.String("path", filename))
			return nil
		}
		return fmt.Errorf("quarantine: stat %q: %w", filename, err)
	}
	st, ok := info.Sys().(*unix.Stat_t)
	if !ok {
		return fmt.Errorf("quarantine: unsupported stat type for %q", filename)
	}

	entry := Entry{
		OriginalPath: filename,
		UID:          st.Uid,
		GID:          st.Gid,
		Mode:         st.Mode,
	}

	id := uuid.NewString()
	payloadPath := s.payloadPath(id)

	if err := os.Rename(filename, payloadPath); err != nil {
		return fmt.Errorf("quarantine: move to quarantine: %w", err)
	}
	if err := os.Chmod(payloadPath, 0o000); err != nil {
		return fmt.Errorf("quarantine: chmod payload: %w", err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("quarantine: marshal entry: %w", err)
	}
	infoPath := s.infoPath(id)
	if err := os.WriteFile(infoPath, data, 0o600); err != nil {
		return fmt.Errorf("quarantine: write entry info: %w", err)
	}
	if err := os.Chmod(infoPath, 0o600); err != nil {
		return fmt.Errorf("quarantine: chmod entry info: %w", err)
	}
	return nil
}

// Restore renames the payload back to its original path and restores
// its mode; the sidecar is then deleted. Fails if the original parent
// directory no longer exists (no directory recreation is attempted).
func (s *Store) Restore(entry Entry, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(filepath.Dir(entry.OriginalPath)); err != nil {
		return fmt.Errorf("quarantine: restore target directory missing: %w", err)
	}
	if err := os.Rename(s.payloadPath(id), entry.OriginalPath); err != nil {
		return fmt.Errorf("quarantine: restore: %w", err)
	}
	if err := os.Chmod(entry.OriginalPath, os.FileMode(entry.Mode&0o7777)); err != nil {
		return fmt.Errorf("quarantine: restore chmod: %w", err)
	}
	if err := os.Remove(s.infoPath(id)); err != nil {
		s.log.Error("failed to remove quarantine entry info after restore", zap.Error(err))
	}
	return nil
}

// Delete unlinks both the payload and its sidecar.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.payloadPath(id)); err != nil {
		return fmt.Errorf("quarantine: delete payload: %w", err)
	}
	if err := os.Remove(s.infoPath(id)); err != nil {
		return fmt.Errorf("quarantine: delete entry info: %w", err)
	}
	return nil
}
