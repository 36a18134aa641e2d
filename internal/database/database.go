// Package database implements the signature database (C5): loading
// signature objects from a file, exposing a hot-swappable snapshot
// handle, and the reload protocol driven by the database file watcher
// (C8). Grounded on
// original_source/client-lib/src/system_database.rs's SystemDatabase/
// SystemDatabaseObject and original_source/client-lib/src/api/hash.rs's
// HashDatabase trait.
//
// The on-disk byte layout is treated as opaque per spec.md §1; this
// package defines and owns a simple, self-contained layout (newline-
// delimited "color hex_digest[ distance]" records) rather than porting
// any reference database format.
package database

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/simbiota/agent/internal/detector"
)

// hexHash is a ComparableHash backed by raw digest bytes, used for
// signatures loaded from disk (as opposed to hashes computed live by
// detector.SimpleTLSHAlg). Diff falls back to a generic Hamming-style
// byte distance so signatures remain comparable to any registered hash
// algorithm of matching digest length.
type hexHash struct {
	digest []byte
	color  uint8
}

// Diff delegates to detector.DigestDiff, which compares by RawDigest
// regardless of whether other is another loaded signature or a
// live-computed hash (e.g. *detector.SimpleTLSHAlg's output) — the two
// are distinct concrete types in distinct packages, so they can only
// be compared through a shared exported interface.
func (h *hexHash) Diff(other detector.ComparableHash) int {
	return detector.DigestDiff(h, other)
}

func (h *hexHash) RawDigest() []byte { return h.digest }
func (h *hexHash) DigestHex() string { return fmt.Sprintf("%x", h.digest) }
func (h *hexHash) Color() uint8      { return h.color }

// snapshot is spec.md §3's "Signature snapshot": an immutable mapping
// color -> ordered signature entries.
type snapshot struct {
	byColor map[uint8][]detector.SignatureEntry
}

// Handle is spec.md §4.5's "Snapshot handle": has_changed()/object()
// against a shareable, atomically-swappable current snapshot.
type Handle struct {
	current atomic.Pointer[snapshot]
	changed atomic.Bool
}

func (h *Handle) publish(s *snapshot) {
	h.current.Store(s)
	h.changed.Store(true)
}

// HasChanged reports whether a new snapshot has been published since
// the last call to Object.
func (h *Handle) HasChanged() bool {
	return h.changed.Load()
}

// Object returns the current snapshot and clears the dirty bit.
func (h *Handle) Object() *snapshot {
	h.changed.Store(false)
	return h.current.Load()
}

// Hashes implements detector.HashDatabase: return the color bucket's
// entries from the most recently published snapshot, clearing the dirty
// bit. This is how C4 observes a reload without holding a direct
// pointer into C5.
func (h *Handle) Hashes(color uint8) []detector.SignatureEntry {
	snap := h.Object()
	if snap == nil {
		return nil
	}
	return snap.byColor[color]
}

// Database owns the on-disk file, the reload protocol, and every handle
// that has been issued so reloads can republish to all of them
// (original_source's SystemDatabase.sdos map).
type Database struct {
	mu           sync.RWMutex
	path         string
	log          *zap.Logger
	handle       *Handle
	warnedColors map[uint8]bool
}

// Load reads and parses the database file eagerly. Missing or unreadable
// files, and files yielding no signature object at all, are fatal at
// startup per spec.md §7.
func Load(path string, log *zap.Logger) (*Database, error) {
	d := &Database{path: path, log: log, handle: &Handle{}, warnedColors: map[uint8]bool{}}
	if err := d.reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Handle returns the shared snapshot handle. Multiple callers may hold
// the same handle; spec.md §4.5 requires the handle itself, not the
// snapshot, to be shared.
func (d *Database) Handle() *Handle {
	return d.handle
}

// Reload re-reads the database file and publishes a new snapshot.
// Driven by C8 on a file-changed signal. Per SPEC_FULL.md's "fail open"
// decision for spec.md §9's open question, a parse failure keeps the
// previous snapshot and is logged rather than treated as fatal (fatal is
// reserved for the initial Load at startup, where there is no prior
// snapshot to fall back to).
func (d *Database) Reload() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reload()
}

func (d *Database) reload() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("database: read %q: %w", d.path, err)
	}

	snap, err := parseSnapshot(data)
	if err != nil {
		if d.handle.current.Load() != nil {
			d.log.Error("signature database reload failed, keeping previous snapshot",
				zap.String("path", d.path), zap.Error(err))
			return nil
		}
		return fmt.Errorf("database: parse %q: %w", d.path, err)
	}

	if len(snap.byColor) == 0 {
		if d.handle.current.Load() == nil {
			return fmt.Errorf("database: %q contains no signature objects", d.path)
		}
	}

	for color, entries := range snap.byColor {
		if color != 0 && len(entries) > 0 && !d.warnedColors[color] {
			d.log.Warn("non-zero color bucket is non-empty but unused by detection (spec-preserved restriction)",
				zap.Uint8("color", color), zap.Int("entries", len(entries)))
			d.warnedColors[color] = true
		}
	}

	d.handle.publish(snap)
	return nil
}

// parseSnapshot parses this package's line-oriented signature format:
//
//	<color:uint8> <hex-digest> [distance:int]
//
// One record per line; blank lines and lines starting with '#' are
// skipped.
func parseSnapshot(data []byte) (*snapshot, error) {
	snap := &snapshot{byColor: map[uint8][]detector.SignatureEntry{}}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("line %d: expected at least 2 fields, got %d", lineNo, len(fields))
		}
		colorVal, err := strconv.ParseUint(fields[0], 10, 8)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid color: %w", lineNo, err)
		}
		digest, err := decodeHex(fields[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid digest: %w", lineNo, err)
		}
		entry := detector.SignatureEntry{Hash: &hexHash{digest: digest, color: uint8(colorVal)}}
		if len(fields) >= 3 {
			dist, err := strconv.Atoi(fields[2])
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid distance: %w", lineNo, err)
			}
			entry.Threshold = dist
			entry.HasThreshold = true
		}
		c := uint8(colorVal)
		snap.byColor[c] = append(snap.byColor[c], entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return snap, nil
}

func decodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		v, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, err
		}
		out[i] = byte(v)
	}
	return out, nil
}
