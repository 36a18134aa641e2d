// Package cache implements the detection cache (C3): a mapping from file
// path to (stat fingerprint, verdict), grounded on
// original_source/simbiota/src/memory_detection_cache.rs.
package cache

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/simbiota/agent/internal/detector"
)

// Fingerprint is spec.md §3's "File-identity fingerprint": a tuple
// obtained via stat on the event's fd. Equality is value equality over
// all six fields.
type Fingerprint struct {
	Size  int64
	UID   uint32
	GID   uint32
	Mode  uint32
	Mtime int64
	Ctime int64
}

// FingerprintFromFd stats fd and builds its Fingerprint. Stat failure is
// treated as a cache miss by the caller (spec.md §7).
func FingerprintFromFd(fd int) (Fingerprint, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return Fingerprint{}, err
	}
	return Fingerprint{
		Size:  st.Size,
		UID:   st.Uid,
		GID:   st.Gid,
		Mode:  st.Mode,
		Mtime: int64(st.Mtim.Sec),
		Ctime: int64(st.Ctim.Sec),
	}, nil
}

// Cache is the C3 interface: get(path, fd) -> verdict?, set(path, fd,
// verdict).
type Cache interface {
	Get(path string, fd int) (detector.Result, bool)
	Set(path string, fd int, result detector.Result)
}

type entry struct {
	fingerprint Fingerprint
	result      detector.Result
}

// Memory is the in-memory, unbounded cache mode (spec.md §4.3). It is
// single-writer by design (C2 only); concurrent use requires external
// synchronisation or a mutex-wrapped instance — see NewConcurrent.
type Memory struct {
	entries map[string]entry
}

// NewMemory constructs an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]entry)}
}

func (m *Memory) Get(path string, fd int) (detector.Result, bool) {
	e, ok := m.entries[path]
	if !ok {
		return detector.NoMatch, false
	}
	fp, err := FingerprintFromFd(fd)
	if err != nil {
		// Stat failure on the event fd: treated as a miss (spec.md §7).
		return detector.NoMatch, false
	}
	if fp != e.fingerprint {
		return detector.NoMatch, false
	}
	return e.result, true
}

func (m *Memory) Set(path string, fd int, result detector.Result) {
	fp, err := FingerprintFromFd(fd)
	if err != nil {
		return
	}
	m.entries[path] = entry{fingerprint: fp, result: result}
}

// Noop is the disabled cache mode (spec.md §4.3): every Get misses,
// every Set is a no-op.
type Noop struct{}

func (Noop) Get(string, int) (detector.Result, bool) { return detector.NoMatch, false }
func (Noop) Set(string, int, detector.Result)        {}

// Concurrent wraps a Cache with a mutex. The decision worker is
// single-threaded by default (spec.md §4.2), but spec.md explicitly
// allows multiple workers if the cache is made concurrent; this is that
// substitution point.
type Concurrent struct {
	mu    sync.Mutex
	inner Cache
}

// NewConcurrent wraps inner with a mutex.
func NewConcurrent(inner Cache) *Concurrent {
	return &Concurrent{inner: inner}
}

func (c *Concurrent) Get(path string, fd int) (detector.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Get(path, fd)
}

func (c *Concurrent) Set(path string, fd int, result detector.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Set(path, fd, result)
}

// New constructs the configured cache mode.
func New(disabled bool) Cache {
	if disabled {
		return Noop{}
	}
	return NewMemory()
}
