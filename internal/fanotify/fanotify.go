// Package fanotify is the kernel event source (C1): it opens a fanotify
// access-notification channel, marks watched paths, reads variable-length
// event records, and writes back allow/deny verdicts.
//
// Architecture:
//
//	[fanotify fd]
//	      ↓  (os.File.Read on the fanotify fd, raw record buffer)
//	[Monitor.Run goroutine — record walk, self-exemption fast path]
//	      ↓  (unbuffered channel, one Event per record not answered by the fast path)
//	[Decision worker]
//	      ↓
//	[Monitor.Respond — verdict write, serialised by writeMu]
//
// Self-exemption: an event whose PID equals the daemon's own pid and which
// is permission-bearing is answered Allow directly in the read loop and
// never reaches the decision worker (spec.md §4.1).
package fanotify

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/simbiota/agent/internal/config"
	"github.com/simbiota/agent/internal/observability"
)

// eventMetadataLen is sizeof(struct fanotify_event_metadata) on Linux: a
// uint32 event_len, two uint8s, a uint16, a uint64 mask, and two int32s
// (fd, pid) — 24 bytes, 8-byte aligned.
const eventMetadataLen = 24

// readBufferSize matches the buffer size the kernel documentation
// recommends for draining one fanotify read() in a single pass.
const readBufferSize = 4096

// Event is the decoded form of one kernel event record (spec.md §3
// "Event record"). Fd is valid until Respond is called for permission
// events, or until the event is dropped for fire-and-forget events.
type Event struct {
	PID           uint32
	Fd            int32
	Mask          uint64
	NeedsResponse bool
}

// Verdict is the response a decision worker returns for a permission
// event.
type Verdict uint32

const (
	Allow Verdict = Verdict(unix.FAN_ALLOW)
	Deny  Verdict = Verdict(unix.FAN_DENY)
)

var flagBits = map[string]uint{
	"CLOEXEC":         unix.FAN_CLOEXEC,
	"NONBLOCK":        unix.FAN_NONBLOCK,
	"UNLIMITED_QUEUE": unix.FAN_UNLIMITED_QUEUE,
	"UNLIMITED_MARKS": unix.FAN_UNLIMITED_MARKS,
}

var maskBits = map[string]uint64{
	"ACCESS":         unix.FAN_ACCESS,
	"MODIFY":         unix.FAN_MODIFY,
	"CLOSE_WRITE":    unix.FAN_CLOSE_WRITE,
	"CLOSE_NOWRITE":  unix.FAN_CLOSE_NOWRITE,
	"OPEN":           unix.FAN_OPEN,
	"OPEN_EXEC":      unix.FAN_OPEN_EXEC,
	"OPEN_PERM":      unix.FAN_OPEN_PERM,
	"OPEN_EXEC_PERM": unix.FAN_OPEN_EXEC_PERM,
	"ACCESS_PERM":    unix.FAN_ACCESS_PERM,
}

// permissionMask is the set of mask bits that are permission-bearing: the
// kernel blocks the originating syscall until a verdict is written.
const permissionMask = unix.FAN_OPEN_PERM | unix.FAN_OPEN_EXEC_PERM | unix.FAN_ACCESS_PERM

// InitError distinguishes "kernel does not support fanotify" from other
// initialisation failures, per spec.md §7 ("if reason is not implemented,
// print a hint about kernel config").
type InitError struct {
	NotImplemented bool
	Err            error
}

func (e *InitError) Error() string { return e.Err.Error() }
func (e *InitError) Unwrap() error { return e.Err }

// Monitor owns the fanotify file descriptor and serialises verdict
// writes.
type Monitor struct {
	fd      int
	file    *os.File
	selfPID uint32
	writeMu sync.Mutex
	log     *zap.Logger
	metrics *observability.Metrics
}

// New opens a fanotify channel in FAN_CLASS_CONTENT mode with the
// requested flags. This is a fatal operation at the call site if it
// fails (spec.md §7 "Kernel-channel init failure").
func New(flags []string, log *zap.Logger, metrics *observability.Metrics) (*Monitor, error) {
	var initFlags uint = unix.FAN_CLASS_CONTENT
	for _, f := range flags {
		bit, ok := flagBits[f]
		if !ok {
			return nil, fmt.Errorf("fanotify: unknown flag %q", f)
		}
		initFlags |= bit
	}

	eventFlags := uint(unix.O_RDONLY | unix.O_LARGEFILE)
	fd, err := unix.FanotifyInit(initFlags, eventFlags)
	if err != nil {
		if err == unix.ENOSYS {
			return nil, &InitError{NotImplemented: true, Err: fmt.Errorf("fanotify_init: %w (kernel lacks CONFIG_FANOTIFY)", err)}
		}
		return nil, &InitError{Err: fmt.Errorf("fanotify_init: %w", err)}
	}

	return &Monitor{
		fd:      fd,
		file:    os.NewFile(uintptr(fd), "fanotify"),
		selfPID: uint32(os.Getpid()),
		log:     log,
		metrics: metrics,
	}, nil
}

// Mark registers one watched path per spec.md §6 monitor.paths[] schema.
// A permission-bearing mask that the kernel rejects (CONFIG_FANOTIFY_
// ACCESS_PERMISSIONS not built in) is fatal; see spec.md §7.
func (m *Monitor) Mark(mp config.MonitoredPath) error {
	var markFlags uint = unix.FAN_MARK_ADD
	if mp.Dir {
		markFlags |= unix.FAN_MARK_ONLYDIR
	}
	if mp.Filesystem {
		markFlags |= unix.FAN_MARK_FILESYSTEM
	}
	if mp.Mount {
		markFlags |= unix.FAN_MARK_MOUNT
	}

	var mask uint64
	var permissionBearing bool
	for _, mk := range mp.Mask {
		bit, ok := maskBits[mk]
		if !ok {
			return fmt.Errorf("fanotify: unknown mask kind %q", mk)
		}
		mask |= bit
		if bit&permissionMask != 0 {
			permissionBearing = true
		}
	}
	if mp.EventOnChildren {
		mask |= unix.FAN_EVENT_ON_CHILD
	}

	if err := unix.FanotifyMark(m.fd, markFlags, mask, unix.AT_FDCWD, mp.Path); err != nil {
		if permissionBearing && err == unix.EINVAL {
			return fmt.Errorf("fanotify_mark(%s): %w (permission events require CONFIG_FANOTIFY_ACCESS_PERMISSIONS)", mp.Path, err)
		}
		return fmt.Errorf("fanotify_mark(%s): %w", mp.Path, err)
	}
	return nil
}

// Run drains the fanotify channel until ctx is cancelled. Permission
// events whose pid equals the daemon's own pid are answered Allow
// in-loop (self-exemption) and never reach the returned channel.
//
// Read errors other than interruption are fatal, per spec.md §4.1.
func (m *Monitor) Run(ctx context.Context) (<-chan Event, error) {
	out := make(chan Event)

	go func() {
		defer close(out)

		var buf [readBufferSize]byte
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			_ = m.file.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
			n, err := m.file.Read(buf[:])
			if err != nil {
				if os.IsTimeout(err) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				m.log.Fatal("fanotify read failed, channel unusable", zap.Error(err))
			}

			populated := buf[:n]
			for len(populated) >= eventMetadataLen {
				eventLen := binary.LittleEndian.Uint32(populated[0:4])
				if eventLen < eventMetadataLen || int(eventLen) > len(populated) {
					m.log.Warn("malformed fanotify record, discarding remainder", zap.Uint32("event_len", eventLen))
					break
				}
				mask := binary.LittleEndian.Uint64(populated[8:16])
				fd := int32(binary.LittleEndian.Uint32(populated[16:20]))
				pid := binary.LittleEndian.Uint32(populated[20:24])

				needsResponse := mask&permissionMask != 0
				if m.metrics != nil {
					label := "fire_and_forget"
					if needsResponse {
						label = "permission_bearing"
					}
					m.metrics.EventsTotal.WithLabelValues(label).Inc()
				}

				if needsResponse && pid == m.selfPID {
					m.log.Debug("self-exemption fast path", zap.Int32("fd", fd))
					if err := m.Respond(fd, Allow); err != nil {
						m.log.Error("self-exemption verdict write failed", zap.Error(err))
					}
					unix.Close(int(fd))
					if m.metrics != nil {
						m.metrics.SelfExemptionsTotal.Inc()
					}
				} else {
					ev := Event{PID: pid, Fd: fd, Mask: mask, NeedsResponse: needsResponse}
					select {
					case out <- ev:
					case <-ctx.Done():
						unix.Close(int(fd))
						return
					}
				}

				populated = populated[eventLen:]
			}
		}
	}()

	return out, nil
}

// Respond writes the fixed-size fanotify_response record for fd. Writes
// are serialised because the kernel requires whole-record writes
// (spec.md §4.1, §5).
func (m *Monitor) Respond(fd int32, v Verdict) error {
	resp := make([]byte, 8)
	binary.LittleEndian.PutUint32(resp[0:4], uint32(fd))
	binary.LittleEndian.PutUint32(resp[4:8], uint32(v))

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	_, err := unix.Write(m.fd, resp)
	if err != nil {
		return fmt.Errorf("fanotify verdict write: %w", err)
	}
	return nil
}

// Close releases the fanotify file descriptor.
func (m *Monitor) Close() error {
	return m.file.Close()
}

// SelfPID returns the daemon's own pid, used by the decision worker to
// enforce self-exemption as defense-in-depth behind C1's fast path
// (spec.md §4.2 step 1).
func (m *Monitor) SelfPID() uint32 {
	return m.selfPID
}
