// Package worker implements the decision worker (C2): for every kernel
// event it produces an Allow/Deny verdict, enforcing self-exemption and
// orchestrating the cache, detector and quarantine components. It also
// multiplexes operator commands (quarantine list/restore/delete) onto
// the same loop so the detector state is never touched from a second
// goroutine.
package worker

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/simbiota/agent/internal/cache"
	"github.com/simbiota/agent/internal/detector"
	"github.com/simbiota/agent/internal/fanotify"
	"github.com/simbiota/agent/internal/ledger"
	"github.com/simbiota/agent/internal/observability"
	"github.com/simbiota/agent/internal/quarantine"
)

// Responder is the subset of *fanotify.Monitor the worker needs to write
// verdicts back to the kernel. Verdict writes are fatal on failure per
// spec.md §4.1 "Failure model"; that failure is surfaced to Run's caller
// via the returned error so main can exit(1) rather than hang forever.
type Responder interface {
	Respond(fd int32, v fanotify.Verdict) error
}

// Command names the operator actions multiplexed onto the decision loop
// (spec.md §4.2 "Command multiplexing", §4.7 C7 commands).
type Command int

const (
	CmdQueryQuarantine Command = iota
	CmdRestoreQuarantine
	CmdDeleteQuarantine
)

// Request is sent by the control front-end (C7) over a shared channel
// and answered on its own Reply channel, avoiding a reference cycle
// between C7 and C2 per spec.md §9 "Cyclic back-references".
type Request struct {
	Cmd   Command
	Arg   string // id or original path, for Restore/Delete
	Reply chan Result
}

// Result is the decision worker's answer to a Request.
type Result struct {
	Entries []quarantine.Entry
	OK      bool
	Err     error
}

// Worker owns the mutable detector and cache state; spec.md §4.2 permits
// multiple workers only if each holds independent state or the detector
// synchronises internally — this implementation is the single-worker
// case the spec calls "sufficient for correctness".
type Worker struct {
	fan        Responder
	selfPID    uint32
	cache      cache.Cache
	checker    detector.Checker
	quarantine *quarantine.Store
	ledger     *ledger.Ledger
	log        *zap.Logger
	metrics    *observability.Metrics
}

// New constructs a decision worker. quarantineStore and auditLedger may
// be nil (quarantine disabled / no supplemental ledger configured).
func New(fan Responder, selfPID uint32, c cache.Cache, checker detector.Checker, q *quarantine.Store, l *ledger.Ledger, log *zap.Logger, metrics *observability.Metrics) *Worker {
	return &Worker{
		fan:        fan,
		selfPID:    selfPID,
		cache:      c,
		checker:    checker,
		quarantine: q,
		ledger:     l,
		log:        log,
		metrics:    metrics,
	}
}

// Run drains events and control requests until both channels are
// closed (a nil channel counts as closed); closing only events leaves
// Run serving requests. A verdict-write failure is fatal per spec.md §4.1 and is returned
// immediately, matching the "no recovery path" failure domain of §5.
func (w *Worker) Run(events <-chan fanotify.Event, requests <-chan Request) error {
	for events != nil || requests != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err := w.handleEvent(ev); err != nil {
				return err
			}
		case req, ok := <-requests:
			if !ok {
				requests = nil
				continue
			}
			req.Reply <- w.handleRequest(req)
		}
	}
	return nil
}

// handleEvent implements spec.md §4.2's seven-step algorithm.
func (w *Worker) handleEvent(ev fanotify.Event) error {
	start := time.Now()
	verdict := w.decide(ev)
	if w.metrics != nil {
		w.metrics.DecisionDuration.Observe(time.Since(start).Seconds())
	}

	if ev.NeedsResponse {
		if err := w.fan.Respond(ev.Fd, verdict); err != nil {
			return fmt.Errorf("worker: verdict write failed, kernel unusable: %w", err)
		}
		outcome := "allow"
		if verdict == fanotify.Deny {
			outcome = "deny"
		}
		if w.metrics != nil {
			w.metrics.VerdictsTotal.WithLabelValues(outcome).Inc()
		}
	}
	unix.Close(int(ev.Fd))
	return nil
}

// decide returns Allow or Deny for one event without writing the
// response; handleEvent owns the write so non-permission (fire-and-
// forget) events can still run detection and quarantine without a
// kernel reply.
func (w *Worker) decide(ev fanotify.Event) fanotify.Verdict {
	if ev.PID == w.selfPID {
		return fanotify.Allow
	}

	path, resolved := resolveFdPath(ev.Fd)

	if resolved {
		if result, hit := w.cache.Get(path, int(ev.Fd)); hit {
			if w.metrics != nil {
				w.metrics.CacheResultsTotal.WithLabelValues("hit").Inc()
			}
			return w.finish(path, result, true)
		}
		if w.metrics != nil {
			w.metrics.CacheResultsTotal.WithLabelValues("miss").Inc()
		}
	}

	result, err := w.checker.CheckReader(fdReader{fd: int(ev.Fd)})
	if err != nil {
		// spec.md §4.2 step 4 / §7: detection failure is logged and
		// treated as Allow; the result is not cached.
		w.log.Warn("detection failed, allowing", zap.String("path", path), zap.Error(err))
		return fanotify.Allow
	}

	if resolved {
		w.cache.Set(path, int(ev.Fd), result)
	}

	return w.finish(path, result, false)
}

// finish applies the verdict-dependent quarantine dispatch and ledger
// record shared by the cache-hit and fresh-detection paths.
func (w *Worker) finish(path string, result detector.Result, cached bool) fanotify.Verdict {
	if w.ledger != nil {
		w.ledger.Record(path, result, cached)
	}
	if result != detector.Match {
		return fanotify.Allow
	}
	if w.quarantine != nil {
		go w.quarantineAsync(path)
	}
	return fanotify.Deny
}

// quarantineAsync hands the match off to C6 on a background goroutine so
// the verdict write is never delayed by quarantine's rename/chmod I/O,
// per spec.md §4.2 step 6.
func (w *Worker) quarantineAsync(path string) {
	err := w.quarantine.Add(path)
	kind := "success"
	if err != nil {
		kind = "failure"
		// spec.md §7: quarantine rename failure is logged; the verdict
		// (already Deny) still stands.
		w.log.Error("quarantine add failed", zap.String("path", path), zap.Error(err))
	}
	if w.metrics != nil {
		w.metrics.QuarantineActionsTotal.WithLabelValues("add", kind).Inc()
	}
}

// handleRequest answers one operator command (spec.md §4.7).
func (w *Worker) handleRequest(req Request) Result {
	if w.quarantine == nil {
		switch req.Cmd {
		case CmdQueryQuarantine:
			return Result{OK: true, Entries: nil}
		default:
			return Result{OK: false}
		}
	}

	switch req.Cmd {
	case CmdQueryQuarantine:
		entries, err := w.quarantine.List()
		if err != nil {
			return Result{OK: false, Err: err}
		}
		return Result{OK: true, Entries: entries}

	case CmdRestoreQuarantine:
		entry, id, ok := w.quarantine.Resolve(req.Arg)
		if !ok {
			return Result{OK: false}
		}
		err := w.quarantine.Restore(entry, id)
		w.recordQuarantineMetric("restore", err)
		return Result{OK: err == nil, Err: err}

	case CmdDeleteQuarantine:
		_, id, ok := w.quarantine.Resolve(req.Arg)
		if !ok {
			return Result{OK: false}
		}
		err := w.quarantine.Delete(id)
		w.recordQuarantineMetric("delete", err)
		return Result{OK: err == nil, Err: err}

	default:
		return Result{OK: false, Err: fmt.Errorf("worker: unknown command")}
	}
}

func (w *Worker) recordQuarantineMetric(kind string, err error) {
	if w.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	w.metrics.QuarantineActionsTotal.WithLabelValues(kind, outcome).Inc()
}

// fdReader reads directly from a raw fd via unix.Read, deliberately
// avoiding os.NewFile: an *os.File built from a kernel-owned fd number
// registers a runtime finalizer that calls close(2) on GC, which would
// race handleEvent's own unix.Close on the same fd number and, once the
// kernel has reassigned that number to an unrelated open file (the
// ledger's bbolt fd, the log file, another in-flight event), silently
// close it instead.
type fdReader struct {
	fd int
}

func (r fdReader) Read(p []byte) (int, error) {
	n, err := unix.Read(r.fd, p)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// resolveFdPath resolves the kernel-supplied fd to its symlink target
// under /proc/self/fd, per spec.md §4.2 step 2. Unresolvable fds (e.g.
// the /proc filesystem is unavailable) skip the cache but detection
// still proceeds on the fd alone.
func resolveFdPath(fd int32) (string, bool) {
	link := filepath.Join("/proc/self/fd", fmt.Sprint(fd))
	target, err := os.Readlink(link)
	if err != nil {
		return "", false
	}
	return target, true
}
