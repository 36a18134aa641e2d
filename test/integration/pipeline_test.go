// Package integration_test exercises the decision pipeline (C1-C7) end
// to end, without requiring root or a real fanotify mark: kernel events
// are simulated by constructing fanotify.Event values directly over
// real file descriptors, covering these scenarios spec.md §8 names:
// empty signature set, zero-length file, exact-match quarantine,
// self-exemption, control-socket quarantine queries, and duplicate
// daemon startup. Database reload to an empty set is covered in
// internal/database's tests.
package integration_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/simbiota/agent/internal/cache"
	"github.com/simbiota/agent/internal/detector"
	"github.com/simbiota/agent/internal/fanotify"
	"github.com/simbiota/agent/internal/ledger"
	"github.com/simbiota/agent/internal/operator"
	"github.com/simbiota/agent/internal/quarantine"
	"github.com/simbiota/agent/internal/worker"
)

// fakeResponder records the verdict written for each fd, standing in
// for *fanotify.Monitor so tests never need a real fanotify channel.
type fakeResponder struct {
	verdicts map[int32]fanotify.Verdict
}

func newFakeResponder() *fakeResponder {
	return &fakeResponder{verdicts: map[int32]fanotify.Verdict{}}
}

func (f *fakeResponder) Respond(fd int32, v fanotify.Verdict) error {
	f.verdicts[fd] = v
	return nil
}

// countingChecker counts how often it is invoked; used to prove
// self-exemption short-circuits before the detector runs.
type countingChecker struct {
	calls int32
}

func (c *countingChecker) CheckReader(io.Reader) (detector.Result, error) {
	atomic.AddInt32(&c.calls, 1)
	return detector.NoMatch, nil
}

// emptyDB is a detector.HashDatabase with no signatures at all.
type emptyDB struct{}

func (emptyDB) Hashes(uint8) []detector.SignatureEntry { return nil }

// staticDB is a detector.HashDatabase backed by a fixed signature list,
// standing in for a loaded internal/database snapshot.
type staticDB struct {
	entries []detector.SignatureEntry
}

func (d staticDB) Hashes(color uint8) []detector.SignatureEntry {
	if color != 0 {
		return nil
	}
	return d.entries
}

func openForReading(t *testing.T, dir, name string, content []byte) (*os.File, string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %q: %v", path, err)
	}
	t.Cleanup(func() { f.Close() })
	return f, path
}

// eventFd dups f's fd for handing to a fanotify.Event: the decision
// worker unconditionally unix.Close()s an event's fd once it's done
// with it, same as the real kernel-owned fd it stands in for. Handing
// over f.Fd() directly would mean the worker's close and this test's
// own t.Cleanup(f.Close) race to close(2) the same fd number — and once
// the kernel reassigns that number to an unrelated file, the loser
// silently closes the wrong thing. A dup gives the worker its own fd to
// close, leaving f (and its eventual cleanup) untouched.
func eventFd(t *testing.T, f *os.File) int32 {
	t.Helper()
	dup, err := unix.Dup(int(f.Fd()))
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	return int32(dup)
}

// runOnce feeds a single closed-then-drained event channel through
// Run synchronously; used whenever a test doesn't need to interleave
// further requests while the worker is live.
func runOnce(t *testing.T, w *worker.Worker, ev *fanotify.Event) {
	t.Helper()
	events := make(chan fanotify.Event, 1)
	if ev != nil {
		events <- *ev
	}
	close(events)
	requests := make(chan worker.Request)
	close(requests)
	if err := w.Run(events, requests); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestDecisionPipeline_SelfExemption_SkipsDetectorEntirely(t *testing.T) {
	f, _ := openForReading(t, t.TempDir(), "self.bin", []byte("irrelevant content"))
	checker := &countingChecker{}
	responder := newFakeResponder()

	const selfPID = 4242
	w := worker.New(responder, selfPID, cache.New(false), checker, nil, nil, zap.NewNop(), nil)

	fd := eventFd(t, f)
	runOnce(t, w, &fanotify.Event{PID: selfPID, Fd: fd, NeedsResponse: true})

	if v := responder.verdicts[fd]; v != fanotify.Allow {
		t.Errorf("expected Allow for self-exempt pid, got %v", v)
	}
	if atomic.LoadInt32(&checker.calls) != 0 {
		t.Error("detector must not be invoked for a self-exempt event")
	}
}

func TestDecisionPipeline_EmptySignatureSet_Allows(t *testing.T) {
	checker := detector.New(detector.NewSimpleTLSH, detector.NewCompareAgainstAll(emptyDB{}, 40, zap.NewNop(), nil))
	responder := newFakeResponder()
	w := worker.New(responder, 1, cache.New(false), checker, nil, nil, zap.NewNop(), nil)

	content := make([]byte, 256)
	for i := range content {
		content[i] = byte(i)
	}
	f, _ := openForReading(t, t.TempDir(), "unknown.bin", content)
	fd := eventFd(t, f)

	runOnce(t, w, &fanotify.Event{PID: 999, Fd: fd, NeedsResponse: true})

	if v := responder.verdicts[fd]; v != fanotify.Allow {
		t.Errorf("expected Allow against an empty signature set, got %v", v)
	}
}

func TestDecisionPipeline_ZeroLengthFile_Allows(t *testing.T) {
	checker := detector.New(detector.NewSimpleTLSH, detector.NewCompareAgainstAll(emptyDB{}, 40, zap.NewNop(), nil))
	responder := newFakeResponder()
	w := worker.New(responder, 1, cache.New(false), checker, nil, nil, zap.NewNop(), nil)

	f, _ := openForReading(t, t.TempDir(), "empty.bin", nil)
	fd := eventFd(t, f)

	runOnce(t, w, &fanotify.Event{PID: 999, Fd: fd, NeedsResponse: true})

	if v := responder.verdicts[fd]; v != fanotify.Allow {
		t.Errorf("expected Allow when the hash algorithm can't produce a digest, got %v", v)
	}
}

func TestDecisionPipeline_MatchingSignature_DeniesQuarantinesAndRecords(t *testing.T) {
	root := t.TempDir()
	watchedDir := filepath.Join(root, "watched")
	quarantineDir := filepath.Join(root, "quarantine")
	if err := os.MkdirAll(watchedDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i * 5)
	}

	alg := detector.NewSimpleTLSH()
	alg.Update(payload)
	hash, ok := alg.Finalize()
	if !ok {
		t.Fatal("expected hash finalisation to succeed")
	}
	db := staticDB{entries: []detector.SignatureEntry{{Hash: hash, Threshold: 40, HasThreshold: true}}}
	checker := detector.New(detector.NewSimpleTLSH, detector.NewCompareAgainstAll(db, 40, zap.NewNop(), nil))

	qStore, err := quarantine.New(quarantineDir, zap.NewNop())
	if err != nil {
		t.Fatalf("quarantine.New: %v", err)
	}
	auditLedger, err := ledger.Open(filepath.Join(root, "ledger.db"), 30, nil)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { auditLedger.Close() })

	responder := newFakeResponder()
	w := worker.New(responder, 1, cache.New(false), checker, qStore, auditLedger, zap.NewNop(), nil)

	f, watchedPath := openForReading(t, watchedDir, "malware.bin", payload)
	fd := eventFd(t, f)

	runOnce(t, w, &fanotify.Event{PID: 999, Fd: fd, NeedsResponse: true})

	if v := responder.verdicts[fd]; v != fanotify.Deny {
		t.Fatalf("expected Deny for a matching signature, got %v", v)
	}

	// Quarantine.Add runs on a background goroutine; poll for it.
	deadline := time.Now().Add(2 * time.Second)
	var entries []quarantine.Entry
	for time.Now().Before(deadline) {
		entries, err = qStore.List()
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(entries) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 quarantine entry, got %d", len(entries))
	}
	if entries[0].OriginalPath != watchedPath {
		t.Errorf("expected original_path %q, got %q", watchedPath, entries[0].OriginalPath)
	}
	if _, err := os.Stat(watchedPath); !os.IsNotExist(err) {
		t.Error("expected original file to be moved out of the watched directory")
	}

	recorded, err := auditLedger.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	found := false
	for _, e := range recorded {
		if e.Path == watchedPath && e.Verdict == "deny" {
			found = true
		}
	}
	if !found {
		t.Error("expected a deny entry in the audit ledger for the quarantined path")
	}
}

func TestDecisionPipeline_QueryQuarantine_ReturnsActionedEntry(t *testing.T) {
	root := t.TempDir()
	quarantineDir := filepath.Join(root, "quarantine")
	qStore, err := quarantine.New(quarantineDir, zap.NewNop())
	if err != nil {
		t.Fatalf("quarantine.New: %v", err)
	}

	watched := filepath.Join(root, "already-quarantined.bin")
	if err := os.WriteFile(watched, []byte("already found"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := qStore.Add(watched); err != nil {
		t.Fatalf("Add: %v", err)
	}

	checker := detector.New(detector.NewSimpleTLSH, detector.NewCompareAgainstAll(emptyDB{}, 40, zap.NewNop(), nil))
	w := worker.New(newFakeResponder(), 1, cache.New(false), checker, qStore, nil, zap.NewNop(), nil)

	requests := make(chan worker.Request)
	done := make(chan error, 1)
	go func() { done <- w.Run(nil, requests) }()

	reply := make(chan worker.Result, 1)
	requests <- worker.Request{Cmd: worker.CmdQueryQuarantine, Reply: reply}
	result := <-reply

	close(requests)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not shut down after requests channel closed")
	}

	if !result.OK {
		t.Fatalf("expected OK result, got %+v", result)
	}
	if len(result.Entries) != 1 || result.Entries[0].OriginalPath != watched {
		t.Fatalf("expected one entry for %q, got %+v", watched, result.Entries)
	}
}

func TestControlSocket_DuplicateStartup_IsDetected(t *testing.T) {
	name := "simbiota-test-duplicate-startup"

	if err := operator.CheckNotRunning(name); err != nil {
		t.Fatalf("expected no running instance before binding, got: %v", err)
	}

	checker := detector.New(detector.NewSimpleTLSH, detector.NewCompareAgainstAll(emptyDB{}, 40, zap.NewNop(), nil))
	w := worker.New(newFakeResponder(), 1, cache.New(false), checker, nil, nil, zap.NewNop(), nil)
	requests := make(chan worker.Request)
	workerDone := make(chan error, 1)
	go func() { workerDone <- w.Run(nil, requests) }()
	defer func() {
		close(requests)
		<-workerDone
	}()

	srv := operator.NewServer(name, operator.ChanDispatcher(requests), zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- srv.ListenAndServe(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		if lastErr = operator.CheckNotRunning(name); lastErr != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if lastErr == nil {
		t.Fatal("expected CheckNotRunning to detect the already-listening socket")
	}

	cancel()
	select {
	case <-serveDone:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down after context cancellation")
	}
}
