// Package main — cmd/simbiota-bench/main.go
//
// SIMBIOTA decision-latency benchmark.
//
// Purpose: validate the decision worker's per-event latency against
// spec.md §4.2's latency requirement — a verdict must be produced
// "well under the kernel's response timeout"; a user-visible hang
// manifests above roughly a second, so this tool treats a configurable
// P99 bound as the pass/fail gate for a release.
//
// It exercises the real hash-based detector (C4) end to end: a
// synthetic signature set of the requested size is generated, then the
// "simple_tlsh" pipeline (hash computation + compare-against-all) is
// run once per synthetic payload, exactly as the decision worker
// (internal/worker) drives it for a fanotify event, minus the kernel
// I/O itself.
//
// Output: per-iteration CSV to stdout (iteration, bytes, verdict,
// latency_us). Summary: latency percentiles and the pass/fail verdict
// to stderr.
//
// Usage:
//
//	simbiota-bench [flags]
//	simbiota-bench -iterations 20000 -payload-size 65536 -signatures 5000 -slo-p99-ms 5
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/simbiota/agent/internal/detector"
)

func main() {
	iterations := flag.Int("iterations", 20000, "Number of synthetic detection checks to run")
	payloadSize := flag.Int("payload-size", 65536, "Size in bytes of each synthetic payload")
	signatureCount := flag.Int("signatures", 5000, "Number of synthetic signature entries in the database")
	threshold := flag.Int("threshold", 40, "Detector distance threshold (detector.config.threshold)")
	matchFraction := flag.Float64("match-fraction", 0.01, "Fraction of payloads seeded to match a signature")
	sloP99Ms := flag.Float64("slo-p99-ms", 5.0, "P99 decision latency bound in milliseconds (pass/fail gate)")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	flag.Parse()

	if *iterations <= 0 {
		fmt.Fprintln(os.Stderr, "ERROR: iterations must be > 0")
		os.Exit(1)
	}
	if *matchFraction < 0 || *matchFraction > 1 {
		fmt.Fprintln(os.Stderr, "ERROR: match-fraction must be in [0, 1]")
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(*seed))
	log := zap.NewNop()

	db := newSyntheticDatabase(rng, *signatureCount, *payloadSize)
	checker := detector.New(detector.NewSimpleTLSH, detector.NewCompareAgainstAll(db, *threshold, log, nil))

	bench := newBenchmark(checker, rng, *payloadSize, *matchFraction, db.seedPayloads)
	results := bench.run(*iterations)

	w := csv.NewWriter(os.Stdout)
	_ = w.Write([]string{"iteration", "bytes", "verdict", "latency_us"})
	for _, r := range results {
		verdict := "allow"
		if r.match {
			verdict = "deny"
		}
		_ = w.Write([]string{
			strconv.Itoa(r.iteration),
			strconv.Itoa(r.bytes),
			verdict,
			strconv.FormatFloat(float64(r.latency.Microseconds()), 'f', 1, 64),
		})
	}
	w.Flush()

	latencies := make([]time.Duration, len(results))
	matches := 0
	for i, r := range results {
		latencies[i] = r.latency
		if r.match {
			matches++
		}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	p50 := percentile(latencies, 0.50)
	p95 := percentile(latencies, 0.95)
	p99 := percentile(latencies, 0.99)
	pMax := latencies[len(latencies)-1]

	fmt.Fprintf(os.Stderr, "\n=== DECISION LATENCY RESULT ===\n")
	fmt.Fprintf(os.Stderr, "Iterations:       %d\n", *iterations)
	fmt.Fprintf(os.Stderr, "Signature count:  %d\n", *signatureCount)
	fmt.Fprintf(os.Stderr, "Payload size:     %d bytes\n", *payloadSize)
	fmt.Fprintf(os.Stderr, "Matches produced: %d (%.2f%%)\n", matches, 100*float64(matches)/float64(*iterations))
	fmt.Fprintf(os.Stderr, "P50 latency:      %s\n", p50)
	fmt.Fprintf(os.Stderr, "P95 latency:      %s\n", p95)
	fmt.Fprintf(os.Stderr, "P99 latency:      %s\n", p99)
	fmt.Fprintf(os.Stderr, "Max latency:      %s\n", pMax)
	fmt.Fprintf(os.Stderr, "P99 SLO bound:    %.3f ms\n", *sloP99Ms)

	if float64(p99.Microseconds())/1000.0 <= *sloP99Ms {
		fmt.Fprintf(os.Stderr, "RESULT: PASS — P99 decision latency within SLO\n")
		os.Exit(0)
	}
	fmt.Fprintf(os.Stderr, "RESULT: FAIL — P99 decision latency exceeds SLO\n")
	fmt.Fprintf(os.Stderr, "  Reduce signature count, raise the threshold's selectivity, or shard the database by color.\n")
	os.Exit(2)
}

// stepResult holds the outcome of one synthetic detection check.
type stepResult struct {
	iteration int
	bytes     int
	match     bool
	latency   time.Duration
}

// benchmark drives the real detector pipeline against a mix of random
// and signature-matching synthetic payloads.
type benchmark struct {
	checker       *detector.Detector
	rng           *rand.Rand
	payloadSize   int
	matchFraction float64
	seedPayloads  [][]byte
}

func newBenchmark(checker *detector.Detector, rng *rand.Rand, payloadSize int, matchFraction float64, seedPayloads [][]byte) *benchmark {
	return &benchmark{
		checker:       checker,
		rng:           rng,
		payloadSize:   payloadSize,
		matchFraction: matchFraction,
		seedPayloads:  seedPayloads,
	}
}

// run executes n synthetic checks, mixing in exact copies of
// previously-hashed signature payloads at matchFraction to exercise
// the Match path alongside NoMatch.
func (b *benchmark) run(n int) []stepResult {
	results := make([]stepResult, n)
	for i := 0; i < n; i++ {
		var payload []byte
		if len(b.seedPayloads) > 0 && b.rng.Float64() < b.matchFraction {
			payload = b.seedPayloads[b.rng.Intn(len(b.seedPayloads))]
		} else {
			payload = randomPayload(b.rng, b.payloadSize)
		}

		start := time.Now()
		result, err := b.checker.CheckBytes(payload)
		elapsed := time.Since(start)

		results[i] = stepResult{
			iteration: i,
			bytes:     len(payload),
			match:     err == nil && result == detector.Match,
			latency:   elapsed,
		}
	}
	return results
}

// syntheticDatabase is a detector.HashDatabase backed entirely by
// in-memory signatures generated for this benchmark run — it never
// touches internal/database, so the tool needs no on-disk signature
// file to exercise C4's comparison cost at a chosen scale.
type syntheticDatabase struct {
	entries      []detector.SignatureEntry
	seedPayloads [][]byte
}

func newSyntheticDatabase(rng *rand.Rand, count, payloadSize int) *syntheticDatabase {
	db := &syntheticDatabase{
		entries:      make([]detector.SignatureEntry, 0, count),
		seedPayloads: make([][]byte, 0, count),
	}

	for i := 0; i < count; i++ {
		payload := randomPayload(rng, payloadSize)
		hash, err := hashOnly(payload)
		if err != nil {
			continue
		}
		db.entries = append(db.entries, detector.SignatureEntry{Hash: hash})
		db.seedPayloads = append(db.seedPayloads, payload)
	}
	return db
}

func (d *syntheticDatabase) Hashes(color uint8) []detector.SignatureEntry {
	if color != 0 {
		return nil
	}
	return d.entries
}

// hashOnly computes a ComparableHash without running it through an
// inner detection strategy, by constructing the hash algorithm
// directly rather than going through Detector.CheckBytes (which
// requires a non-nil inner strategy).
func hashOnly(payload []byte) (detector.ComparableHash, error) {
	alg := detector.NewSimpleTLSH()
	const chunk = 1024
	for len(payload) > 0 {
		n := chunk
		if n > len(payload) {
			n = len(payload)
		}
		alg.Update(payload[:n])
		payload = payload[n:]
	}
	hash, ok := alg.Finalize()
	if !ok {
		return nil, detector.ErrHashFailed
	}
	return hash, nil
}

func randomPayload(rng *rand.Rand, size int) []byte {
	buf := make([]byte, size)
	_, _ = rng.Read(buf)
	return buf
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
