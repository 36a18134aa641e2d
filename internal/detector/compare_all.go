package detector

import (
	"time"

	"go.uber.org/zap"

	"github.com/simbiota/agent/internal/observability"
)

// HashDatabase yields the slice of hashes to compare against for a
// given color bucket. Implemented by internal/database.Handle.
type HashDatabase interface {
	// Hashes returns the entries of the most recently published snapshot
	// for the given color. It does not itself reload the database; a
	// reload published since the last call is visible here.
	Hashes(color uint8) []SignatureEntry
}

// SignatureEntry is one stored signature. Threshold is the per-entry
// detection distance; when HasThreshold is false the caller's global
// default threshold applies (legacy format).
type SignatureEntry struct {
	Hash         ComparableHash
	Threshold    int
	HasThreshold bool
}

// CompareAgainstAllDetector implements the compare-against-all
// strategy: a live hash is diffed against every stored signature in
// the active color bucket.
type CompareAgainstAllDetector struct {
	db               HashDatabase
	defaultThreshold int
	log              *zap.Logger
	metrics          *observability.Metrics
}

// NewCompareAgainstAll constructs the strategy. defaultThreshold is the
// legacy fixed distance threshold (config key detector.config.threshold,
// default 40).
func NewCompareAgainstAll(db HashDatabase, defaultThreshold int, log *zap.Logger, metrics *observability.Metrics) *CompareAgainstAllDetector {
	return &CompareAgainstAllDetector{db: db, defaultThreshold: defaultThreshold, log: log, metrics: metrics}
}

// DoDetect iterates the color-0 bucket in snapshot order — only color 0
// is consulted, by design — and returns Match on the first entry whose
// diff to hash is strictly below its threshold.
func (d *CompareAgainstAllDetector) DoDetect(hash ComparableHash) (Result, error) {
	start := time.Now()
	entries := d.db.Hashes(0)

	compared := 0
	result := NoMatch
	for _, entry := range entries {
		compared++
		diff := hash.Diff(entry.Hash)
		threshold := d.defaultThreshold
		if entry.HasThreshold {
			threshold = entry.Threshold
		}
		if diff < threshold {
			result = Match
			break
		}
	}
	elapsed := time.Since(start)

	if d.metrics != nil {
		d.metrics.DetectionComparisons.Add(float64(compared))
		d.metrics.DetectionDuration.Observe(elapsed.Seconds())
	}
	if compared > 0 {
		d.log.Debug("compared hash against signatures",
			zap.Int("count", compared),
			zap.Duration("elapsed", elapsed),
			zap.Float64("us_per_comparison", float64(elapsed.Microseconds())/float64(compared)),
		)
	}
	return result, nil
}
