// Package ledger is the supplemental audit ledger: a persistent,
// append-only record of every verdict the decision worker (C2)
// produces, backed by a single bbolt bucket keyed by timestamp. Not
// part of the core on-access pipeline; additive observability only,
// pruned by storage.retention_days.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/simbiota/agent/internal/detector"
	"github.com/simbiota/agent/internal/observability"
)

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	bucketEvents = "events"
	bucketMeta   = "meta"
)

// Entry is one audit record: what was checked, what was decided, and
// whether the decision came from the cache.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`
	Verdict   string    `json:"verdict"` // allow|deny
	Cached    bool      `json:"cached"`
}

// Ledger wraps a BoltDB instance recording decision-worker verdicts.
type Ledger struct {
	db            *bolt.DB
	retentionDays int
	metrics       *observability.Metrics
}

// Open opens (or creates) the BoltDB ledger at path, initialising
// buckets and verifying the schema version. A corrupt or incompatible
// file is returned as an error; the daemon then runs without a ledger.
func Open(path string, retentionDays int, metrics *observability.Metrics) (*Ledger, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: bolt.Open(%q): %w", path, err)
	}

	l := &Ledger{db: bdb, retentionDays: retentionDays, metrics: metrics}

	if err := l.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketEvents, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			return meta.Put([]byte("schema_version"), []byte(SchemaVersion))
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("ledger: initialisation failed: %w", err)
	}

	if err := l.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return l, nil
}

func (l *Ledger) checkSchemaVersion() error {
	return l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketMeta)).Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("ledger: schema version mismatch: database has %q, agent requires %q",
				string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// eventKeyLayout is RFC 3339 with a fixed nine-digit fraction; unlike
// time.RFC3339Nano it keeps trailing zeros, so every key has the same
// width.
const eventKeyLayout = "2006-01-02T15:04:05.000000000Z07:00"

// eventKey constructs a sortable key: a fixed-width UTC timestamp, so
// lexicographic order matches chronological order.
func eventKey(t time.Time) []byte {
	return []byte(t.UTC().Format(eventKeyLayout))
}

// Record appends one decision-worker verdict. Marshal and write failures
// are dropped silently, never returned — a full disk must not interrupt
// on-access decisions.
func (l *Ledger) Record(path string, result detector.Result, cached bool) {
	start := time.Now()
	verdict := "allow"
	if result == detector.Match {
		verdict = "deny"
	}
	entry := Entry{Timestamp: start, Path: path, Verdict: verdict, Cached: cached}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	_ = l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketEvents)).Put(eventKey(entry.Timestamp), data)
	})

	if l.metrics != nil {
		l.metrics.LedgerWriteLatency.Observe(time.Since(start).Seconds())
	}
}

// PruneOld deletes ledger entries older than the configured retention
// window. Called on startup and periodically.
func (l *Ledger) PruneOld() (int, error) {
	cutoff := eventKey(time.Now().AddDate(0, 0, -l.retentionDays))

	var deleted int
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoff) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// RunRetention prunes every 6 hours until ctx is cancelled, mirroring
// the teacher's retention goroutine cadence.
func (l *Ledger) RunRetention(done <-chan struct{}, log func(deleted int, err error)) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deleted, err := l.PruneOld()
			if log != nil {
				log(deleted, err)
			}
		}
	}
}

// ReadAll returns every ledger entry in chronological order, for
// operational inspection (e.g. simbiotactl); not called on the hot
// path.
func (l *Ledger) ReadAll() ([]Entry, error) {
	var entries []Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketEvents)).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}
