// Package detector implements the hash-based detector (C4): two-layer
// polymorphism — an outer detector parametric over a hash algorithm,
// and an inner strategy that compares the computed hash against a
// signature database.
package detector

import (
	"errors"
	"io"
	"math/bits"
)

// Result is the outcome of a detection check.
type Result int

const (
	NoMatch Result = iota
	Match
)

// ComparableHash is a hash that can diff itself against another of the
// same kind and carries a small routing tag ("color").
type ComparableHash interface {
	// Diff returns a non-negative, symmetric distance; 0 means identical.
	Diff(other ComparableHash) int
	DigestHex() string
	Color() uint8
}

// RawDigest is implemented by ComparableHash values backed by a flat
// byte digest (both the live simple_tlsh algorithm and the on-disk
// signature format). It is exported so a hash computed in this package
// and a signature loaded by internal/database can be compared via
// DigestDiff even though they are distinct concrete types in distinct
// packages — an unexported method name would not satisfy an interface
// assertion across that package boundary.
type RawDigest interface {
	RawDigest() []byte
}

// DigestDiff returns the Hamming distance between two ComparableHash
// values that both implement RawDigest, or a sentinel large distance
// if either does not, or their digests differ in length.
func DigestDiff(a, b ComparableHash) int {
	ra, aok := a.(RawDigest)
	rb, bok := b.(RawDigest)
	if !aok || !bok {
		return 1 << 30
	}
	ad, bd := ra.RawDigest(), rb.RawDigest()
	if len(ad) != len(bd) {
		return 1 << 30
	}
	dist := 0
	for i := range ad {
		dist += bits.OnesCount8(ad[i] ^ bd[i])
	}
	return dist
}

// HashAlg is a streaming hash algorithm that finalises into a
// ComparableHash.
type HashAlg interface {
	Update(chunk []byte)
	// Finalize completes the computation. ok is false when the input was
	// insufficient for the algorithm to produce a hash (e.g. zero-length
	// file); callers must treat that as an error, not a NoMatch verdict.
	Finalize() (hash ComparableHash, ok bool)
}

// NewHashAlg constructs a fresh, empty instance of a registered hash
// algorithm.
type NewHashAlg func() HashAlg

// ErrHashFailed is returned when finalisation could not produce a hash.
var ErrHashFailed = errors.New("detector: hash calculation failed")

// readChunkSize is the size of the fixed chunks a reader's content is
// fed to the hash algorithm in.
const readChunkSize = 1024

// HashBasedDetector is the inner strategy interface: given a computed
// hash, decide Match/NoMatch.
type HashBasedDetector interface {
	DoDetect(h ComparableHash) (Result, error)
}

// Detector is the outer, algorithm-parametric detector. It computes a
// hash, then delegates the match decision to an inner HashBasedDetector.
type Detector struct {
	newAlg NewHashAlg
	inner  HashBasedDetector
}

// New wraps a registered hash algorithm constructor and an inner
// detection strategy into an outer Detector.
func New(newAlg NewHashAlg, inner HashBasedDetector) *Detector {
	return &Detector{newAlg: newAlg, inner: inner}
}

// CheckReader computes the hash of r's full content and returns the
// inner strategy's verdict. A zero-length reader that cannot produce a
// hash returns ErrHashFailed; callers must treat that as Allow, not Deny.
func (d *Detector) CheckReader(r io.Reader) (Result, error) {
	alg := d.newAlg()
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			alg.Update(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return NoMatch, err
		}
	}
	hash, ok := alg.Finalize()
	if !ok {
		return NoMatch, ErrHashFailed
	}
	return d.inner.DoDetect(hash)
}

// CheckBytes computes the hash of an in-memory byte slice, used by
// tests and the weighted detector.
func (d *Detector) CheckBytes(data []byte) (Result, error) {
	alg := d.newAlg()
	for len(data) > 0 {
		n := readChunkSize
		if n > len(data) {
			n = len(data)
		}
		alg.Update(data[:n])
		data = data[n:]
	}
	hash, ok := alg.Finalize()
	if !ok {
		return NoMatch, ErrHashFailed
	}
	return d.inner.DoDetect(hash)
}
