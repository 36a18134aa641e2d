package detector

import (
	"bytes"
	"io"
)

// weightedMember pairs a Checker with its vote weight.
type weightedMember struct {
	checker Checker
	weight  int
}

// Weighted composes several Checkers and votes on the result. Selected
// by config key detector.class: "weighted", with member classes and
// weights supplied via detector.members[] (see Build); operators who
// want an ensemble verdict across more than one detector class compose
// them this way rather than relying on a single algorithm alone.
type Weighted struct {
	members []weightedMember
}

// NewWeighted constructs an empty ensemble.
func NewWeighted() *Weighted {
	return &Weighted{}
}

// Add registers a Checker with the given vote weight.
func (w *Weighted) Add(c Checker, weight int) {
	w.members = append(w.members, weightedMember{checker: c, weight: weight})
}

// CheckReader runs every member against the same content (buffered once,
// since io.Reader is single-pass) and returns Match if the matched
// weight is >= the unmatched weight, ties favouring Match as a safety
// measure (mirrors the Rust original's ">=").
func (w *Weighted) CheckReader(r io.Reader) (Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return NoMatch, err
	}

	var matchSum, noMatchSum int
	for _, m := range w.members {
		res, err := m.checker.CheckReader(bytes.NewReader(data))
		if err != nil {
			return NoMatch, err
		}
		if res == Match {
			matchSum += m.weight
		} else {
			noMatchSum += m.weight
		}
	}

	if matchSum >= noMatchSum {
		return Match, nil
	}
	return NoMatch, nil
}
