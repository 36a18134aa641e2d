package detector

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/simbiota/agent/internal/observability"
)

// Checker is the minimal interface the decision worker (C2) needs from
// any detector: check the content behind a reader and return a verdict.
type Checker interface {
	CheckReader(r io.Reader) (Result, error)
}

// Provider constructs a Checker from a detector class's registered name.
type Provider func(db HashDatabase, threshold int, log *zap.Logger, metrics *observability.Metrics) Checker

var (
	providersMu sync.RWMutex
	providers   = map[string]Provider{
		"simple_tlsh": func(db HashDatabase, threshold int, log *zap.Logger, metrics *observability.Metrics) Checker {
			inner := NewCompareAgainstAll(db, threshold, log, metrics)
			return New(NewSimpleTLSH, inner)
		},
	}
)

// RegisterProvider registers a detector class under name. Built-in
// providers are registered above; callers may register additional
// providers (e.g. in tests) before constructing the decision worker.
func RegisterProvider(name string, p Provider) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers[name] = p
}

// WeightedMember configures one member of a "weighted" composition
// class (config key detector.members[]): which registered class to
// build and the vote weight and threshold to build it with.
type WeightedMember struct {
	Class     string
	Weight    int
	Threshold int
}

// Build looks up a registered provider by class name (the built-in
// "simple_tlsh" class is always registered) and constructs a Checker.
//
// class "weighted" is a composition meta-class handled here rather than
// through the Provider registry: a Provider's signature has no room for
// a member list, only a single (db, threshold) pair. It builds one
// Checker per entry in members (recursing through Build, so members may
// be any other registered class) and combines them with Weighted voting.
func Build(class string, db HashDatabase, threshold int, log *zap.Logger, metrics *observability.Metrics, members []WeightedMember) (Checker, error) {
	if class == "weighted" {
		if len(members) < 2 {
			return nil, fmt.Errorf("detector: weighted class requires at least 2 members, got %d", len(members))
		}
		w := NewWeighted()
		for _, m := range members {
			sub, err := Build(m.Class, db, m.Threshold, log, metrics, nil)
			if err != nil {
				return nil, fmt.Errorf("detector: weighted member %q: %w", m.Class, err)
			}
			w.Add(sub, m.Weight)
		}
		return w, nil
	}

	providersMu.RLock()
	p, ok := providers[class]
	providersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("detector: unknown class %q", class)
	}
	return p(db, threshold, log, metrics), nil
}
