// Package observability — metrics.go
//
// Prometheus metrics for the SIMBIOTA agent.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: simbiota_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process. Not named by spec.md's component list;
// carried as ambient observability per SPEC_FULL.md's ambient stack.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the agent.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Kernel event source (C1) ──────────────────────────────────────────

	// EventsTotal counts fanotify records read, by whether they carried a
	// permission-bearing mask.
	EventsTotal *prometheus.CounterVec

	// SelfExemptionsTotal counts events answered by the self-exemption
	// fast path without reaching the decision worker.
	SelfExemptionsTotal prometheus.Counter

	// VerdictsTotal counts verdicts written, by outcome (allow, deny).
	VerdictsTotal *prometheus.CounterVec

	// ─── Decision worker (C2) ───────────────────────────────────────────────

	// DecisionDuration records end-to-end decision latency in seconds.
	DecisionDuration prometheus.Histogram

	// ─── Detection cache (C3) ───────────────────────────────────────────────

	// CacheResultsTotal counts cache lookups, by outcome (hit, miss).
	CacheResultsTotal *prometheus.CounterVec

	// ─── Hash-based detector (C4) ───────────────────────────────────────────

	// DetectionComparisons counts hash-to-signature comparisons performed.
	DetectionComparisons prometheus.Counter

	// DetectionDuration records time spent comparing a hash against the
	// signature snapshot, in seconds.
	DetectionDuration prometheus.Histogram

	// ─── Signature database (C5) ────────────────────────────────────────────

	// DatabaseReloadsTotal is registered with an outcome label (success,
	// failure), but no component increments it, so it stays at zero.
	DatabaseReloadsTotal *prometheus.CounterVec

	// ─── Quarantine store (C6) ──────────────────────────────────────────────

	// QuarantineActionsTotal counts quarantine operations, by kind (add,
	// restore, delete) and outcome (success, failure).
	QuarantineActionsTotal *prometheus.CounterVec

	// ─── Control front-end (C7) ─────────────────────────────────────────────

	// ControlCommandsTotal counts control-socket commands served, by
	// command name.
	ControlCommandsTotal *prometheus.CounterVec

	// ─── Audit ledger ───────────────────────────────────────────────────────

	// LedgerWriteLatency records BoltDB audit-ledger write latency.
	LedgerWriteLatency prometheus.Histogram

	// AgentUptimeSeconds is the number of seconds since agent start.
	AgentUptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all agent Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simbiota",
			Subsystem: "events",
			Name:      "total",
			Help:      "Total fanotify event records read, by permission_bearing.",
		}, []string{"permission_bearing"}),

		SelfExemptionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "simbiota",
			Subsystem: "events",
			Name:      "self_exemptions_total",
			Help:      "Total events answered by the self-exemption fast path.",
		}),

		VerdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simbiota",
			Subsystem: "decision",
			Name:      "verdicts_total",
			Help:      "Total verdicts written, by outcome.",
		}, []string{"outcome"}),

		DecisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "simbiota",
			Subsystem: "decision",
			Name:      "duration_seconds",
			Help:      "End-to-end decision latency in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),

		CacheResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simbiota",
			Subsystem: "cache",
			Name:      "results_total",
			Help:      "Total detection cache lookups, by outcome.",
		}, []string{"outcome"}),

		DetectionComparisons: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "simbiota",
			Subsystem: "detector",
			Name:      "comparisons_total",
			Help:      "Total hash-to-signature comparisons performed.",
		}),

		DetectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "simbiota",
			Subsystem: "detector",
			Name:      "duration_seconds",
			Help:      "Time spent comparing a hash against the signature snapshot.",
			Buckets:   prometheus.DefBuckets,
		}),

		DatabaseReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simbiota",
			Subsystem: "database",
			Name:      "reloads_total",
			Help:      "Total signature database reload attempts, by outcome.",
		}, []string{"outcome"}),

		QuarantineActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simbiota",
			Subsystem: "quarantine",
			Name:      "actions_total",
			Help:      "Total quarantine operations, by kind and outcome.",
		}, []string{"kind", "outcome"}),

		ControlCommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simbiota",
			Subsystem: "control",
			Name:      "commands_total",
			Help:      "Total control-socket commands served, by command.",
		}, []string{"command"}),

		LedgerWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "simbiota",
			Subsystem: "ledger",
			Name:      "write_latency_seconds",
			Help:      "BoltDB audit ledger write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		AgentUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "simbiota",
			Subsystem: "agent",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the agent started.",
		}),
	}

	reg.MustRegister(
		m.EventsTotal,
		m.SelfExemptionsTotal,
		m.VerdictsTotal,
		m.DecisionDuration,
		m.CacheResultsTotal,
		m.DetectionComparisons,
		m.DetectionDuration,
		m.DatabaseReloadsTotal,
		m.QuarantineActionsTotal,
		m.ControlCommandsTotal,
		m.LedgerWriteLatency,
		m.AgentUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.AgentUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
