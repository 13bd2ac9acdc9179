package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ledger_core",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger_core",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ledger_core",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	ledgerOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger_core",
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Total number of ledger operations posted, by transaction kind.",
		},
		[]string{"kind", "replayed"},
	)

	ledgerIntegrityMismatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ledger_core",
			Subsystem: "ledger",
			Name:      "integrity_mismatches_total",
			Help:      "Accounts frozen because the materialized balance diverged from the transaction log.",
		},
	)

	escrowSettlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger_core",
			Subsystem: "escrow",
			Name:      "settlements_total",
			Help:      "Total number of escrow settlements, by outcome.",
		},
		[]string{"outcome"},
	)

	payoutAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger_core",
			Subsystem: "withdrawals",
			Name:      "payout_attempts_total",
			Help:      "Total number of payout-rail attempts, by result.",
		},
		[]string{"result"},
	)

	distributionRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger_core",
			Subsystem: "distribution",
			Name:      "finders_total",
			Help:      "Per-finder outcomes of monthly distribution runs.",
		},
		[]string{"outcome"},
	)

	distributionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ledger_core",
			Subsystem: "distribution",
			Name:      "run_duration_seconds",
			Help:      "Duration of monthly distribution runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		ledgerOperations,
		ledgerIntegrityMismatches,
		escrowSettlements,
		payoutAttempts,
		distributionRuns,
		distributionDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordLedgerOperation counts a posted operation by its leading entry kind.
func RecordLedgerOperation(kind string, replayed bool) {
	if kind == "" {
		kind = "unknown"
	}
	ledgerOperations.WithLabelValues(kind, strconv.FormatBool(replayed)).Inc()
}

// RecordIntegrityMismatch counts an account frozen by the integrity sweep.
func RecordIntegrityMismatch() {
	ledgerIntegrityMismatches.Inc()
}

// RecordEscrowSettlement counts a settlement outcome (released, refunded,
// completed, rejected).
func RecordEscrowSettlement(outcome string) {
	escrowSettlements.WithLabelValues(outcome).Inc()
}

// RecordPayoutAttempt counts a payout-rail attempt result (settled, retry,
// failed).
func RecordPayoutAttempt(result string) {
	payoutAttempts.WithLabelValues(result).Inc()
}

// RecordDistributionRun records the per-finder outcomes and duration of one
// monthly distribution run.
func RecordDistributionRun(distributed, alreadyDistributed, failed int, duration time.Duration) {
	distributionRuns.WithLabelValues("distributed").Add(float64(distributed))
	distributionRuns.WithLabelValues("already_distributed").Add(float64(alreadyDistributed))
	distributionRuns.WithLabelValues("failed").Add(float64(failed))
	if duration <= 0 {
		duration = time.Millisecond
	}
	distributionDuration.Observe(duration.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses entity ids so metric label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "proposals", "contracts", "finds":
		if len(parts) == 1 {
			return "/" + parts[0]
		}
		if len(parts) >= 3 {
			return "/" + parts[0] + "/:id/" + parts[2]
		}
		return "/" + parts[0] + "/:id"
	case "accounts":
		if len(parts) >= 2 {
			return "/accounts/:owner"
		}
		return "/accounts"
	case "admin":
		if len(parts) >= 4 && parts[1] == "withdrawals" {
			return "/admin/withdrawals/:id/" + parts[3]
		}
		if len(parts) >= 2 {
			return "/admin/" + parts[1]
		}
		return "/admin"
	case "finder":
		if len(parts) >= 2 {
			return "/finder/" + parts[1]
		}
		return "/finder"
	}
	return "/" + parts[0]
}
