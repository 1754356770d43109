package metrics

import (
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	mutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "app_registry",
			Name:      "mutations_total",
			Help:      "Total number of registry mutations by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	mutationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "app_registry",
			Name:      "mutation_duration_seconds",
			Help:      "Duration of registry mutations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"op"},
	)

	records = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "app_registry",
			Name:      "records",
			Help:      "Number of records held by each registry.",
		},
		[]string{"registry"},
	)

	snapshots = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "app_registry",
			Subsystem: "snapshot",
			Name:      "writes_total",
			Help:      "Total number of registry snapshots written.",
		},
		[]string{"success"},
	)
)

func init() {
	Registry.MustRegister(
		mutations,
		mutationDuration,
		records,
		snapshots,
		prometheus.NewGoCollector(),
	)
}

// RecordMutation tracks a registry mutation with its outcome and latency.
func RecordMutation(op, outcome string, duration time.Duration) {
	mutations.WithLabelValues(op, outcome).Inc()
	mutationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// SetRecordCount publishes the current size of a registry.
func SetRecordCount(registry string, count int) {
	records.WithLabelValues(registry).Set(float64(count))
}

// IncRecordCount bumps the registry size after a successful insert.
func IncRecordCount(registry string) {
	records.WithLabelValues(registry).Inc()
}

// RecordSnapshot tracks a snapshot attempt.
func RecordSnapshot(success bool) {
	label := "false"
	if success {
		label = "true"
	}
	snapshots.WithLabelValues(label).Inc()
}

// WriteText renders every registered metric family in the Prometheus text format.
func WriteText(w io.Writer) error {
	families, err := Registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
