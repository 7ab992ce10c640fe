package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalCaptures atomic.Int64

var (
	MatchPairsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "match_pairs_total",
		Help: "The total number of matched subgraph pairs produced",
	})

	SubgraphsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subgraphs_skipped_total",
		Help: "Subgraph candidates skipped during matching or sweep construction",
	}, []string{"reason"})

	ProbeCaptures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probe_captures_total",
		Help: "The total number of values captured by probes",
	}, []string{"model", "results_type"})

	ProbesInserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "probes_inserted_total",
		Help: "The total number of probe nodes spliced into graphs",
	})

	SweepBranches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweep_branches_total",
		Help: "Candidate branches materialized by the sweep builder",
	}, []string{"kind"})

	ConstructionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "construction_errors_total",
		Help: "Fatal construction errors by operation",
	}, []string{"operation", "error_type"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numerical_instability_total",
		Help: "Total number of NaN/Inf values seen in captured tensors",
	}, []string{"tensor", "type"})

	CapturedTensorElems = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "captured_tensor_elements",
		Help:    "Distribution of captured tensor sizes in elements",
		Buckets: []float64{16, 64, 256, 1024, 4096, 16384, 65536, 262144},
	})

	ComparisonValues = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "comparison_metric_value",
		Help:    "Distribution of per-pair divergence metric values",
		Buckets: []float64{-20, -10, 0, 10, 20, 30, 40, 60, 80, 100},
	})

	PassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "graph_pass_duration_seconds",
		Help:    "Histogram of graph pass execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"pass"})
)

// RecordMatchPairs records the outcome of one matcher run.
func RecordMatchPairs(pairs int) {
	MatchPairsTotal.Add(float64(pairs))
}

// RecordSubgraphSkipped records a skipped candidate with its reason.
func RecordSubgraphSkipped(reason string) {
	SubgraphsSkipped.WithLabelValues(reason).Inc()
}

// RecordProbeCapture records one captured value.
func RecordProbeCapture(model, resultsType string, elems int) {
	ProbeCaptures.WithLabelValues(model, resultsType).Inc()
	CapturedTensorElems.Observe(float64(elems))
	totalCaptures.Add(1)
}

// RecordProbeInserted records one probe splice.
func RecordProbeInserted() {
	ProbesInserted.Inc()
}

// RecordSweepBranch records one materialized sweep branch.
// kind is "float" or "quantized".
func RecordSweepBranch(kind string) {
	SweepBranches.WithLabelValues(kind).Inc()
}

// RecordConstructionError records a fatal construction error.
func RecordConstructionError(operation, errorType string) {
	ConstructionErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordNumericalInstability records NaN/Inf counts for a captured tensor.
func RecordNumericalInstability(tensorName string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(tensorName, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(tensorName, "inf").Add(float64(infCount))
	}
}

// RecordComparisonValue records one divergence metric result.
func RecordComparisonValue(v float64) {
	ComparisonValues.Observe(v)
}

// RecordPassDuration records the wall time of one graph pass.
func RecordPassDuration(pass string, d time.Duration) {
	PassDuration.WithLabelValues(pass).Observe(d.Seconds())
}

// TotalCaptures returns the process-wide capture count.
func TotalCaptures() int64 {
	return totalCaptures.Load()
}
