// metrics.go
package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Pipeline counters. There is no metrics listener (out of scope); the
// periodic status report reads these back through the default gatherer and
// emits them as a JSON line into the audit log.
var (
	linesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auditview_lines_total",
			Help: "Total number of input lines read",
		},
	)

	linesTruncatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auditview_lines_truncated_total",
			Help: "Input lines exceeding the frame limit",
		},
	)

	recordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditview_records_total",
			Help: "Total number of records parsed by record type",
		},
		[]string{"record_type"},
	)

	parseErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auditview_parse_errors_total",
			Help: "Records downgraded to opaque by tokenizer or parser errors",
		},
	)

	eventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auditview_events_total",
			Help: "Events sealed by the coalescer",
		},
	)

	lateEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auditview_late_events_total",
			Help: "Events emitted after an event with a higher id",
		},
	)

	truncatedEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auditview_truncated_events_total",
			Help: "Events sealed early by the per-event record or byte cap",
		},
	)

	duplicateRecordsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auditview_duplicate_records_total",
			Help: "Bit-identical records suppressed during coalescing",
		},
	)

	strayRecordsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auditview_stray_records_total",
			Help: "Records arriving for already-emitted events",
		},
	)

	filteredEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditview_filtered_events_total",
			Help: "Events filtered out, by rule class",
		},
		[]string{"rule"},
	)

	trackerInconsistenciesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auditview_tracker_inconsistencies_total",
			Help: "Placeholder process entries created for unknown parents",
		},
	)

	userDBRefreshesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auditview_userdb_refreshes_total",
			Help: "User database cache invalidations",
		},
	)

	sinkRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auditview_sink_retries_total",
			Help: "Sink write attempts that needed a retry",
		},
	)
)

// gatherCounters flattens the registered counters into name -> value for
// the status report. Labelled counters are summed per family.
func gatherCounters() map[string]float64 {
	out := make(map[string]float64)
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return out
	}
	for _, mf := range families {
		if mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		sum := 0.0
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
		out[mf.GetName()] = sum
	}
	return out
}
