// Package metrics implements the dispatcher's observability surface: the
// Prometheus counters/gauges served at /metrics and the human-readable
// shutdown report.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the dispatcher's counters and gauges.
type Metrics struct {
	itemsIssued          prometheus.Counter
	itemsCompleted       prometheus.Counter
	expiredReissues      prometheus.Counter
	duplicateCompletions prometheus.Counter
	rejectedSubmissions  prometheus.Counter
	checkpointsWritten   prometheus.Counter
	issuedGauge          prometheus.Gauge
	pendingWriteGauge    prometheus.Gauge

	startTime time.Time
}

// New creates and registers all dispatcher metrics with registry. Pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// *prometheus.Registry for test isolation.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		itemsIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatchd",
			Name:      "items_issued_total",
			Help:      "Total work items issued to workers, including reissues.",
		}),
		itemsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatchd",
			Name:      "items_completed_total",
			Help:      "Total completions accepted and flushed to the output file.",
		}),
		expiredReissues: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatchd",
			Name:      "expired_reissues_total",
			Help:      "Total work items reissued after their deadline expired.",
		}),
		duplicateCompletions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatchd",
			Name:      "duplicate_completions_total",
			Help:      "Completions discarded because the work_id was already flushed or unknown.",
		}),
		rejectedSubmissions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatchd",
			Name:      "rejected_submissions_total",
			Help:      "Submissions rejected at the protocol layer (e.g. embedded newline).",
		}),
		checkpointsWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatchd",
			Name:      "checkpoints_written_total",
			Help:      "Total checkpoint writes.",
		}),
		issuedGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatchd",
			Name:      "issued_in_flight",
			Help:      "Work items currently issued and not yet completed.",
		}),
		pendingWriteGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatchd",
			Name:      "pending_write",
			Help:      "Completed results buffered but not yet flushed (out of order).",
		}),
		startTime: time.Now(),
	}
}

func (m *Metrics) RecordIssued(n int)         { m.itemsIssued.Add(float64(n)) }
func (m *Metrics) RecordCompleted(n int)      { m.itemsCompleted.Add(float64(n)) }
func (m *Metrics) RecordExpiredReissue()      { m.expiredReissues.Inc() }
func (m *Metrics) RecordDuplicateCompletion() { m.duplicateCompletions.Inc() }
func (m *Metrics) RecordRejectedSubmission()  { m.rejectedSubmissions.Inc() }
func (m *Metrics) RecordCheckpointWritten()   { m.checkpointsWritten.Inc() }
func (m *Metrics) SetIssuedInFlight(n int)    { m.issuedGauge.Set(float64(n)) }
func (m *Metrics) SetPendingWrite(n int)      { m.pendingWriteGauge.Set(float64(n)) }

// Report is the final summary printed on shutdown.
type Report struct {
	StartTime           time.Time     `json:"startTime"`
	EndTime             time.Time     `json:"endTime"`
	Duration            time.Duration `json:"duration"`
	LastProcessedWorkID int64         `json:"lastProcessedWorkId"`
}

// GenerateReport builds a final Report for the given terminal work_id.
func (m *Metrics) GenerateReport(lastProcessedWorkID int64) Report {
	end := time.Now()
	return Report{
		StartTime:           m.startTime,
		EndTime:             end,
		Duration:            end.Sub(m.startTime),
		LastProcessedWorkID: lastProcessedWorkID,
	}
}

// String renders a human-readable summary for console output.
func (r Report) String() string {
	return fmt.Sprintf(
		"Dispatch completed in %s\nLast processed work_id: %d",
		r.Duration, r.LastProcessedWorkID,
	)
}
