// Package metrics holds the prometheus collectors of the commit path.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Commit outcomes used as the "result" label.
const (
	ResultSucceeded = "succeeded"
	ResultConflict  = "conflict"
	ResultExhausted = "max_attempts"
	ResultRejected  = "rejected"
	ResultFailed    = "failed"
	ResultCancelled = "cancelled"
)

// Commit groups the collectors updated by the commit coordinator. A nil
// *Commit is valid and records nothing.
type Commit struct {
	commits   *prometheus.CounterVec
	attempts  *prometheus.CounterVec
	conflicts *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	head      *prometheus.GaugeVec
}

// NewCommit builds the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewCommit(reg prometheus.Registerer) *Commit {
	m := &Commit{
		commits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "delta",
				Subsystem: "commit",
				Name:      "total",
				Help:      "Counter of finished commits by result.",
			}, []string{"table", "result"}),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "delta",
				Subsystem: "commit",
				Name:      "attempts_total",
				Help:      "Counter of conditional writes issued for commits.",
			}, []string{"table"}),
		conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "delta",
				Subsystem: "commit",
				Name:      "version_conflicts_total",
				Help:      "Counter of attempts that lost the race for their version.",
			}, []string{"table"}),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "delta",
				Subsystem: "commit",
				Name:      "duration_seconds",
				Help:      "Bucketed histogram of commit latency (s) including retries.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
			}, []string{"table"}),
		head: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "delta",
				Subsystem: "table",
				Name:      "version",
				Help:      "Latest committed version observed per table.",
			}, []string{"table"}),
	}
	if reg != nil {
		reg.MustRegister(m.commits, m.attempts, m.conflicts, m.latency, m.head)
	}
	return m
}

// ObserveAttempt counts one conditional write.
func (m *Commit) ObserveAttempt(table string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(table).Inc()
}

// ObserveConflict counts one lost version race.
func (m *Commit) ObserveConflict(table string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(table).Inc()
}

// ObserveCommit records the outcome and latency of a finished commit.
func (m *Commit) ObserveCommit(table, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(table, result).Inc()
	m.latency.WithLabelValues(table).Observe(took.Seconds())
}

// SetVersion publishes the latest version seen for table.
func (m *Commit) SetVersion(table string, version int64) {
	if m == nil {
		return
	}
	m.head.WithLabelValues(table).Set(float64(version))
}
