package cron

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "safewalk_service",
		Subsystem: "sweep",
		Name:      "sessions_processed_total",
		Help:      "Number of overdue sessions claimed by the deadline sweep.",
	})

	alertsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "safewalk_service",
		Subsystem: "sweep",
		Name:      "alerts_sent_total",
		Help:      "Number of sessions for which an alert SMS was delivered.",
	})

	alertsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "safewalk_service",
		Subsystem: "sweep",
		Name:      "alerts_failed_total",
		Help:      "Number of sessions whose alert delivery failed.",
	})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "safewalk_service",
		Subsystem: "sweep",
		Name:      "pass_duration_seconds",
		Help:      "Time spent claiming and alerting one sweep pass.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	lastSweepGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "safewalk_service",
		Subsystem: "sweep",
		Name:      "last_heartbeat_timestamp_seconds",
		Help:      "Unix timestamp of the most recent recorded sweep heartbeat.",
	})
)

func init() {
	prometheus.MustRegister(sessionsProcessed, alertsSent, alertsFailed, sweepDuration, lastSweepGauge)
}
