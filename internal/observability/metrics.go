package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	sessionPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "safewalk_service",
		Subsystem: "persistence",
		Name:      "last_session_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent session persisted to Postgres.",
	})
	alertSentGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "safewalk_service",
		Subsystem: "persistence",
		Name:      "last_alert_sent_timestamp_seconds",
		Help:      "Unix timestamp of the most recent alert transition recorded.",
	})
)

func init() {
	prometheus.MustRegister(sessionPersistGauge, alertSentGauge)
}

// RecordSessionPersisted updates the persistence watermark gauge.
func RecordSessionPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	sessionPersistGauge.Set(float64(ts.Unix()))
}

// RecordAlertSent updates the alert watermark gauge.
func RecordAlertSent(ts time.Time) {
	if ts.IsZero() {
		return
	}
	alertSentGauge.Set(float64(ts.Unix()))
}
