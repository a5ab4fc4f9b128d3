package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OracleMetrics tracks the price aggregation loop.
type OracleMetrics struct {
	updates   *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	feeders   *prometheus.GaugeVec
	freshness *prometheus.GaugeVec
}

var (
	oracleOnce     sync.Once
	oracleRegistry *OracleMetrics
)

// Oracle returns the process-wide oracle metrics, registering them with the
// default registerer on first use.
func Oracle() *OracleMetrics {
	oracleOnce.Do(func() {
		oracleRegistry = newOracleMetrics()
		prometheus.MustRegister(
			oracleRegistry.updates,
			oracleRegistry.rejected,
			oracleRegistry.feeders,
			oracleRegistry.freshness,
		)
	})
	return oracleRegistry
}

func newOracleMetrics() *OracleMetrics {
	return &OracleMetrics{
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_updates_total",
			Help: "Aggregated price updates published per asset.",
		}, []string{"asset"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_quotes_rejected_total",
			Help: "Source quotes dropped by reason.",
		}, []string{"asset", "reason"}),
		feeders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "oracle_feeders",
			Help: "Sources contributing to the last median per asset.",
		}, []string{"asset"}),
		freshness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "oracle_last_update_timestamp_seconds",
			Help: "Unix time of the last published update per asset.",
		}, []string{"asset"}),
	}
}

// RecordUpdate marks a published median.
func (m *OracleMetrics) RecordUpdate(asset string, feeders int, at time.Time) {
	if m == nil {
		return
	}
	asset = label(asset)
	m.updates.WithLabelValues(asset).Inc()
	m.feeders.WithLabelValues(asset).Set(float64(feeders))
	m.freshness.WithLabelValues(asset).Set(float64(at.Unix()))
}

// RecordRejected counts a dropped quote.
func (m *OracleMetrics) RecordRejected(asset, reason string) {
	if m == nil {
		return
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown"
	}
	m.rejected.WithLabelValues(label(asset), reason).Inc()
}

func label(asset string) string {
	normalized := strings.ToUpper(strings.TrimSpace(asset))
	if normalized == "" {
		return "UNKNOWN"
	}
	return normalized
}
