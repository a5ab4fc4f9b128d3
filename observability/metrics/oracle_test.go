package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestOracleMetricsRecord(t *testing.T) {
	m := newOracleMetrics()
	at := time.Unix(1_700_000_000, 0)
	m.RecordUpdate("eth", 2, at)
	m.RecordUpdate("ETH", 3, at.Add(time.Minute))
	m.RecordRejected(" eth ", "stale")
	m.RecordRejected("", "")

	require.Equal(t, 2.0, testutil.ToFloat64(m.updates.WithLabelValues("ETH")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.feeders.WithLabelValues("ETH")))
	require.Equal(t, float64(at.Add(time.Minute).Unix()), testutil.ToFloat64(m.freshness.WithLabelValues("ETH")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.rejected.WithLabelValues("ETH", "stale")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.rejected.WithLabelValues("UNKNOWN", "unknown")))

	var nilMetrics *OracleMetrics
	nilMetrics.RecordUpdate("ETH", 1, at)
}
