package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"nhblend/native/lending"
)

// LendingMetrics tracks engine operations and the market state carried by
// lending events. It satisfies both lending.Observer and events.Emitter.
type LendingMetrics struct {
	operations   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	events       *prometheus.CounterVec
	liquidations *prometheus.CounterVec
	badDebt      prometheus.Counter
	utilization  *prometheus.GaugeVec
	borrowRate   *prometheus.GaugeVec
	supplyRate   *prometheus.GaugeVec
	borrowed     *prometheus.GaugeVec
	supplied     *prometheus.GaugeVec
}

// NewLendingMetrics builds the collectors and registers them with reg. A nil
// registerer leaves them unregistered, which tests use to read values directly.
func NewLendingMetrics(reg prometheus.Registerer) (*LendingMetrics, error) {
	m := &LendingMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nhb",
			Subsystem: "lending",
			Name:      "operations_total",
			Help:      "Engine operations segmented by operation and error kind.",
		}, []string{"op", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nhb",
			Subsystem: "lending",
			Name:      "operation_duration_seconds",
			Help:      "Latency distribution for engine operations.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"op"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nhb",
			Subsystem: "lending",
			Name:      "events_total",
			Help:      "Lending events emitted after commit, by type.",
		}, []string{"type"}),
		liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nhb",
			Subsystem: "lending",
			Name:      "liquidations_total",
			Help:      "Liquidations started, by mode.",
		}, []string{"mode"}),
		badDebt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nhb",
			Subsystem: "lending",
			Name:      "emergency_settlements_total",
			Help:      "Auctions that closed without bids and wrote off debt.",
		}),
		utilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nhb",
			Subsystem: "lending",
			Name:      "utilization_ratio",
			Help:      "Borrowed over supplied for each market.",
		}, []string{"asset"}),
		borrowRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nhb",
			Subsystem: "lending",
			Name:      "borrow_rate_ratio",
			Help:      "Annual borrow rate for each market.",
		}, []string{"asset"}),
		supplyRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nhb",
			Subsystem: "lending",
			Name:      "supply_rate_ratio",
			Help:      "Annual supply rate for each market.",
		}, []string{"asset"}),
		borrowed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nhb",
			Subsystem: "lending",
			Name:      "total_borrowed",
			Help:      "Outstanding principal per market in base units.",
		}, []string{"asset"}),
		supplied: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nhb",
			Subsystem: "lending",
			Name:      "total_supplied",
			Help:      "Supplied liquidity per market in base units.",
		}, []string{"asset"}),
	}
	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, fmt.Errorf("register lending metrics: %w", err)
			}
		}
	}
	return m, nil
}

func (m *LendingMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.operations, m.latency, m.events, m.liquidations, m.badDebt,
		m.utilization, m.borrowRate, m.supplyRate, m.borrowed, m.supplied,
	}
}

// ObserveOperation records the outcome and latency of one engine call.
func (m *LendingMetrics) ObserveOperation(op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	op = strings.TrimSpace(op)
	if op == "" {
		op = "unknown"
	}
	m.operations.WithLabelValues(op, lending.KindOf(err)).Inc()
	m.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}

func bpsRatio(bps uint64) float64 {
	return float64(bps) / float64(lending.BasisPoints)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(value).Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}
