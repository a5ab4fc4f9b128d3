package observability

import (
	"strings"

	"nhblend/core/events"
	"nhblend/native/lending"
)

// Emit counts ev by type and folds market-level fields into the gauges.
func (m *LendingMetrics) Emit(ev events.Event) {
	if m == nil || ev == nil {
		return
	}
	eventType := strings.TrimSpace(ev.EventType())
	if eventType == "" {
		eventType = "unknown"
	}
	m.events.WithLabelValues(eventType).Inc()

	switch e := ev.(type) {
	case events.MarketRates:
		asset := lending.NormalizeAsset(e.Asset)
		if asset == "" {
			return
		}
		m.utilization.WithLabelValues(asset).Set(bpsRatio(e.UtilizationBps))
		m.borrowRate.WithLabelValues(asset).Set(bpsRatio(e.BorrowRateBps))
		m.supplyRate.WithLabelValues(asset).Set(bpsRatio(e.SupplyRateBps))
		m.borrowed.WithLabelValues(asset).Set(bigToFloat(e.TotalBorrowed))
		m.supplied.WithLabelValues(asset).Set(bigToFloat(e.TotalSupplied))
	case events.LiquidationExecuted:
		m.liquidations.WithLabelValues("direct").Inc()
	case events.AuctionOpened:
		m.liquidations.WithLabelValues("auction").Inc()
	case events.AuctionSettled:
		if e.Emergency {
			m.badDebt.Inc()
		}
	}
}
