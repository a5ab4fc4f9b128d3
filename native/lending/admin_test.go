package lending

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"nhblend/core/state"
	nativecommon "nhblend/native/common"
)

func (h *harness) restart(mutate func(*Params)) *Engine {
	h.t.Helper()
	params := testParams()
	if mutate != nil {
		mutate(&params)
	}
	engine, err := NewEngine(h.state, h.ledger, h.oracle, params, WithClock(h.clock.Now))
	if err != nil {
		h.t.Fatalf("restart engine: %v", err)
	}
	return engine
}

func TestAdminConfigSurvivesRestart(t *testing.T) {
	h := newHarness(t, func(p *Params) { p.Whitelist = []string{bob.Hex()} })
	h.oracle.setPrice("DAI", 1, 1)

	dai := h.engine.MarketConfigs()[0]
	dai.Asset = "DAI"
	dai.OriginationFeeBps = 25
	if err := h.engine.SetMarketConfig(h.ctx, adminAuth(), dai); err != nil {
		t.Fatalf("add market: %v", err)
	}
	eth := h.engine.CollateralConfigs()[0]
	eth.MaxLtvBps = 4000
	if err := h.engine.SetCollateralConfig(h.ctx, adminAuth(), eth); err != nil {
		t.Fatalf("set collateral: %v", err)
	}
	h.credit("DAI", carol, 500)
	if _, err := h.engine.SupplyLiquidity(h.ctx, NewPrincipal(carol, RoleSupplier), "DAI", big.NewInt(500)); err != nil {
		t.Fatalf("supply dai: %v", err)
	}
	if err := h.engine.SetPauses(h.ctx, adminAuth(), ActionPauses{Borrow: true}); err != nil {
		t.Fatalf("set pauses: %v", err)
	}
	if err := h.engine.SetWhitelist(h.ctx, adminAuth(), bob, false); err != nil {
		t.Fatalf("drop bob: %v", err)
	}
	if err := h.engine.SetWhitelist(h.ctx, adminAuth(), alice, true); err != nil {
		t.Fatalf("add alice: %v", err)
	}

	restarted := h.restart(func(p *Params) { p.Whitelist = []string{bob.Hex()} })

	if got := restarted.Pauses(); got != (ActionPauses{Borrow: true}) {
		t.Fatalf("pauses after restart: %+v", got)
	}
	configs := restarted.MarketConfigs()
	if len(configs) != 2 || configs[0].Asset != "DAI" || configs[0].OriginationFeeBps != 25 {
		t.Fatalf("markets after restart: %+v", configs)
	}
	if got := restarted.CollateralConfigs()[0].MaxLtvBps; got != 4000 {
		t.Fatalf("collateral ltv after restart: %d", got)
	}
	if !restarted.whitelisted(alice) || restarted.whitelisted(bob) {
		t.Fatalf("whitelist after restart: alice=%v bob=%v", restarted.whitelisted(alice), restarted.whitelisted(bob))
	}
	if _, err := restarted.WithdrawLiquidity(h.ctx, NewPrincipal(carol), "DAI", big.NewInt(500)); err != nil {
		t.Fatalf("withdraw dai after restart: %v", err)
	}
	requireAmount(t, "carol dai", h.balance("DAI", carol), 500)

	h.depositCollateral(alice, 2000)
	_, err := restarted.CreatePosition(h.ctx, borrowerAuth(alice), "USDC", "ETH", big.NewInt(100), big.NewInt(2000))
	if !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("borrow pause lost on restart: %v", err)
	}
}

var errBatchWrite = errors.New("batch write failed")

// rollbackStore runs every unit to completion and then discards it, the way
// a failed batch write would.
type rollbackStore struct {
	Store
}

func (s rollbackStore) Update(fn func(state.KV) error) error {
	return s.Store.Update(func(kv state.KV) error {
		if err := fn(kv); err != nil {
			return err
		}
		return errBatchWrite
	})
}

func TestAdminConfigUnchangedWhenCommitFails(t *testing.T) {
	h := newHarness(t, nil)
	engine, err := NewEngine(rollbackStore{Store: h.state}, h.ledger, h.oracle, testParams(), WithClock(h.clock.Now))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	cfg := engine.MarketConfigs()[0]
	cfg.OriginationFeeBps = 75
	if err := engine.SetMarketConfig(h.ctx, adminAuth(), cfg); !errors.Is(err, errBatchWrite) {
		t.Fatalf("expected batch failure, got %v", err)
	}
	if got := engine.MarketConfigs()[0].OriginationFeeBps; got != 0 {
		t.Fatalf("market config applied despite failed commit: %d", got)
	}
	if err := engine.SetPauses(h.ctx, adminAuth(), ActionPauses{Supply: true}); !errors.Is(err, errBatchWrite) {
		t.Fatalf("expected batch failure, got %v", err)
	}
	if engine.Pauses().Supply {
		t.Fatalf("pause applied despite failed commit")
	}
	if err := engine.SetWhitelist(h.ctx, adminAuth(), alice, true); !errors.Is(err, errBatchWrite) {
		t.Fatalf("expected batch failure, got %v", err)
	}
	if engine.whitelisted(alice) {
		t.Fatalf("whitelist applied despite failed commit")
	}
	if got := h.restart(nil).MarketConfigs()[0].OriginationFeeBps; got != 0 {
		t.Fatalf("rolled back config reached storage: %d", got)
	}
}

func TestEngineRecordsOperationMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	h := newHarness(t, nil)
	engine, err := NewEngine(h.state, h.ledger, h.oracle, testParams(), WithClock(h.clock.Now), WithMeterProvider(provider))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.credit("USDC", carol, 1000)
	if _, err := engine.SupplyLiquidity(h.ctx, NewPrincipal(carol, RoleSupplier), "USDC", big.NewInt(1000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if _, err := engine.SupplyLiquidity(h.ctx, NewPrincipal(carol), "USDC", big.NewInt(1)); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("expected unauthorized supply, got %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	counts := map[string]int64{}
	var latencySamples uint64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				if m.Name != "nhb.lending.operations" {
					continue
				}
				for _, dp := range data.DataPoints {
					op, _ := dp.Attributes.Value(attribute.Key("op"))
					outcome, _ := dp.Attributes.Value(attribute.Key("outcome"))
					counts[op.AsString()+"/"+outcome.AsString()] += dp.Value
				}
			case metricdata.Histogram[float64]:
				if m.Name != "nhb.lending.operation.duration" {
					continue
				}
				for _, dp := range data.DataPoints {
					latencySamples += dp.Count
				}
			}
		}
	}
	if counts["supply_liquidity/ok"] != 1 || counts["supply_liquidity/authorization"] != 1 {
		t.Fatalf("unexpected operation counts %v", counts)
	}
	if latencySamples != 2 {
		t.Fatalf("expected 2 latency samples, got %d", latencySamples)
	}
}
