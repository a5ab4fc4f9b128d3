package lending

import (
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleParams = `
treasury = "0x00000000000000000000000000000000000000f0"
staleness_seconds = 900
whitelist = ["0x00000000000000000000000000000000000000a1"]

[pauses]
liquidate = true

[[market]]
asset = "usdc"
enabled = true
decimals = 6
min_borrow = "100"
borrow_cap = "1000000000000"
origination_fee_bps = 25

[market.rate]
base_rate_bps = 200
slope1_bps = 400
slope2_bps = 6000
optimal_utilization_bps = 8000
reserve_factor_bps = 1000
max_rate_bps = 8000

[market.liquidation]
mode = "Auction"
penalty_bps = 800
liquidator_share_bps = 6000
protocol_share_bps = 4000

[[collateral]]
asset = " eth "
enabled = true
decimals = 18
max_ltv_bps = 7000
liquidation_threshold_bps = 8000
`

func TestParseParams(t *testing.T) {
	params, err := ParseParams(sampleParams)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if params.StalenessSeconds != 900 || params.RateHistorySize != DefaultRateHistorySize {
		t.Fatalf("unexpected globals %+v", params)
	}
	if !params.Pauses.Liquidate || params.Pauses.Borrow {
		t.Fatalf("unexpected pauses %+v", params.Pauses)
	}
	if len(params.Markets) != 1 || len(params.Collateral) != 1 {
		t.Fatalf("expected one market and one collateral")
	}
	market := params.Markets[0]
	if market.Asset != "USDC" || market.Decimals != 6 {
		t.Fatalf("unexpected market %+v", market)
	}
	if market.MinBorrow.Cmp(big.NewInt(100)) != 0 || market.BorrowCap.Cmp(big.NewInt(1_000_000_000_000)) != 0 {
		t.Fatalf("unexpected bounds %s %s", market.MinBorrow, market.BorrowCap)
	}
	if market.Liquidation.Mode != ModeAuction || market.Liquidation.AuctionDurationSeconds != DefaultAuctionDurationSeconds {
		t.Fatalf("unexpected liquidation config %+v", market.Liquidation)
	}
	if params.Collateral[0].Asset != "ETH" {
		t.Fatalf("collateral asset not normalised: %q", params.Collateral[0].Asset)
	}
}

func TestLoadParamsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "markets.toml")
	if err := os.WriteFile(path, []byte(sampleParams), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	params, err := LoadParams(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if params.TreasuryAddress() != treasuryAddr {
		t.Fatalf("unexpected treasury %s", params.TreasuryAddress().Hex())
	}
	if _, err := LoadParams(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestParseParamsRejectsUnknownKeys(t *testing.T) {
	data := strings.Replace(sampleParams, "penalty_bps = 800", "penalty_bps = 800\npenalty_bp = 900", 1)
	_, err := ParseParams(data)
	if !errors.Is(err, ErrInvalidConfig) || !errors.Is(err, ErrValidation) {
		t.Fatalf("expected invalid config, got %v", err)
	}
	if !strings.Contains(err.Error(), "market.liquidation.penalty_bp") {
		t.Fatalf("error does not name the key: %v", err)
	}
}

func TestParamsValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"zero treasury", func(p *Params) { p.Treasury = "0x0000000000000000000000000000000000000000" }},
		{"bad treasury", func(p *Params) { p.Treasury = "treasury" }},
		{"penalty above cap", func(p *Params) { p.Markets[0].Liquidation.PenaltyBps = MaxLiquidationPenaltyBps + 1 }},
		{"fee above cap", func(p *Params) { p.Markets[0].OriginationFeeBps = MaxOriginationFeeBps + 1 }},
		{"shares do not sum", func(p *Params) { p.Markets[0].Liquidation.ProtocolShareBps = 4000 }},
		{"unknown mode", func(p *Params) { p.Markets[0].Liquidation.Mode = "dutch" }},
		{"rate kink above max", func(p *Params) { p.Markets[0].Rate.MaxRateBps = 500 }},
		{"threshold not above ltv", func(p *Params) { p.Collateral[0].LiquidationThresholdBps = 5000 }},
		{"threshold above 100%", func(p *Params) { p.Collateral[0].LiquidationThresholdBps = BasisPoints + 1 }},
		{"zero ltv", func(p *Params) { p.Collateral[0].MaxLtvBps = 0 }},
		{"duplicate market", func(p *Params) { p.Markets = append(p.Markets, p.Markets[0]) }},
		{"bad whitelist", func(p *Params) { p.Whitelist = []string{"nope"} }},
		{"min above max borrow", func(p *Params) {
			p.Markets[0].MinBorrow = big.NewInt(10)
			p.Markets[0].MaxBorrow = big.NewInt(5)
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			params := testParams()
			tc.mutate(&params)
			params.ApplyDefaults()
			err := params.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected invalid config, got %v", err)
			}
			if KindOf(err) != "validation" {
				t.Fatalf("unexpected kind %q", KindOf(err))
			}
		})
	}
	params := testParams()
	params.ApplyDefaults()
	if err := params.Validate(); err != nil {
		t.Fatalf("baseline params rejected: %v", err)
	}
}

func TestSetMarketConfig(t *testing.T) {
	h := newHarness(t, nil)
	cfg := h.engine.MarketConfigs()[0]
	cfg.OriginationFeeBps = 50

	if err := h.engine.SetMarketConfig(h.ctx, borrowerAuth(alice), cfg); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	bad := cfg.Clone()
	bad.Liquidation.PenaltyBps = 9000
	if err := h.engine.SetMarketConfig(h.ctx, NewPrincipal(adminAddr, RoleRiskManager), bad); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
	if h.engine.MarketConfigs()[0].Liquidation.PenaltyBps != 1000 {
		t.Fatalf("rejected config was installed")
	}
	h.emitter.reset()
	if err := h.engine.SetMarketConfig(h.ctx, NewPrincipal(adminAddr, RoleRiskManager), cfg); err != nil {
		t.Fatalf("set market config: %v", err)
	}
	if h.engine.MarketConfigs()[0].OriginationFeeBps != 50 {
		t.Fatalf("config not installed")
	}
	if got := h.emitter.types(); len(got) != 1 || got[0] != "config.updated" {
		t.Fatalf("unexpected events %v", got)
	}

	dai := cfg.Clone()
	dai.Asset = "dai"
	if err := h.engine.SetMarketConfig(h.ctx, adminAuth(), dai); err != nil {
		t.Fatalf("add market: %v", err)
	}
	configs := h.engine.MarketConfigs()
	if len(configs) != 2 || configs[0].Asset != "DAI" || configs[1].Asset != "USDC" {
		t.Fatalf("unexpected market list %+v", configs)
	}
}

func TestCollateralConfigChangeKeepsPositionSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	h.supply(100_000)
	position := h.openPosition(1000, 2000)

	cfg := h.engine.CollateralConfigs()[0]
	cfg.MaxLtvBps = 3000
	cfg.LiquidationThresholdBps = 4000
	if err := h.engine.SetCollateralConfig(h.ctx, adminAuth(), cfg); err != nil {
		t.Fatalf("set collateral config: %v", err)
	}
	health, err := h.engine.GetPositionHealth(h.ctx, position.ID)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.LiquidationThresholdBps != 6000 || health.IsLiquidatable {
		t.Fatalf("existing position picked up new bounds: %+v", health)
	}

	h.depositCollateral(alice, 2000)
	_, err = h.engine.CreatePosition(h.ctx, borrowerAuth(alice), "USDC", "ETH", big.NewInt(1000), big.NewInt(2000))
	if !errors.Is(err, ErrLTVExceeded) {
		t.Fatalf("new position ignored tightened ltv: %v", err)
	}
}

func TestNormalizeAssetFoldsCompatibilityForms(t *testing.T) {
	cases := map[string]string{
		" usdc ": "USDC",
		"ｕｓｄｃ":   "USDC",
		"ＥＴＨ\t":  "ETH",
		"wbtc":   "WBTC",
		"":       "",
	}
	for in, want := range cases {
		if got := NormalizeAsset(in); got != want {
			t.Fatalf("NormalizeAsset(%q) = %q, want %q", in, got, want)
		}
	}
}
