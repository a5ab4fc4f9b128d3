package lending

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestSupplySharesTrackInterest(t *testing.T) {
	h := newHarness(t, nil)
	h.supply(10_000_000)
	position := h.openPosition(1_000_000, 2_000_000)
	h.clock.Advance(365 * 24 * time.Hour)
	h.credit("USDC", alice, 25_000)
	if _, err := h.engine.Repay(h.ctx, borrowerAuth(alice), position.ID, big.NewInt(1_025_000)); err != nil {
		t.Fatalf("repay: %v", err)
	}

	h.credit("USDC", dave, 10_022_500)
	minted, err := h.engine.SupplyLiquidity(h.ctx, NewPrincipal(dave, RoleSupplier), "USDC", big.NewInt(10_022_500))
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	requireAmount(t, "dave shares", minted, 10_000_000)

	balance, err := h.engine.GetSupplierBalance(h.ctx, "USDC", carol)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	requireAmount(t, "carol shares", balance.Shares, 10_000_000)
	requireAmount(t, "carol redeemable", balance.Amount, 10_022_500)

	burned, err := h.engine.WithdrawLiquidity(h.ctx, NewPrincipal(carol), "USDC", big.NewInt(10_022_500))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	requireAmount(t, "burned", burned, 10_000_000)
	requireAmount(t, "carol usdc", h.balance("USDC", carol), 10_022_500)

	if _, err := h.engine.WithdrawLiquidity(h.ctx, NewPrincipal(carol), "USDC", big.NewInt(1)); !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("expected exhausted shares, got %v", err)
	}

	if _, err := h.engine.WithdrawReserves(h.ctx, adminAuth(), "USDC", big.NewInt(2_501), common.Address{}); !errors.Is(err, ErrInsufficientReserves) {
		t.Fatalf("expected reserve bound, got %v", err)
	}
	if _, err := h.engine.WithdrawReserves(h.ctx, NewPrincipal(carol, RoleSupplier), "USDC", big.NewInt(1), common.Address{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected admin only, got %v", err)
	}
	market, err := h.engine.WithdrawReserves(h.ctx, adminAuth(), "USDC", big.NewInt(2_500), common.Address{})
	if err != nil {
		t.Fatalf("withdraw reserves: %v", err)
	}
	requireAmount(t, "reserves left", market.TotalReserves, 0)
	requireAmount(t, "treasury usdc", h.balance("USDC", treasuryAddr), 2_500)
}

func TestWithdrawLiquidityBoundedByBorrows(t *testing.T) {
	h := newHarness(t, nil)
	h.supply(1000)
	h.openPosition(800, 2000)

	_, err := h.engine.WithdrawLiquidity(h.ctx, NewPrincipal(carol), "USDC", big.NewInt(300))
	if !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected insufficient liquidity, got %v", err)
	}
	if _, err := h.engine.WithdrawLiquidity(h.ctx, NewPrincipal(carol), "USDC", big.NewInt(200)); err != nil {
		t.Fatalf("withdraw available: %v", err)
	}
	market := h.market()
	requireAmount(t, "available", market.AvailableSupply(), 0)
	if market.UtilizationBps != BasisPoints {
		t.Fatalf("expected full utilization, got %d", market.UtilizationBps)
	}
	if market.BorrowRateBps != 5000 {
		t.Fatalf("expected capped borrow rate, got %d", market.BorrowRateBps)
	}
}

func TestSupplyRequiresSupplierRole(t *testing.T) {
	h := newHarness(t, nil)
	h.credit("USDC", carol, 100)
	if _, err := h.engine.SupplyLiquidity(h.ctx, NewPrincipal(carol), "USDC", big.NewInt(100)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestMarketRatesBeforeFirstUse(t *testing.T) {
	h := newHarness(t, nil)
	market := h.market()
	if market.BorrowRateBps != 200 || market.UtilizationBps != 0 {
		t.Fatalf("unexpected idle market %+v", market)
	}
	if _, err := h.engine.GetMarketRates(h.ctx, "DAI"); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected unknown market, got %v", err)
	}
}

func TestRateHistoryRetainsNewestSamples(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 12; i++ {
		h.clock.Advance(time.Second)
		h.supply(100)
	}
	samples, err := h.engine.GetRateHistory(h.ctx, "USDC")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(samples) != 8 {
		t.Fatalf("expected 8 samples, got %d", len(samples))
	}
	for i := 1; i < len(samples); i++ {
		if !samples[i].Timestamp.After(samples[i-1].Timestamp) {
			t.Fatalf("samples out of order at %d", i)
		}
	}
	if !samples[len(samples)-1].Timestamp.Equal(h.clock.Now()) {
		t.Fatalf("newest sample %s, want %s", samples[len(samples)-1].Timestamp, h.clock.Now())
	}
}
