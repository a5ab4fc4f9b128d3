package lending

import (
	"errors"
	"math/big"
	"testing"
)

func liquidatableHarness(t *testing.T, mutate func(*Params)) (*harness, *BorrowPosition) {
	t.Helper()
	h := newHarness(t, mutate)
	h.supply(100_000)
	position := h.openPosition(1000, 2000)
	h.credit("USDC", bob, 5000)
	return h, position
}

func TestLiquidationRequiresThreshold(t *testing.T) {
	h, position := liquidatableHarness(t, nil)

	// 1000 / (2000 * 0.8474) rounds down to 5900 bp.
	h.oracle.setPrice("ETH", 8474, 10_000)
	health, err := h.engine.GetPositionHealth(h.ctx, position.ID)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.CurrentLtvBps != 5900 || health.IsLiquidatable {
		t.Fatalf("unexpected health %+v", health)
	}
	_, err = h.engine.Liquidate(h.ctx, liquidatorAuth(bob), position.ID)
	if !errors.Is(err, ErrNotLiquidatable) || KindOf(err) != "economic" {
		t.Fatalf("expected not liquidatable, got %v", err)
	}

	h.oracle.setPrice("ETH", 8, 10)
	health, err = h.engine.GetPositionHealth(h.ctx, position.ID)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.CurrentLtvBps != 6250 || !health.IsLiquidatable {
		t.Fatalf("unexpected health %+v", health)
	}
	if _, err := h.engine.Liquidate(h.ctx, borrowerAuth(bob), position.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected liquidator role check, got %v", err)
	}
}

func TestDirectLiquidationSplitsPenalty(t *testing.T) {
	h, position := liquidatableHarness(t, nil)
	h.oracle.setPrice("ETH", 8, 10)

	result, err := h.engine.Liquidate(h.ctx, liquidatorAuth(bob), position.ID)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if result.Auction != nil {
		t.Fatalf("direct mode opened an auction")
	}
	record := result.Record
	requireAmount(t, "repaid", record.BorrowAssetAmount, 1000)
	requireAmount(t, "seized", record.CollateralSeized, 1375)
	requireAmount(t, "reward", record.LiquidatorReward, 62)
	requireAmount(t, "fee", record.ProtocolFee, 63)
	if !record.Completed || record.IsAuction {
		t.Fatalf("unexpected record %+v", record)
	}

	requireAmount(t, "bob usdc", h.balance("USDC", bob), 4000)
	requireAmount(t, "bob eth", h.balance("ETH", bob), 1312)
	requireAmount(t, "treasury eth", h.balance("ETH", treasuryAddr), 63)

	closed := h.position(position.ID)
	if closed.Status() != StatusLiquidated {
		t.Fatalf("expected liquidated, got %s", closed.Status())
	}
	requireAmount(t, "principal", closed.Principal, 0)
	acct := h.collateralAccount(alice)
	requireAmount(t, "deposited", acct.Deposited, 625)
	requireAmount(t, "locked", acct.Locked, 0)

	market := h.market()
	requireAmount(t, "total borrowed", market.TotalBorrowed, 0)
	if market.ActivePositions != 0 {
		t.Fatalf("expected no active positions")
	}

	records, err := h.engine.GetPositionLiquidations(h.ctx, position.ID)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 1 || records[0].ID != record.ID {
		t.Fatalf("unexpected records %+v", records)
	}
	if _, err := h.engine.Liquidate(h.ctx, liquidatorAuth(bob), position.ID); !errors.Is(err, ErrPositionInactive) {
		t.Fatalf("expected inactive position, got %v", err)
	}
}

func TestDirectLiquidationCappedByMaxAmount(t *testing.T) {
	h, position := liquidatableHarness(t, func(p *Params) {
		p.Markets[0].Liquidation.MaxLiquidationAmount = big.NewInt(400)
	})
	h.oracle.setPrice("ETH", 8, 10)

	result, err := h.engine.Liquidate(h.ctx, liquidatorAuth(bob), position.ID)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	requireAmount(t, "repaid", result.Record.BorrowAssetAmount, 400)
	requireAmount(t, "seized", result.Record.CollateralSeized, 550)
	requireAmount(t, "reward", result.Record.LiquidatorReward, 25)
	requireAmount(t, "fee", result.Record.ProtocolFee, 25)
	requireAmount(t, "bob eth", h.balance("ETH", bob), 525)

	remaining := h.position(position.ID)
	if remaining.Status() != StatusActive {
		t.Fatalf("partial liquidation closed the position: %s", remaining.Status())
	}
	requireAmount(t, "principal", remaining.Principal, 600)
	requireAmount(t, "collateral", remaining.CollateralAmount, 1450)
	acct := h.collateralAccount(alice)
	requireAmount(t, "locked", acct.Locked, 1450)
	requireAmount(t, "deposited", acct.Deposited, 1450)

	health, err := h.engine.GetPositionHealth(h.ctx, position.ID)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.IsLiquidatable {
		t.Fatalf("position still liquidatable at %d bp", health.CurrentLtvBps)
	}
}

func TestDirectLiquidationSeizureCappedByCollateral(t *testing.T) {
	h, position := liquidatableHarness(t, nil)
	h.oracle.setPrice("ETH", 4, 10)

	result, err := h.engine.Liquidate(h.ctx, liquidatorAuth(bob), position.ID)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	record := result.Record
	requireAmount(t, "seized", record.CollateralSeized, 2000)
	requireAmount(t, "reward", record.LiquidatorReward, 90)
	requireAmount(t, "fee", record.ProtocolFee, 91)
	requireAmount(t, "bob eth", h.balance("ETH", bob), 1909)
	requireAmount(t, "treasury eth", h.balance("ETH", treasuryAddr), 91)

	acct := h.collateralAccount(alice)
	requireAmount(t, "deposited", acct.Deposited, 0)
	requireAmount(t, "locked", acct.Locked, 0)
	if h.position(position.ID).Status() != StatusLiquidated {
		t.Fatalf("expected liquidated position")
	}
}

func TestLiquidationRollsBackWhenLiquidatorCannotPay(t *testing.T) {
	h, position := liquidatableHarness(t, nil)
	h.oracle.setPrice("ETH", 8, 10)

	_, err := h.engine.Liquidate(h.ctx, liquidatorAuth(dave), position.ID)
	if err == nil {
		t.Fatalf("expected transfer failure")
	}
	if KindOf(err) != "internal" {
		t.Fatalf("unexpected kind %q for %v", KindOf(err), err)
	}
	after := h.position(position.ID)
	if after.Status() != StatusActive {
		t.Fatalf("position changed: %s", after.Status())
	}
	requireAmount(t, "locked", h.collateralAccount(alice).Locked, 2000)
	requireAmount(t, "treasury eth", h.balance("ETH", treasuryAddr), 0)
	if _, err := h.engine.GetLiquidationData(h.ctx, "liq-1"); !errors.Is(err, ErrLiquidationNotFound) {
		t.Fatalf("expected no record, got %v", err)
	}
}

func TestLiquidationPaused(t *testing.T) {
	h, position := liquidatableHarness(t, func(p *Params) { p.Pauses.Liquidate = true })
	h.oracle.setPrice("ETH", 8, 10)
	if _, err := h.engine.Liquidate(h.ctx, liquidatorAuth(bob), position.ID); KindOf(err) != "state" {
		t.Fatalf("expected paused liquidation, got %v", err)
	}
}
